//go:build linux

package isolate

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
)

// runNspawn implements the privileged half of spec §4.8: a supervised
// boot via a host-provided systemd-nspawn, honoring the same
// IsolationContext fields the unshare path does except Devtmpfs, which is
// not passed to systemd-nspawn. systemd-nspawn owns
// cgroup placement and (for boot-* invocation types) the init boot
// sequence itself, so this translates the context into nspawn flags
// rather than re-implementing namespace setup.
func runNspawn(ctx *IsolationContext, program string, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	runsTotal.WithLabelValues(invocationLabel(ctx.InvocationType)).Inc()

	nspawnArgs := []string{
		"--directory=" + ctx.Layer,
		"--quiet",
	}

	if ctx.Ephemeral != EphemeralNone {
		nspawnArgs = append(nspawnArgs, "--ephemeral")
	} else {
		nspawnArgs = append(nspawnArgs, "--read-only")
	}

	if ctx.Hostname != "" {
		nspawnArgs = append(nspawnArgs, "--hostname="+ctx.Hostname)
	}
	if ctx.User != "" {
		nspawnArgs = append(nspawnArgs, "--user="+ctx.User)
	}
	if ctx.WorkingDirectory != "" {
		nspawnArgs = append(nspawnArgs, "--chdir="+ctx.WorkingDirectory)
	}
	if ctx.Network {
		nspawnArgs = append(nspawnArgs, "--private-network")
	}

	for _, m := range ctx.Platform {
		nspawnArgs = append(nspawnArgs, fmt.Sprintf("--bind-ro=%s:%s", m.Src, m.Dst))
	}
	for _, m := range ctx.Inputs {
		nspawnArgs = append(nspawnArgs, fmt.Sprintf("--bind-ro=%s:%s", m.Src, m.Dst))
	}
	for _, dst := range ctx.Outputs {
		nspawnArgs = append(nspawnArgs, "--bind="+dst)
	}
	for _, dst := range ctx.Tmpfs {
		nspawnArgs = append(nspawnArgs, "--tmpfs="+dst)
	}

	for k, v := range ctx.Setenv {
		nspawnArgs = append(nspawnArgs, fmt.Sprintf("--setenv=%s=%s", k, v))
	}

	switch ctx.InvocationType {
	case InvocationBootReadonly, InvocationBootInteractive:
		nspawnArgs = append(nspawnArgs, "--boot",
			"--kill-signal=SIGRTMIN+3",
			"--property=systemd.unit=antlir2_image_test.service")
	default:
		nspawnArgs = append(nspawnArgs, "--", program)
		nspawnArgs = append(nspawnArgs, args...)
	}

	cmd := exec.Command("systemd-nspawn", nspawnArgs...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.Debugf("isolate: sd_notify unavailable: %v", err)
	} else if sent {
		logrus.Debug("isolate: sd_notify READY forwarded before nspawn start")
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("isolate: starting systemd-nspawn: %w", err)
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), &ChildFailedError{ExitCode: exitErr.ExitCode()}
	}
	return 0, fmt.Errorf("isolate: waiting for systemd-nspawn: %w", err)
}
