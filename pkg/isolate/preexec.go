//go:build linux

package isolate

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/docker/docker/pkg/reexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	reexecPid1 = "imagekit-isolate-preexec-pid1"

	envContext     = "IMAGEKIT_ISOLATE_CONTEXT"
	envProgram     = "IMAGEKIT_ISOLATE_PROGRAM"
	envSnapshotDir = "IMAGEKIT_ISOLATE_SNAPSHOT_DIR"
	envExecInit    = "IMAGEKIT_ISOLATE_EXEC_INIT"
)

func init() {
	reexec.Register(reexecPid1, preexecPid1Entry)
}

// UnshareUserns performs the unprivileged rootless pre-step some callers
// need before anything else: an unshare(CLONE_NEWUSER) with an identity
// map of the caller's own uid/gid, so a non-root invoker can go on to run
// the pre-exec driver at all. This is distinct from the per-container
// CLONE_NEWUSER the pid-1 supervisor performs later; see SPEC_FULL.md's
// supplemented feature #6.
func UnshareUserns() error {
	uid := os.Getuid()
	gid := os.Getgid()
	if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("isolate: unshare(CLONE_NEWUSER): %w", err)
	}
	if err := os.WriteFile("/proc/self/uid_map", []byte(fmt.Sprintf("%d %d 1\n", uid, uid)), 0644); err != nil {
		return fmt.Errorf("isolate: writing identity uid_map: %w", err)
	}
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0644); err != nil {
		return fmt.Errorf("isolate: disabling setgroups: %w", err)
	}
	if err := os.WriteFile("/proc/self/gid_map", []byte(fmt.Sprintf("%d %d 1\n", gid, gid)), 0644); err != nil {
		return fmt.Errorf("isolate: writing identity gid_map: %w", err)
	}
	return nil
}

// RunPreexec is the entry point for the "main" mode of the pre-exec binary
// (spec §4.6, §6 "pre-exec subcommands"): it unshares a new pid namespace,
// optionally snapshots the layer for ephemeral use, spawns the pid-1
// supervisor inside that namespace, waits for it, and guarantees ephemeral
// snapshot cleanup on every exit path.
func RunPreexec(ctx *IsolationContext, program string, args []string) (int, error) {
	runsTotal.WithLabelValues(invocationLabel(ctx.InvocationType)).Inc()

	// Work on a copy: btrfs-snapshot ephemeral handling replaces Layer and
	// clears Ephemeral before the context crosses the re-exec boundary
	// (spec §4.6 step 2, "the snapshot now IS the layer"), and the
	// caller's original ctx shouldn't observe that mutation.
	effective := *ctx

	var snapPath string
	var err error
	if ctx.Ephemeral == EphemeralBtrfsSnapshot {
		// pid of the about-to-be-spawned pid-1 isn't known yet; use our
		// own pid for the naming convention, since <pid> identifies the
		// run rather than any one specific process.
		snapPath, err = createEphemeralSnapshot(ctx.Layer, os.Getpid())
		if err != nil {
			return 0, err
		}
		effective.Layer = snapPath
		effective.Ephemeral = EphemeralNone
	}

	defer func() {
		if snapPath == "" {
			return
		}
		if err := cleanupEphemeralSnapshot(snapPath); err != nil {
			ephemeralLeaksTotal.Inc()
			logrus.Warnf("isolate: %v", err)
		}
	}()

	ctxJSON, err := json.Marshal(&effective)
	if err != nil {
		return 0, fmt.Errorf("isolate: marshaling context: %w", err)
	}

	cmd := &exec.Cmd{
		Path: reexec.Self(),
		Args: append([]string{reexecPid1}, args...),
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: syscall.CLONE_NEWPID,
			Pdeathsig:  syscall.SIGKILL,
		},
		Env: append(os.Environ(),
			envContext+"="+string(ctxJSON),
			envProgram+"="+program,
		),
	}

	if ctx.InvocationType == InvocationPid2Interactive || ctx.InvocationType == InvocationBootInteractive {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if snapPath != "" {
		cmd.Env = append(cmd.Env, envSnapshotDir+"="+snapPath)
	}

	if ctx.InvocationType.boots() {
		cmd.Env = append(cmd.Env, envExecInit+"=1")
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("isolate: spawning pid-1 supervisor: %w", err)
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1, &ChildFailedError{ExitCode: -1, Signal: status.Signal().String()}
		}
		return exitErr.ExitCode(), &ChildFailedError{ExitCode: exitErr.ExitCode()}
	}
	return 0, fmt.Errorf("isolate: waiting for pid-1 supervisor: %w", err)
}

func invocationLabel(t InvocationType) string {
	switch t {
	case InvocationPid2Pipe:
		return "pid2-pipe"
	case InvocationPid2Interactive:
		return "pid2-interactive"
	case InvocationBootReadonly:
		return "boot-readonly"
	case InvocationBootInteractive:
		return "boot-interactive"
	default:
		return "unknown"
	}
}

// preexecPid1Entry is the re-exec target spawned by RunPreexec: it reads
// back the serialized context and program from the environment (set by
// the parent across the CLONE_NEWPID boundary) and runs the pid-1
// supervisor body.
func preexecPid1Entry() {
	var ctx IsolationContext
	if err := json.Unmarshal([]byte(os.Getenv(envContext)), &ctx); err != nil {
		logrus.Fatalf("isolate: pid-1: decoding context: %v", err)
	}
	program := os.Getenv(envProgram)
	args := os.Args[1:]

	cfg := &pid1Config{
		Ctx:         &ctx,
		Program:     program,
		Args:        args,
		SnapshotDir: os.Getenv(envSnapshotDir),
		ExecInit:    os.Getenv(envExecInit) != "",
	}

	code, err := runPid1(cfg)
	if err != nil {
		logrus.Fatalf("isolate: pid-1: %v", err)
	}
	os.Exit(code)
}
