// Command isolate is the user-facing CLI over pkg/isolate: it builds an
// IsolationContext from flags and runs a program inside it, either via the
// unprivileged unshare path or a supervised systemd-nspawn boot.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imagekit/imagekit/pkg/isolate"
	"github.com/imagekit/imagekit/pkg/signals"
)

type options struct {
	layer          string
	ephemeral      string
	boot           bool
	interactive    bool
	nspawn         bool
	rootless       bool
	network        bool
	hostname       string
	user           string
	workdir        string
	platform       []string
	inputs         []string
	outputs        []string
	tmpfs          []string
}

func main() {
	var o options

	root := &cobra.Command{
		Use:   "isolate --layer=PATH [flags] -- PROGRAM [ARGS...]",
		Short: "Run a program inside a namespaced root built from a btrfs layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 || dash >= len(args) {
				return fmt.Errorf("expected -- PROGRAM [ARGS...]")
			}
			program := args[dash]
			progArgs := args[dash+1:]

			ctx, err := o.toContext()
			if err != nil {
				return err
			}

			if o.rootless {
				if err := isolate.UnshareUserns(); err != nil {
					return err
				}
			}

			var handle *isolate.Handle
			if o.nspawn {
				handle = isolate.Nspawn(ctx)
			} else {
				handle = isolate.Unshare(ctx)
			}

			builder := handle.Command(program).
				Args(progArgs...).
				Stdin(os.Stdin).
				Stdout(os.Stdout).
				Stderr(os.Stderr)

			shutdown := signals.SetupSignalContext()
			type runResult struct {
				code int
				err  error
			}
			result := make(chan runResult, 1)
			go func() {
				code, err := builder.Run()
				result <- runResult{code, err}
			}()

			var code int
			var err error
			select {
			case <-shutdown.Done():
				logrus.Warn("isolate: shutdown signal received, waiting for isolated process to exit")
				r := <-result
				code, err = r.code, r.err
			case r := <-result:
				code, err = r.code, r.err
			}
			if err != nil {
				logrus.Debugf("isolate: %v", err)
			}
			os.Exit(code)
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&o.layer, "layer", "", "path to the read-only btrfs subvolume to run against")
	flags.StringVar(&o.ephemeral, "ephemeral", "none", "writable layer strategy: none, overlay, or btrfs-snapshot")
	flags.BoolVar(&o.boot, "boot", false, "boot a full init instead of running PROGRAM as pid 2")
	flags.BoolVar(&o.interactive, "interactive", false, "attach a tty instead of a pipe")
	flags.BoolVar(&o.nspawn, "nspawn", false, "use the privileged systemd-nspawn driver instead of unshare")
	flags.BoolVar(&o.rootless, "rootless", false, "unshare a user namespace with an identity uid/gid map before anything else")
	flags.BoolVar(&o.network, "network", false, "give the container a fresh net namespace with loopback only, rather than sharing the host's")
	flags.StringVar(&o.hostname, "hostname", "", "hostname inside the container")
	flags.StringVar(&o.user, "user", "", "user to run as inside the container")
	flags.StringVar(&o.workdir, "chdir", "", "working directory inside the container")
	flags.StringArrayVar(&o.platform, "platform", nil, "dst:src read-only platform mount, repeatable")
	flags.StringArrayVar(&o.inputs, "input", nil, "dst:src read-only input mount, repeatable")
	flags.StringArrayVar(&o.outputs, "output", nil, "writable output directory inside the container, repeatable")
	flags.StringArrayVar(&o.tmpfs, "tmpfs", nil, "tmpfs mount point inside the container, repeatable")
	_ = root.MarkFlagRequired("layer")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func (o *options) toContext() (*isolate.IsolationContext, error) {
	ctx := isolate.NewContext(o.layer).
		WithRootless(o.rootless).
		WithNetwork(o.network).
		WithHostname(o.hostname).
		WithUser(o.user).
		WithWorkingDirectory(o.workdir)

	switch o.ephemeral {
	case "none":
		ctx.WithEphemeral(isolate.EphemeralNone)
	case "overlay":
		ctx.WithEphemeral(isolate.EphemeralOverlay)
	case "btrfs-snapshot":
		ctx.WithEphemeral(isolate.EphemeralBtrfsSnapshot)
	default:
		return nil, fmt.Errorf("unknown --ephemeral value %q", o.ephemeral)
	}

	switch {
	case o.boot && o.interactive:
		ctx.WithInvocationType(isolate.InvocationBootInteractive)
	case o.boot:
		ctx.WithInvocationType(isolate.InvocationBootReadonly)
	case o.interactive:
		ctx.WithInvocationType(isolate.InvocationPid2Interactive)
	default:
		ctx.WithInvocationType(isolate.InvocationPid2Pipe)
	}

	for _, m := range o.platform {
		dst, src, err := splitMountPair(m)
		if err != nil {
			return nil, fmt.Errorf("--platform %s: %w", m, err)
		}
		ctx.WithPlatform(dst, src)
	}
	for _, m := range o.inputs {
		dst, src, err := splitMountPair(m)
		if err != nil {
			return nil, fmt.Errorf("--input %s: %w", m, err)
		}
		ctx.WithInput(dst, src)
	}
	for _, dst := range o.outputs {
		ctx.WithOutput(dst)
	}
	for _, dst := range o.tmpfs {
		ctx.WithTmpfs(dst)
	}

	return ctx, nil
}

func splitMountPair(s string) (dst, src string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected dst:src")
}
