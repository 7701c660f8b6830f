// Command isolate-preexec is the standalone binary form of pkg/isolate's
// unprivileged driver (spec.md §6 "pre-exec subcommands"): a main mode
// that takes a JSON-serialized isolation context plus a program and args,
// and a pid-1 mode reached only by the main mode re-execing itself across
// the CLONE_NEWPID boundary.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/docker/docker/pkg/reexec"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imagekit/imagekit/pkg/isolate"
)

func main() {
	if reexec.Init() {
		return
	}

	var contextJSON string
	var rootless bool

	root := &cobra.Command{
		Use:   "isolate-preexec --context=JSON [--rootless] -- PROGRAM [ARGS...]",
		Short: "Run a program inside a namespaced, mount-shaped root built from an IsolationContext",
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 || dash >= len(args) {
				return fmt.Errorf("expected -- PROGRAM [ARGS...]")
			}
			program := args[dash]
			progArgs := args[dash+1:]

			var ctx isolate.IsolationContext
			if err := json.Unmarshal([]byte(contextJSON), &ctx); err != nil {
				return fmt.Errorf("decoding isolation context: %w", err)
			}

			if rootless {
				if err := isolate.UnshareUserns(); err != nil {
					return err
				}
			}

			code, err := isolate.RunPreexec(&ctx, program, progArgs)
			if err != nil {
				logrus.Debugf("isolate-preexec: %v", err)
			}
			os.Exit(code)
			return nil
		},
	}
	root.Flags().StringVar(&contextJSON, "context", "", "JSON-serialized IsolationContext")
	root.Flags().BoolVar(&rootless, "rootless", false, "unshare a user namespace with an identity uid/gid map before running")
	_ = root.MarkFlagRequired("context")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
