// Command make-oci-layer writes an OCI-compatible tar layer describing the
// difference between two btrfs subvolumes (or the full contents of one
// subvolume relative to an empty parent), per spec.md §4.4.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imagekit/imagekit/pkg/changestream"
	"github.com/imagekit/imagekit/pkg/ocilayer"
)

func main() {
	var parent, child, out string

	root := &cobra.Command{
		Use:   "make-oci-layer --child=PATH [--parent=PATH] --out=FILE",
		Short: "Synthesize an OCI tar layer from a btrfs send-stream diff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if child == "" {
				return fmt.Errorf("--child is required")
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}

			var stream *changestream.Stream
			var closeSend func() error
			var err error
			if parent == "" {
				stream, closeSend, err = changestream.FromEmpty(child)
			} else {
				stream, closeSend, err = changestream.Diff(parent, child)
			}
			if err != nil {
				return fmt.Errorf("starting btrfs send: %w", err)
			}
			defer func() {
				if err := closeSend(); err != nil {
					logrus.Warnf("make-oci-layer: closing send stream: %v", err)
				}
			}()

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			defer f.Close()

			if err := ocilayer.Synthesize(f, stream, child); err != nil {
				return fmt.Errorf("synthesizing layer: %w", err)
			}
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&parent, "parent", "", "path to the parent subvolume (omit to diff against an empty parent)")
	flags.StringVar(&child, "child", "", "path to the child subvolume")
	flags.StringVar(&out, "out", "", "path to write the tar layer to")
	_ = root.MarkFlagRequired("child")
	_ = root.MarkFlagRequired("out")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
