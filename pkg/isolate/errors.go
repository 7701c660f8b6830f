package isolate

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrEphemeralLeak is a non-fatal warning: ephemeral snapshot cleanup
// failed on both the primary (btrfs delete) and fallback (recursive
// remove) paths. The caller's process still exits with the child's status;
// this is logged, not propagated as a hard failure, per spec §7.
var ErrEphemeralLeak = errdefs.ErrUnknown.WithMessage("ephemeral snapshot cleanup failed")

// ChildFailedError reports that the isolated child exited non-zero or was
// killed by a signal.
type ChildFailedError struct {
	// ExitCode is the child's exit code, or -1 if it died by signal.
	ExitCode int
	// Signal is the signal name that killed the child, empty if it exited
	// normally.
	Signal string
}

func (e *ChildFailedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("isolate: child killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("isolate: child exited with code %d", e.ExitCode)
}
