// Package btrfs opens, creates, snapshots and destroys btrfs subvolumes via
// the kernel's subvolume ioctls. It holds file descriptors exclusively: a
// Subvolume owns its directory fd (and its parent's, if any) and clones are
// not permitted.
package btrfs

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors surfaced by Open/Create/Snapshot/Delete. Compare with
// errors.Is; they carry no dynamic state so a single value suffices.
var (
	// ErrNotBtrfs is returned when a path does not live on a btrfs filesystem.
	ErrNotBtrfs = errdefs.ErrFailedPrecondition.WithMessage("not a btrfs filesystem")
	// ErrNotSubvol is returned when a path is a btrfs directory but not the
	// root of a subvolume (its inode number is not the subvolume sentinel).
	ErrNotSubvol = errdefs.ErrFailedPrecondition.WithMessage("directory is not a btrfs subvolume")
	// ErrCannotCreateRoot is returned when a caller tries to create or
	// snapshot a subvolume at a path with no parent directory (i.e. "/").
	ErrCannotCreateRoot = errdefs.ErrInvalidArgument.WithMessage("cannot create a subvolume at /")
	// ErrCannotDeleteRoot is returned when Delete is called on a handle that
	// was opened without a parent descriptor (i.e. one opened at "/").
	ErrCannotDeleteRoot = errdefs.ErrInvalidArgument.WithMessage("cannot delete the root subvolume")
)

// IoError wraps a raw errno from a failed ioctl or syscall with the
// operation and path that triggered it, per spec §7 ("Io(errno): surface
// with context").
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Path: path, Err: err}
}
