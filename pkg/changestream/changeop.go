// Package changestream translates a btrfs send-stream decode into a
// per-path sequence of higher-level filesystem change operations, the way
// a caller comparing two subvolumes actually wants to think about a diff:
// "this path was created with this mode", not "here is a Mkfile command
// followed eventually by a Write command".
package changestream

import (
	"time"

	"github.com/google/uuid"
)

// ChangeOp is implemented by every operation this package emits for a
// path. The unexported marker method keeps the set closed to this
// package.
type ChangeOp interface {
	isChangeOp()
}

// ModeUnset marks a mode value the send-stream didn't carry (Mkfile/Mkdir
// commands precede the Chmod that sets real permissions).
const ModeUnset = ^uint32(0)

type Create struct{ Mode uint32 }

func (Create) isChangeOp() {}

type Mkdir struct{ Mode uint32 }

func (Mkdir) isChangeOp() {}

type Mkfifo struct{ Mode uint32 }

func (Mkfifo) isChangeOp() {}

type Mknod struct {
	Rdev uint64
	Mode uint32
}

func (Mknod) isChangeOp() {}

type Chmod struct{ Mode uint32 }

func (Chmod) isChangeOp() {}

type Chown struct {
	UID uint32
	GID uint32
}

func (Chown) isChangeOp() {}

type SetTimes struct {
	Atime time.Time
	Mtime time.Time
}

func (SetTimes) isChangeOp() {}

type HardLink struct{ Target string }

func (HardLink) isChangeOp() {}

type Symlink struct{ Target string }

func (Symlink) isChangeOp() {}

type Rename struct{ To string }

func (Rename) isChangeOp() {}

// Contents carries the child-subvolume path the full file contents should
// be read from, rather than the individual Write/Clone/UpdateExtent
// extents the send-stream broke the write up into — those are a btrfs
// implementation detail, not something a layer consumer needs.
type Contents struct{ ChildPath string }

func (Contents) isChangeOp() {}

type SetXattr struct {
	Name  string
	Value []byte
}

func (SetXattr) isChangeOp() {}

type RemoveXattr struct{ Name string }

func (RemoveXattr) isChangeOp() {}

type Unlink struct{}

func (Unlink) isChangeOp() {}

type Rmdir struct{}

func (Rmdir) isChangeOp() {}

// Close terminates the event sequence for a path.
type Close struct{}

func (Close) isChangeOp() {}

// Change pairs a single ChangeOp with the path it applies to, mirroring
// the send-stream decoder's own per-command shape.
type Change struct {
	Path string
	Op   ChangeOp
}

// CloneID is the UUID and transaction id a Clone/Snapshot command
// identifies its source by. Stream never fills one in: it consumes
// Subvol/Snapshot commands without surfacing them and reduces Clone to a
// Contents op.
type CloneID struct {
	UUID     uuid.UUID
	Ctransid uint64
}
