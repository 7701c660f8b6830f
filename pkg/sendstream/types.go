// Package sendstream decodes the binary wire format emitted by `btrfs
// send`: a 13-byte magic plus version header followed by a sequence of
// framed commands, each built from length-prefixed TLV attributes. See
// Documentation/filesystems/btrfs/send-stream.rst (and the kernel's
// fs/btrfs/send.h) for the authoritative format this package decodes.
package sendstream

import (
	"time"

	"github.com/google/uuid"
)

// Magic is the fixed 13-byte prefix of every send-stream, immediately
// followed by a little-endian u32 stream version.
const Magic = "btrfs-stream\x00"

// CommandType identifies the kind of a decoded Command. Order matters: it
// mirrors btrfs_send_command in the kernel's send.h, not alphabetical or
// any other Go-side convention.
type CommandType uint16

const (
	CommandUnspecified CommandType = iota
	CommandSubvol
	CommandSnapshot
	CommandMkfile
	CommandMkdir
	CommandMknod
	CommandMkfifo
	CommandMksock
	CommandSymlink
	CommandRename
	CommandLink
	CommandUnlink
	CommandRmdir
	CommandSetXattr
	CommandRemoveXattr
	CommandWrite
	CommandClone
	CommandTruncate
	CommandChmod
	CommandChown
	CommandUtimes
	CommandEnd
	CommandUpdateExtent
)

func (t CommandType) String() string {
	switch t {
	case CommandUnspecified:
		return "unspecified"
	case CommandSubvol:
		return "subvol"
	case CommandSnapshot:
		return "snapshot"
	case CommandMkfile:
		return "mkfile"
	case CommandMkdir:
		return "mkdir"
	case CommandMknod:
		return "mknod"
	case CommandMkfifo:
		return "mkfifo"
	case CommandMksock:
		return "mksock"
	case CommandSymlink:
		return "symlink"
	case CommandRename:
		return "rename"
	case CommandLink:
		return "link"
	case CommandUnlink:
		return "unlink"
	case CommandRmdir:
		return "rmdir"
	case CommandSetXattr:
		return "set_xattr"
	case CommandRemoveXattr:
		return "remove_xattr"
	case CommandWrite:
		return "write"
	case CommandClone:
		return "clone"
	case CommandTruncate:
		return "truncate"
	case CommandChmod:
		return "chmod"
	case CommandChown:
		return "chown"
	case CommandUtimes:
		return "utimes"
	case CommandEnd:
		return "end"
	case CommandUpdateExtent:
		return "update_extent"
	default:
		return "unknown"
	}
}

// Command is implemented by every decoded command payload; Type reports
// which kind of command it is, the role a Rust enum variant plays in the
// original parser.
type Command interface {
	Type() CommandType
}

type Subvol struct {
	Path     string
	UUID     uuid.UUID
	Ctransid uint64
}

func (Subvol) Type() CommandType { return CommandSubvol }

type Snapshot struct {
	Path          string
	UUID          uuid.UUID
	Ctransid      uint64
	CloneUUID     uuid.UUID
	CloneCtransid uint64
}

func (Snapshot) Type() CommandType { return CommandSnapshot }

// Mkfile and Mkdir carry a temporary path: the stream is ordered by inode,
// not by directory tree, so the destination directory may not exist yet
// and the entry gets created under a throwaway name to be renamed later.
type Mkfile struct {
	Path string
	Ino  uint64
}

func (Mkfile) Type() CommandType { return CommandMkfile }

type Mkdir struct {
	Path string
	Ino  uint64
}

func (Mkdir) Type() CommandType { return CommandMkdir }

// Mkspecial is the common payload shape of Mknod/Mkfifo/Mksock.
type Mkspecial struct {
	Path string
	Ino  uint64
	Rdev uint64
	Mode uint32
}

type Mknod struct{ Mkspecial }

func (Mknod) Type() CommandType { return CommandMknod }

type Mkfifo struct{ Mkspecial }

func (Mkfifo) Type() CommandType { return CommandMkfifo }

type Mksock struct{ Mkspecial }

func (Mksock) Type() CommandType { return CommandMksock }

type Symlink struct {
	LinkName string
	Ino      uint64
	Target   string
}

func (Symlink) Type() CommandType { return CommandSymlink }

type Rename struct {
	From string
	To   string
}

func (Rename) Type() CommandType { return CommandRename }

type Link struct {
	LinkName string
	Target   string
}

func (Link) Type() CommandType { return CommandLink }

type Unlink struct {
	Path string
}

func (Unlink) Type() CommandType { return CommandUnlink }

type Rmdir struct {
	Path string
}

func (Rmdir) Type() CommandType { return CommandRmdir }

type SetXattr struct {
	Path string
	Name string
	Data []byte
}

func (SetXattr) Type() CommandType { return CommandSetXattr }

type RemoveXattr struct {
	Path string
	Name string
}

func (RemoveXattr) Type() CommandType { return CommandRemoveXattr }

// Write carries one extent's worth of file data. Data is read as a
// length-prefixed attribute in every stream version and must be the
// command's last attribute: Decoder.Next rejects any bytes after it with a
// TrailingDataError (see parseWrite in decode.go).
type Write struct {
	Path   string
	Offset uint64
	Data   []byte
}

func (Write) Type() CommandType { return CommandWrite }

type Clone struct {
	SrcOffset uint64
	Len       uint64
	SrcPath   string
	UUID      uuid.UUID
	Ctransid  uint64
	DstPath   string
	DstOffset uint64
}

func (Clone) Type() CommandType { return CommandClone }

type Truncate struct {
	Path string
	Size uint64
}

func (Truncate) Type() CommandType { return CommandTruncate }

type Chmod struct {
	Path string
	Mode uint32
}

func (Chmod) Type() CommandType { return CommandChmod }

type Chown struct {
	Path string
	UID  uint32
	GID  uint32
}

func (Chown) Type() CommandType { return CommandChown }

type Utimes struct {
	Path  string
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

func (Utimes) Type() CommandType { return CommandUtimes }

type UpdateExtent struct {
	Path   string
	Offset uint64
	Len    uint64
}

func (UpdateExtent) Type() CommandType { return CommandUpdateExtent }

// End closes out a single sendstream; a stream containing a send of
// multiple subvolumes has one End per Subvol/Snapshot header.
type End struct{}

func (End) Type() CommandType { return CommandEnd }

// Unknown preserves a command type the decoder doesn't recognize: the raw
// type code is kept, the body is discarded. A newer kernel may add command
// types this package predates, and decoding must not abort just because
// one shows up on the wire.
type Unknown struct {
	RawType uint16
}

func (u Unknown) Type() CommandType { return CommandType(u.RawType) }
