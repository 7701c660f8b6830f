package changestream

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/imagekit/imagekit/pkg/sendstream"
)

// Stream yields a finite, ordered sequence of (path, ChangeOp) pairs
// derived from a btrfs send-stream. It is single-pass: once exhausted (or
// once an error is returned) it must not be read again.
//
// The decoder's own Subvol/Snapshot/End commands mark stream boundaries
// rather than per-path changes and are consumed internally, never
// surfaced as a Change.
//
// Close-boundary detection: whenever a command's path differs from the
// path currently "open", the open path is closed first. A Rename carries
// the open identity forward to its destination path, since later commands
// for the same inode address it by its new name.
type Stream struct {
	dec       *sendstream.Decoder
	childRoot string

	queue  []Change
	active string
	opened bool
	done   bool
}

// NewStream wraps a raw sendstream.Decoder, e.g. one reading the stdout of
// a `btrfs send` subprocess. childRoot is the filesystem path of the
// subvolume the send was taken of; it's joined with decoded paths to
// produce Contents.ChildPath.
func NewStream(dec *sendstream.Decoder, childRoot string) *Stream {
	return &Stream{dec: dec, childRoot: childRoot}
}

// Diff spawns `btrfs send -p parent child` and streams its output.
func Diff(parent, child string) (*Stream, func() error, error) {
	cmd := exec.Command("btrfs", "send", "-p", parent, child)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("changestream: stdout pipe: %w", err)
	}
	cmd.Stderr = logrusWriter{}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("changestream: starting btrfs send: %w", err)
	}
	return NewStream(sendstream.NewDecoder(stdout), child), cmd.Wait, nil
}

// FromEmpty spawns `btrfs send child` (no parent reference), the diff
// against an empty filesystem.
func FromEmpty(child string) (*Stream, func() error, error) {
	cmd := exec.Command("btrfs", "send", child)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("changestream: stdout pipe: %w", err)
	}
	cmd.Stderr = logrusWriter{}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("changestream: starting btrfs send: %w", err)
	}
	return NewStream(sendstream.NewDecoder(stdout), child), cmd.Wait, nil
}

type logrusWriter struct{}

func (logrusWriter) Write(p []byte) (int, error) {
	logrus.Debugf("btrfs send: %s", p)
	return len(p), nil
}

// Next returns the following (path, ChangeOp) pair, or io.EOF once the
// stream (and any pending Close it owes) is exhausted.
func (s *Stream) Next() (*Change, error) {
	for {
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			return &c, nil
		}
		if s.done {
			return nil, io.EOF
		}

		cmd, err := s.dec.Next()
		if err == io.EOF {
			if s.opened {
				s.closeActive()
				s.done = true
				continue
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		if err := s.translate(cmd); err != nil {
			return nil, err
		}
	}
}

func (s *Stream) childPath(relPath string) string {
	return filepath.Join(s.childRoot, relPath)
}

// openPath closes whatever path is currently open (if it isn't already
// path) and marks path as the new active one.
func (s *Stream) openPath(path string) {
	if s.opened && s.active != path {
		s.closeActive()
	}
	s.active = path
	s.opened = true
}

func (s *Stream) closeActive() {
	s.queue = append(s.queue, Change{Path: s.active, Op: Close{}})
	s.opened = false
	s.active = ""
}

func (s *Stream) emit(path string, op ChangeOp) {
	s.queue = append(s.queue, Change{Path: path, Op: op})
}

func (s *Stream) translate(cmd sendstream.Command) error {
	switch c := cmd.(type) {
	case sendstream.Subvol, sendstream.Snapshot, sendstream.End:
		// stream-level markers, not per-path changes.
		return nil

	case sendstream.Mkfile:
		s.openPath(c.Path)
		s.emit(c.Path, Create{Mode: ModeUnset})
	case sendstream.Mkdir:
		s.openPath(c.Path)
		s.emit(c.Path, Mkdir{Mode: ModeUnset})
	case sendstream.Mknod:
		s.openPath(c.Path)
		s.emit(c.Path, Mknod{Rdev: c.Rdev, Mode: c.Mode})
	case sendstream.Mkfifo:
		s.openPath(c.Path)
		s.emit(c.Path, Mkfifo{Mode: c.Mode})
	case sendstream.Mksock:
		s.openPath(c.Path)
		s.emit(c.Path, Mknod{Rdev: 0, Mode: c.Mode})

	case sendstream.Chmod:
		s.openPath(c.Path)
		s.emit(c.Path, Chmod{Mode: c.Mode})
	case sendstream.Chown:
		s.openPath(c.Path)
		s.emit(c.Path, Chown{UID: c.UID, GID: c.GID})
	case sendstream.Utimes:
		s.openPath(c.Path)
		s.emit(c.Path, SetTimes{Atime: c.Atime, Mtime: c.Mtime})

	case sendstream.Symlink:
		s.openPath(c.LinkName)
		s.emit(c.LinkName, Symlink{Target: c.Target})
	case sendstream.Link:
		s.openPath(c.LinkName)
		s.emit(c.LinkName, HardLink{Target: c.Target})

	case sendstream.Rename:
		s.openPath(c.From)
		s.emit(c.From, Rename{To: c.To})
		// the inode is addressed by its new name from here on; carry the
		// open identity forward without emitting an intervening Close.
		s.active = c.To

	case sendstream.Unlink:
		s.openPath(c.Path)
		s.emit(c.Path, Unlink{})
	case sendstream.Rmdir:
		s.openPath(c.Path)
		s.emit(c.Path, Rmdir{})

	case sendstream.Write:
		s.openPath(c.Path)
		s.emit(c.Path, Contents{ChildPath: s.childPath(c.Path)})
	case sendstream.UpdateExtent:
		s.openPath(c.Path)
		s.emit(c.Path, Contents{ChildPath: s.childPath(c.Path)})
	case sendstream.Truncate:
		s.openPath(c.Path)
		s.emit(c.Path, Contents{ChildPath: s.childPath(c.Path)})
	case sendstream.Clone:
		s.openPath(c.DstPath)
		s.emit(c.DstPath, Contents{ChildPath: s.childPath(c.DstPath)})

	case sendstream.SetXattr:
		s.openPath(c.Path)
		s.emit(c.Path, SetXattr{Name: c.Name, Value: c.Data})
	case sendstream.RemoveXattr:
		s.openPath(c.Path)
		s.emit(c.Path, RemoveXattr{Name: c.Name})

	default:
		return fmt.Errorf("changestream: unhandled command %T", cmd)
	}
	return nil
}
