package btrfs

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Subvolume is an open handle to a btrfs subvolume. It owns the open file
// descriptor of the subvolume's root directory and, unless it was opened
// at "/", the descriptor of its parent directory.
// A Subvolume is not safe for concurrent use from multiple goroutines.
type Subvolume struct {
	dir    *os.File
	parent *os.File
	id     uint64
	path   string
}

// Path is the canonicalized path this handle was opened at.
func (s *Subvolume) Path() string { return s.path }

// ID is the btrfs tree id of this subvolume.
func (s *Subvolume) ID() uint64 { return s.id }

// Fd is the file descriptor of the subvolume root directory, valid for as
// long as the Subvolume is open.
func (s *Subvolume) Fd() int { return int(s.dir.Fd()) }

// Close releases the handle's file descriptors without affecting the
// subvolume on disk.
func (s *Subvolume) Close() error {
	var err error
	if s.parent != nil {
		if e := s.parent.Close(); e != nil {
			err = e
		}
	}
	if e := s.dir.Close(); e != nil {
		err = e
	}
	return err
}

// Open resolves path as an existing btrfs subvolume, returning ErrNotBtrfs
// if it isn't on btrfs at all and ErrNotSubvol if it is a btrfs directory
// but not the root of a subvolume.
func Open(path string) (*Subvolume, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, ioError("open", path, err)
	}

	dir, err := os.Open(abs)
	if err != nil {
		return nil, ioError("open", abs, err)
	}

	isBtr, err := isBtrfs(int(dir.Fd()))
	if err != nil {
		dir.Close()
		return nil, ioError("statfs", abs, err)
	}
	if !isBtr {
		dir.Close()
		return nil, ErrNotBtrfs
	}

	info, err := dir.Stat()
	if err != nil {
		dir.Close()
		return nil, ioError("stat", abs, err)
	}
	stat, _ := info.Sys().(*syscall.Stat_t)
	if stat != nil && stat.Ino != BtrfsFirstFreeObjectid {
		dir.Close()
		return nil, ErrNotSubvol
	}

	var parent *os.File
	parentPath := filepath.Dir(abs)
	if parentPath != abs {
		parent, err = os.Open(parentPath)
		if err != nil {
			dir.Close()
			return nil, ioError("open", parentPath, err)
		}
	}

	treeID, _, err := inoLookup(int(dir.Fd()), BtrfsFirstFreeObjectid)
	if err != nil {
		dir.Close()
		if parent != nil {
			parent.Close()
		}
		return nil, ioError("ino_lookup", abs, err)
	}

	return &Subvolume{dir: dir, parent: parent, id: treeID, path: abs}, nil
}

// Create makes a new, empty subvolume at path and opens it. path's parent
// directory must exist and live on btrfs; path itself must not already
// exist.
func Create(path string) (*Subvolume, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, ioError("create", path, err)
	}
	parentPath := filepath.Dir(abs)
	if parentPath == abs {
		return nil, ErrCannotCreateRoot
	}
	name := filepath.Base(abs)

	parent, err := os.Open(parentPath)
	if err != nil {
		return nil, ioError("open", parentPath, err)
	}
	defer parent.Close()

	if isBtr, err := isBtrfs(int(parent.Fd())); err != nil {
		return nil, ioError("statfs", parentPath, err)
	} else if !isBtr {
		return nil, ErrNotBtrfs
	}

	logrus.Debugf("btrfs: creating subvolume %s in %s", name, parentPath)
	if err := subvolCreate(int(parent.Fd()), name); err != nil {
		return nil, ioError("subvol_create", abs, err)
	}

	return Open(abs)
}

// Snapshot creates path as a snapshot of s and opens it. If readonly is
// true the snapshot is created with the BtrfsSubvolRdonly flag already set.
func (s *Subvolume) Snapshot(path string, readonly bool) (*Subvolume, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, ioError("snapshot", path, err)
	}
	parentPath := filepath.Dir(abs)
	if parentPath == abs {
		return nil, ErrCannotCreateRoot
	}
	name := filepath.Base(abs)

	parent, err := os.Open(parentPath)
	if err != nil {
		return nil, ioError("open", parentPath, err)
	}
	defer parent.Close()

	var flags uint64
	if readonly {
		flags |= BtrfsSubvolRdonly
	}

	logrus.Debugf("btrfs: snapshotting %s to %s (readonly=%v)", s.path, abs, readonly)
	if err := snapCreateV2(int(parent.Fd()), int(s.dir.Fd()), name, flags); err != nil {
		return nil, ioError("snap_create_v2", abs, err)
	}

	return Open(abs)
}

// SetReadonly toggles the subvolume's read-only flag, a no-op if it
// already matches ro, to avoid unconditionally reissuing SUBVOL_SETFLAGS.
func (s *Subvolume) SetReadonly(ro bool) error {
	flags, err := subvolGetflags(int(s.dir.Fd()))
	if err != nil {
		return ioError("subvol_getflags", s.path, err)
	}
	isRO := flags&BtrfsSubvolRdonly != 0
	if isRO == ro {
		return nil
	}
	if ro {
		flags |= BtrfsSubvolRdonly
	} else {
		flags &^= BtrfsSubvolRdonly
	}
	if err := subvolSetflags(int(s.dir.Fd()), flags); err != nil {
		return ioError("subvol_setflags", s.path, err)
	}
	return nil
}

// Delete removes the subvolume from disk. It requires a parent descriptor
// (opened via Open on any path other than "/", or via Create/Snapshot), so
// a handle opened at "/" returns ErrCannotDeleteRoot without an ioctl.
// On failure the Subvolume is still usable; the caller may retry or fall
// back to a recursive directory removal.
func (s *Subvolume) Delete() error {
	if s.parent == nil {
		return ErrCannotDeleteRoot
	}

	err := snapDestroyV2ByID(int(s.parent.Fd()), s.id)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		logrus.Debugf("btrfs: snap_destroy_v2 unsupported, falling back to v1 for %s", s.path)
		name := filepath.Base(s.path)
		if err := snapDestroyByName(int(s.parent.Fd()), name); err != nil {
			return ioError("snap_destroy", s.path, err)
		}
		return nil
	}
	return ioError("snap_destroy_v2", s.path, err)
}
