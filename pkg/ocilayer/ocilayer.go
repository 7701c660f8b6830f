// Package ocilayer synthesizes an OCI-compatible tar layer from a
// changestream.Stream: accumulate per-path metadata as changes arrive,
// then emit deterministic tar entries (plus whiteouts and restored parent
// directories) once the stream is exhausted.
package ocilayer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/imagekit/imagekit/pkg/changestream"
)

// FixedMtime is used for every tar header this package writes, so that
// identical filesystem diffs always produce byte-identical layers.
// February 4, 2004 has no other significance than being a fixed point far
// enough in the past to avoid surprising any tooling that treats zero or
// negative timestamps specially.
const FixedMtime = 1075852800

type contents int

const (
	contentsUnset contents = iota
	contentsLink
	contentsFile
)

type entry struct {
	header     tar.Header
	kind       contents
	linkTarget string
	extensions map[string][]byte
}

func newEntry() *entry {
	h := tar.Header{ModTime: fixedTime.toTime()}
	return &entry{header: h, extensions: map[string][]byte{}}
}

var fixedTime = timeFromUnix(FixedMtime)

// changeSource is satisfied by *changestream.Stream; kept narrow so tests
// can drive synthesis from a canned slice of changes without a real btrfs
// send subprocess.
type changeSource interface {
	Next() (*changestream.Change, error)
}

// sliceSource replays a fixed slice of changes, for tests.
type sliceSource struct {
	changes []changestream.Change
	i       int
}

func (s *sliceSource) Next() (*changestream.Change, error) {
	if s.i >= len(s.changes) {
		return nil, io.EOF
	}
	c := s.changes[s.i]
	s.i++
	return &c, nil
}

// Synthesize reads every Change off s and writes a deterministic OCI tar
// layer to w. childRoot is the filesystem path of the child subvolume the
// stream was diffed against, used to re-materialize metadata-only changes
// and to restore unmodified parent directories.
func Synthesize(w io.Writer, s *changestream.Stream, childRoot string) error {
	return synthesize(w, s, childRoot)
}

// SynthesizeChanges is Synthesize for a pre-decoded slice of changes,
// exposed for tests that want to exercise the accumulation/emission logic
// without a live btrfs send.
func SynthesizeChanges(w io.Writer, changes []changestream.Change, childRoot string) error {
	return synthesize(w, &sliceSource{changes: changes}, childRoot)
}

func synthesize(w io.Writer, s changeSource, childRoot string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	entries := map[string]*entry{}
	finished := map[string]bool{}
	timesOnly := map[string]bool{}
	pendingWhiteouts := map[string]bool{}
	writtenToTar := map[string]bool{}

	getEntry := func(p string) (*entry, error) {
		if finished[p] {
			return nil, fmt.Errorf("ocilayer: %q was already closed", p)
		}
		e, ok := entries[p]
		if !ok {
			e = newEntry()
			entries[p] = e
		}
		return e, nil
	}

	for {
		change, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ocilayer: reading change stream: %w", err)
		}

		p := change.Path
		switch op := change.Op.(type) {
		case changestream.Create:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			setMode(&e.header, op.Mode)
			e.header.Typeflag = tar.TypeReg

		case changestream.Mkdir:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			setMode(&e.header, op.Mode)
			e.header.Typeflag = tar.TypeDir

		case changestream.Mkfifo:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			setMode(&e.header, op.Mode)
			e.header.Typeflag = tar.TypeFifo

		case changestream.Mknod:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			setMode(&e.header, op.Mode)
			if op.Mode&unixSIFBLK != 0 {
				e.header.Typeflag = tar.TypeBlock
			} else {
				e.header.Typeflag = tar.TypeChar
			}
			e.header.Devmajor = int64(unix.Major(op.Rdev))
			e.header.Devminor = int64(unix.Minor(op.Rdev))

		case changestream.Chmod:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			setMode(&e.header, op.Mode)

		case changestream.Chown:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			e.header.Uid = int(op.UID)
			e.header.Gid = int(op.GID)

		case changestream.SetTimes:
			timesOnly[p] = true

		case changestream.HardLink:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			e.header.Typeflag = tar.TypeLink
			e.kind = contentsLink
			e.linkTarget = op.Target

		case changestream.Symlink:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			e.header.Typeflag = tar.TypeSymlink
			e.kind = contentsLink
			e.linkTarget = op.Target

		case changestream.Rename:
			// the inode's tracked state has to move with it: the stream
			// addresses every later op (Chmod/Write/Close/...) by op.To,
			// so an entry left behind under p would never be closed.
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			delete(entries, p)
			delete(pendingWhiteouts, p)
			delete(pendingWhiteouts, op.To)
			entries[op.To] = e

		case changestream.Contents:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			e.kind = contentsFile

		case changestream.RemoveXattr:
			delete(pendingWhiteouts, p)
			if _, err := getEntry(p); err != nil {
				return err
			}

		case changestream.SetXattr:
			delete(pendingWhiteouts, p)
			e, err := getEntry(p)
			if err != nil {
				return err
			}
			name, err := validXattrName(op.Name)
			if err != nil {
				return err
			}
			e.extensions["SCHILY.xattr."+name] = op.Value

		case changestream.Unlink, changestream.Rmdir:
			pendingWhiteouts[p] = true

		case changestream.Close:
			e, ok := entries[p]
			if !ok {
				// a deleted path has no entry; its Close only ends the
				// sequence and the pending whiteout is emitted later.
				if timesOnly[p] || pendingWhiteouts[p] {
					continue
				}
				return fmt.Errorf("ocilayer: %q was closed but never opened", p)
			}
			delete(entries, p)
			finished[p] = true
			delete(pendingWhiteouts, p)

			if p == "" {
				continue
			}

			if err := writeEntry(tw, p, e, childRoot); err != nil {
				return err
			}
			writtenToTar[p] = true

		default:
			return fmt.Errorf("ocilayer: unhandled change op %T for %q", op, p)
		}
	}

	if err := restoreParents(tw, writtenToTar, childRoot); err != nil {
		return err
	}

	if err := writeWhiteouts(tw, pendingWhiteouts); err != nil {
		return err
	}

	if len(entries) != 0 {
		var leftover []string
		for p := range entries {
			leftover = append(leftover, p)
		}
		sort.Strings(leftover)
		return fmt.Errorf("ocilayer: not all entries were closed: %s", strings.Join(leftover, ", "))
	}
	return nil
}

func validXattrName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("ocilayer: xattr name %q is not valid UTF-8", name)
	}
	return name, nil
}

func setMode(h *tar.Header, mode uint32) {
	if mode == changestream.ModeUnset {
		return
	}
	h.Mode = int64(mode & 07777)
}

const unixSIFBLK = 0o060000

// writeEntry appends one path's accumulated entry (plus its PAX xattr
// extensions) to the tar stream, re-materializing from childRoot when the
// change stream never supplied explicit contents (a metadata-only close).
func writeEntry(tw *tar.Writer, p string, e *entry, childRoot string) error {
	e.header.Name = p
	e.header.ModTime = fixedTime.toTime()
	e.header.PAXRecords = paxRecords(e.extensions)

	switch e.kind {
	case contentsLink:
		e.header.Linkname = e.linkTarget
		e.header.Size = 0
		entriesWrittenTotal.WithLabelValues("link").Inc()
		return tw.WriteHeader(&e.header)

	case contentsFile:
		f, err := os.Open(filepath.Join(childRoot, p))
		if err != nil {
			return fmt.Errorf("ocilayer: opening %q for contents: %w", p, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		e.header.Typeflag = tar.TypeReg
		e.header.Size = info.Size()
		if err := tw.WriteHeader(&e.header); err != nil {
			return err
		}
		entriesWrittenTotal.WithLabelValues("file").Inc()
		_, err = io.Copy(tw, f)
		return err

	default: // contentsUnset: metadata-only change, re-materialize from child
		return writeUnsetContents(tw, p, e, childRoot)
	}
}

func writeUnsetContents(tw *tar.Writer, p string, e *entry, childRoot string) error {
	full := filepath.Join(childRoot, p)
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("ocilayer: stat %q: %w", p, err)
	}

	switch {
	case info.Mode().IsRegular():
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		e.header.Typeflag = tar.TypeReg
		e.header.Size = info.Size()
		if err := tw.WriteHeader(&e.header); err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		return err

	case info.IsDir():
		e.header.Typeflag = tar.TypeDir
		e.header.Size = 0
		return tw.WriteHeader(&e.header)

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			return err
		}
		e.header.Typeflag = tar.TypeSymlink
		e.header.Linkname = target
		e.header.Size = 0
		return tw.WriteHeader(&e.header)

	default:
		return fmt.Errorf("ocilayer: unset contents on unsupported file type for %q", p)
	}
}

// paxRecords converts accumulated xattr extensions into PAX records;
// archive/tar sorts and emits the extended header on its own whenever
// PAXRecords is non-empty, which is what gives these entries their
// deterministic "PAX extensions ahead of the real header" shape.
func paxRecords(extensions map[string][]byte) map[string]string {
	if len(extensions) == 0 {
		return nil
	}
	records := make(map[string]string, len(extensions))
	for k, v := range extensions {
		records[k] = string(v)
	}
	return records
}

// restoreParents emits a zero-byte directory entry for every ancestor
// directory that exists in the child subvolume but was never itself
// touched by the change stream — btrfs send omits unmodified parents, but
// OCI runtimes otherwise invent them as root-owned, which loses the real
// owner/mode.
func restoreParents(tw *tar.Writer, writtenToTar map[string]bool, childRoot string) error {
	missing := map[string]bool{}
	for p := range writtenToTar {
		for anc := path.Dir(p); anc != "." && anc != "/"; anc = path.Dir(anc) {
			if writtenToTar[anc] || missing[anc] {
				continue
			}
			if _, err := os.Lstat(filepath.Join(childRoot, anc)); err == nil {
				missing[anc] = true
			}
		}
	}

	var dirs []string
	for p := range missing {
		dirs = append(dirs, p)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") < strings.Count(dirs[j], "/")
	})

	for _, p := range dirs {
		info, err := os.Lstat(filepath.Join(childRoot, p))
		if err != nil {
			return err
		}
		h := &tar.Header{
			Name:     p,
			Typeflag: tar.TypeDir,
			Mode:     int64(info.Mode().Perm()),
			ModTime:  fixedTime.toTime(),
			Size:     0,
		}
		if stat, ok := statOwner(info); ok {
			h.Uid, h.Gid = stat.uid, stat.gid
		}
		entriesWrittenTotal.WithLabelValues("restored_parent").Inc()
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
	}
	return nil
}

// writeWhiteouts emits `.wh.<basename>` markers for every path still
// pending deletion once the stream is exhausted, skipping any path whose
// ancestor is also pending deletion (a deleted directory subsumes its
// children, so their individual whiteouts would be redundant).
func writeWhiteouts(tw *tar.Writer, pendingWhiteouts map[string]bool) error {
	var paths []string
	for p := range pendingWhiteouts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		hasDeletedAncestor := false
		for anc := path.Dir(p); anc != "." && anc != "/"; anc = path.Dir(anc) {
			if pendingWhiteouts[anc] {
				hasDeletedAncestor = true
				break
			}
		}
		if hasDeletedAncestor {
			continue
		}

		dir, base := path.Split(p)
		whPath := path.Join(dir, ".wh."+base)
		h := &tar.Header{
			Name:     whPath,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     0,
			ModTime:  fixedTime.toTime(),
		}
		logrus.Debugf("ocilayer: whiteout %s", whPath)
		entriesWrittenTotal.WithLabelValues("whiteout").Inc()
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
	}
	return nil
}
