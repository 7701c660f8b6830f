package ocilayer_test

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imagekit/imagekit/pkg/changestream"
	"github.com/imagekit/imagekit/pkg/ocilayer"
)

func readAll(t *testing.T, r *tar.Reader) []*tar.Header {
	t.Helper()
	var out []*tar.Header
	for {
		h, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		hcopy := *h
		out = append(out, &hcopy)
	}
	return out
}

func TestWhiteoutCancellationOnRecreate(t *testing.T) {
	// A layer that unlinks /a/b then creates /a/b again must emit exactly
	// one entry for /a/b (the creation) and no .wh.b whiteout. The
	// untouched parent "a" exists on the child, so it is restored after.
	childRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(childRoot, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(childRoot, "a", "b"), []byte("new"), 0644))

	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "a/b", Op: changestream.Unlink{}},
		{Path: "a/b", Op: changestream.Create{Mode: 0644}},
		{Path: "a/b", Op: changestream.Contents{ChildPath: filepath.Join(childRoot, "a/b")}},
		{Path: "a/b", Op: changestream.Close{}},
	})
	require.NoError(t, err)

	tr := tar.NewReader(&buf)
	headers := readAll(t, tr)
	require.Len(t, headers, 2)
	require.Equal(t, "a/b", headers[0].Name)
	require.Equal(t, "a", headers[1].Name)
	require.Equal(t, byte(tar.TypeDir), headers[1].Typeflag)
}

func TestTimesOnlyChangeSkipped(t *testing.T) {
	childRoot := t.TempDir()
	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "untouched", Op: changestream.SetTimes{}},
		{Path: "untouched", Op: changestream.Close{}},
	})
	require.NoError(t, err)

	tr := tar.NewReader(&buf)
	headers := readAll(t, tr)
	require.Empty(t, headers)
}

func TestCloseWithoutOpenFails(t *testing.T) {
	childRoot := t.TempDir()
	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "ghost", Op: changestream.Close{}},
	})
	require.Error(t, err)
}

func TestLeftoverEntryIsFatal(t *testing.T) {
	childRoot := t.TempDir()
	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "never-closed", Op: changestream.Create{Mode: 0644}},
	})
	require.Error(t, err)
}

func TestXattrNameMustBeUTF8(t *testing.T) {
	childRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(childRoot, "f"), []byte("v"), 0644))

	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "f", Op: changestream.Create{Mode: 0644}},
		{Path: "f", Op: changestream.SetXattr{Name: "user.ok", Value: []byte("v")}},
		{Path: "f", Op: changestream.Contents{}},
		{Path: "f", Op: changestream.Close{}},
	})
	require.NoError(t, err)

	buf.Reset()
	err = synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "f", Op: changestream.Create{Mode: 0644}},
		{Path: "f", Op: changestream.SetXattr{Name: "user.\xff", Value: []byte("v")}},
		{Path: "f", Op: changestream.Close{}},
	})
	require.Error(t, err)
}

func TestWhiteoutSkipsRedundantChildren(t *testing.T) {
	childRoot := t.TempDir()
	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "dir", Op: changestream.Rmdir{}},
		{Path: "dir/child", Op: changestream.Unlink{}},
	})
	require.NoError(t, err)

	tr := tar.NewReader(&buf)
	headers := readAll(t, tr)
	require.Len(t, headers, 1)
	require.Equal(t, ".wh.dir", headers[0].Name)
}

func TestRenameMigratesEntryToNewPath(t *testing.T) {
	// the standard btrfs send shape for a freshly written file: create it
	// under a throwaway name, rename into place, then chmod/write it by
	// its final path. The renamed-from path must never surface as its own
	// tar entry, and the renamed-to path must carry the mode and contents.
	childRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(childRoot, "final"), []byte("hello"), 0600))

	var buf bytes.Buffer
	err := synthesizeFake(&buf, childRoot, []changestream.Change{
		{Path: "tmp", Op: changestream.Create{Mode: 0644}},
		{Path: "tmp", Op: changestream.Rename{To: "final"}},
		{Path: "final", Op: changestream.Chmod{Mode: 0600}},
		{Path: "final", Op: changestream.Contents{ChildPath: filepath.Join(childRoot, "final")}},
		{Path: "final", Op: changestream.Close{}},
	})
	require.NoError(t, err)

	tr := tar.NewReader(&buf)
	headers := readAll(t, tr)
	require.Len(t, headers, 1)
	require.Equal(t, "final", headers[0].Name)
	require.Equal(t, int64(0600), headers[0].Mode)
}

func synthesizeFake(w io.Writer, childRoot string, changes []changestream.Change) error {
	return ocilayer.SynthesizeChanges(w, changes, childRoot)
}
