package btrfs_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imagekit/imagekit/pkg/btrfs"
)

// These tests exercise real btrfs ioctls and therefore require both root
// privileges and a btrfs-backed test directory (get_root/bad_get/create/
// toggle_readonly/snapshot/snapshot_readonly/delete coverage). They skip
// instead of failing when the environment can't support them, the same
// way pkg/flock's lock tests guard for real file descriptors.
func testRoot(t *testing.T) string {
	t.Helper()
	root := os.Getenv("BTRFS_TEST_ROOT")
	if root == "" {
		t.Skip("BTRFS_TEST_ROOT not set; skipping btrfs ioctl tests")
	}
	if os.Geteuid() != 0 {
		t.Skip("btrfs subvolume ioctls require root")
	}
	return root
}

func TestOpenRoot(t *testing.T) {
	root := testRoot(t)
	sv, err := btrfs.Open(root)
	require.NoError(t, err)
	defer sv.Close()
	require.Equal(t, root, sv.Path())
}

func TestOpenNotASubvolume(t *testing.T) {
	root := testRoot(t)
	plain := filepath.Join(root, "plain-dir")
	require.NoError(t, os.MkdirAll(plain, 0755))
	defer os.RemoveAll(plain)

	_, err := btrfs.Open(plain)
	require.ErrorIs(t, err, btrfs.ErrNotSubvol)
}

func TestOpenNotBtrfs(t *testing.T) {
	dir := t.TempDir()
	_, err := btrfs.Open(dir)
	require.Error(t, err)
}

func TestCreateAndDelete(t *testing.T) {
	root := testRoot(t)
	path := filepath.Join(root, fmt.Sprintf("create-%d", os.Getpid()))

	sv, err := btrfs.Create(path)
	require.NoError(t, err)
	require.Equal(t, path, sv.Path())

	require.NoError(t, sv.Delete())
}

func TestToggleReadonly(t *testing.T) {
	root := testRoot(t)
	path := filepath.Join(root, fmt.Sprintf("readonly-%d", os.Getpid()))

	sv, err := btrfs.Create(path)
	require.NoError(t, err)
	defer sv.Delete()

	require.NoError(t, sv.SetReadonly(true))
	// SetReadonly is a no-op if the flag already matches; this must not error.
	require.NoError(t, sv.SetReadonly(true))
	require.NoError(t, sv.SetReadonly(false))
}

func TestSnapshot(t *testing.T) {
	root := testRoot(t)
	srcPath := filepath.Join(root, fmt.Sprintf("snap-src-%d", os.Getpid()))
	dstPath := filepath.Join(root, fmt.Sprintf("snap-dst-%d", os.Getpid()))

	src, err := btrfs.Create(srcPath)
	require.NoError(t, err)
	defer src.Delete()

	dst, err := src.Snapshot(dstPath, false)
	require.NoError(t, err)
	defer dst.Delete()

	require.NotEqual(t, src.ID(), dst.ID())
}

func TestSnapshotReadonly(t *testing.T) {
	root := testRoot(t)
	srcPath := filepath.Join(root, fmt.Sprintf("snapro-src-%d", os.Getpid()))
	dstPath := filepath.Join(root, fmt.Sprintf("snapro-dst-%d", os.Getpid()))

	src, err := btrfs.Create(srcPath)
	require.NoError(t, err)
	defer src.Delete()

	dst, err := src.Snapshot(dstPath, true)
	require.NoError(t, err)
	defer dst.Delete()

	err = dst.Delete()
	// a readonly snapshot can still be deleted; this should succeed and
	// leave the handle's parent descriptor usable either way
	require.NoError(t, err)
}

// TestDeleteRootRefused expects BTRFS_TEST_FS_ROOT to be "/" on a host whose
// root filesystem is btrfs: Open keeps no parent descriptor only for "/".
func TestDeleteRootRefused(t *testing.T) {
	fsRoot := os.Getenv("BTRFS_TEST_FS_ROOT")
	if fsRoot == "" {
		t.Skip("BTRFS_TEST_FS_ROOT not set; skipping top-level subvolume test")
	}
	if os.Geteuid() != 0 {
		t.Skip("btrfs subvolume ioctls require root")
	}

	sv, err := btrfs.Open(fsRoot)
	require.NoError(t, err)
	defer sv.Close()

	err = sv.Delete()
	require.ErrorIs(t, err, btrfs.ErrCannotDeleteRoot)
}
