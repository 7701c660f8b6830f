//go:build linux

package isolate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/imagekit/imagekit/pkg/btrfs"
	"github.com/imagekit/imagekit/pkg/flock"
)

// ephemeralSnapshotPath returns the naming convention
// "<parent>/.<name>.ephemeral.<pid>", so that a post-hoc sweep can find
// and remove leaked snapshots by glob.
func ephemeralSnapshotPath(layer string, pid int) (string, error) {
	abs, err := filepath.Abs(layer)
	if err != nil {
		return "", fmt.Errorf("isolate: resolving layer path %s: %w", layer, err)
	}
	dir := filepath.Dir(abs)
	name := filepath.Base(abs)
	return filepath.Join(dir, fmt.Sprintf(".%s.ephemeral.%d", name, pid)), nil
}

// createEphemeralSnapshot implements spec §4.6 step 2: snapshot layer
// (writable) at the naming-convention path, returning the new path. The
// caller is responsible for replacing ctx.Layer with it and clearing
// ctx.Ephemeral before handing the context to the pid-1 supervisor.
func createEphemeralSnapshot(layer string, pid int) (string, error) {
	snapPath, err := ephemeralSnapshotPath(layer, pid)
	if err != nil {
		return "", err
	}

	sv, err := btrfs.Open(layer)
	if err != nil {
		return "", fmt.Errorf("isolate: opening layer %s as subvolume: %w", layer, err)
	}
	defer sv.Close()

	snap, err := sv.Snapshot(snapPath, false)
	if err != nil {
		return "", fmt.Errorf("isolate: snapshotting %s to %s: %w", layer, snapPath, err)
	}
	defer snap.Close()

	return snapPath, nil
}

// cleanupEphemeralSnapshot: if the snapshot path still exists, try a
// btrfs delete; on failure fall back to a recursive filesystem remove.
// This runs on every exit path of the pre-exec driver, success or
// failure, so no ephemeral snapshot outlives its process.
//
// A post-hoc sweep (run separately, e.g. by a cron job globbing for
// ".*.ephemeral.*") could race with the owning process's own cleanup on a
// hard crash; an flock on a sibling lock file (the same primitive
// pkg/flock guards real lock files with) makes the two cleanup attempts
// mutually exclusive instead of double-deleting or racing on ENOENT.
func cleanupEphemeralSnapshot(snapPath string) error {
	lockPath := snapPath + ".lock"
	lockFd, err := flock.Acquire(lockPath)
	if err != nil {
		return fmt.Errorf("isolate: locking %s for ephemeral cleanup: %w", lockPath, err)
	}
	defer func() {
		flock.Release(lockFd)
		os.Remove(lockPath)
	}()

	if _, err := os.Lstat(snapPath); os.IsNotExist(err) {
		return nil
	}

	if sv, err := btrfs.Open(snapPath); err == nil {
		delErr := sv.Delete()
		sv.Close()
		if delErr == nil {
			return nil
		}
		logrus.Warnf("isolate: btrfs delete of ephemeral snapshot %s failed, falling back to rm -r: %v", snapPath, delErr)
	} else {
		logrus.Warnf("isolate: opening ephemeral snapshot %s for delete failed, falling back to rm -r: %v", snapPath, err)
	}

	if err := os.RemoveAll(snapPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEphemeralLeak, snapPath, err)
	}
	return nil
}
