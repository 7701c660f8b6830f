//go:build linux

package isolate

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mountProcfs mounts a fresh procfs using the new mount API (fsopen →
// fsconfig → fsmount → move_mount) rather than the legacy mount(2) syscall,
// per spec §4.7 step 4 and §6's "new mount API" list. readonly additionally
// requests MOUNT_ATTR_RDONLY, needed to satisfy the kernel's
// mount_too_revealing predicate inside a non-initial user namespace when
// the host's /run/host/proc is locked read-only.
func mountProcfs(target string, readonly bool) error {
	fsfd, err := unix.Fsopen("proc", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("isolate: fsopen(proc): %w", err)
	}
	defer unix.Close(fsfd)

	if err := unix.FsconfigCreate(fsfd); err != nil {
		return fmt.Errorf("isolate: fsconfig_create(proc): %w", err)
	}

	var attrs uint64 = unix.MOUNT_ATTR_NOSUID | unix.MOUNT_ATTR_NODEV | unix.MOUNT_ATTR_NOEXEC
	if readonly {
		attrs |= unix.MOUNT_ATTR_RDONLY
	}

	mfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, uint(attrs))
	if err != nil {
		return fmt.Errorf("isolate: fsmount(proc): %w", err)
	}
	defer unix.Close(mfd)

	if err := unix.MoveMount(mfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return fmt.Errorf("isolate: move_mount(proc -> %s): %w", target, err)
	}
	return nil
}

// recursiveReadonly applies MOUNT_ATTR_RDONLY to the mount at path and,
// recursively, to every mount nested beneath it, via mount_setattr. This is
// what makes a bind-mounted input's own nested binds read-only too (spec
// §4.6 step 4, Scenario G).
func recursiveReadonly(path string) error {
	attr := unix.MountAttr{
		Attr_set: unix.MOUNT_ATTR_RDONLY,
	}
	flags := uintptr(unix.AT_RECURSIVE | unix.AT_SYMLINK_NOFOLLOW)
	if err := unix.MountSetattr(unix.AT_FDCWD, path, uint(flags), &attr); err != nil {
		return fmt.Errorf("isolate: mount_setattr(%s, RDONLY|RECURSIVE): %w", path, err)
	}
	return nil
}
