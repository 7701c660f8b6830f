//go:build linux

package isolate

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	dockermount "github.com/docker/docker/pkg/mount"
	"github.com/moby/sys/userns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/imagekit/imagekit/pkg/proctitle"
)

// pid1Config is the pid-1 supervisor's view of an IsolationContext, plus
// the two pieces of state the pre-exec driver hands across the re-exec
// boundary that aren't part of the declarative context itself: the
// program to run and, for ephemeral btrfs-snapshot runs, where to delete
// the snapshot from on exit.
type pid1Config struct {
	Ctx         *IsolationContext
	Program     string
	Args        []string
	SnapshotDir string
	ExecInit    bool
}

// runPid1 implements spec §4.7: the body of the pid-1 supervisor, running
// as pid 1 inside the namespace the pre-exec driver's CLONE_NEWPID
// unshare created. It returns the exit code the caller (the pre-exec
// binary's pid-1 re-exec) should exit with.
func runPid1(cfg *pid1Config) (int, error) {
	ctx := cfg.Ctx

	proctitle.SetProcTitle("imagekit-isolate: pid1 [" + cfg.Program + "]")

	var unshareFlags uintptr = unix.CLONE_NEWNS | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC
	if ctx.Network {
		unshareFlags |= unix.CLONE_NEWNET
	}
	if err := unix.Unshare(int(unshareFlags)); err != nil {
		return 0, fmt.Errorf("isolate: unshare(0x%x): %w", unshareFlags, err)
	}

	if err := establishIDMaps(ctx); err != nil {
		return 0, err
	}

	if ctx.Network {
		if err := bringUpLoopback(); err != nil {
			return 0, err
		}
	}

	if ctx.Hostname != "" {
		if err := unix.Sethostname([]byte(ctx.Hostname)); err != nil {
			return 0, fmt.Errorf("isolate: sethostname(%s): %w", ctx.Hostname, err)
		}
	}

	staging, err := os.MkdirTemp("", "imagekit-isolate-root-")
	if err != nil {
		return 0, fmt.Errorf("isolate: creating staging root: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := buildMountTree(ctx, staging); err != nil {
		return 0, err
	}

	if err := pivotInto(staging); err != nil {
		return 0, err
	}

	if ctx.WorkingDirectory != "" {
		if err := os.Chdir(ctx.WorkingDirectory); err != nil {
			return 0, fmt.Errorf("isolate: chdir(%s): %w", ctx.WorkingDirectory, err)
		}
	}

	env := os.Environ()
	for k, v := range ctx.Setenv {
		env = append(env, k+"="+v)
	}

	cgroupName := filepath.Base(cfg.Program) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if cg, err := newTransientCgroup(cgroupName, os.Getpid()); err != nil {
		logrus.Warnf("isolate: transient cgroup unavailable, running without one: %v", err)
	} else {
		defer cg.cleanup()
	}

	if ctx.InvocationType.boots() {
		return execInitAndReplace(cfg, env)
	}
	return runPid2AndReap(cfg, env)
}

// establishIDMaps picks identity vs one-shot-subuid mapping (spec §4.7
// step 2, "identity map or one-shot subuid map, per caller") based on
// whether the calling user has root-equivalent privilege already.
func establishIDMaps(ctx *IsolationContext) error {
	if os.Geteuid() == 0 {
		return writeIDMaps(os.Getpid(), identityUIDMap(), identityUIDMap())
	}
	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("isolate: looking up current user: %w", err)
	}
	uidMap, gidMap, err := oneShotSubuidMap(u.Username)
	if err != nil {
		return err
	}
	return writeIDMaps(os.Getpid(), uidMap, gidMap)
}

// buildMountTree implements spec §4.7 step 4.
func buildMountTree(ctx *IsolationContext, staging string) error {
	if err := mountLayerRoot(ctx, staging); err != nil {
		return err
	}

	for _, m := range append(append([]MountEntry{}, ctx.Platform...), ctx.Inputs...) {
		dst := filepath.Join(staging, m.Dst)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("isolate: mkdir %s: %w", dst, err)
		}
		if err := dockermount.Mount(m.Src, dst, "none", "bind"); err != nil {
			return fmt.Errorf("isolate: bind mount %s -> %s: %w", m.Src, dst, err)
		}
		if err := recursiveReadonly(dst); err != nil {
			return err
		}
	}

	for _, dst := range ctx.Outputs {
		full := filepath.Join(staging, dst)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("isolate: mkdir %s: %w", full, err)
		}
		if err := dockermount.Mount(full, full, "none", "bind"); err != nil {
			return fmt.Errorf("isolate: bind mount output %s: %w", full, err)
		}
	}

	for _, dst := range ctx.Tmpfs {
		full := filepath.Join(staging, dst)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("isolate: mkdir %s: %w", full, err)
		}
		if err := dockermount.Mount("tmpfs", full, "tmpfs", ""); err != nil {
			return fmt.Errorf("isolate: tmpfs mount %s: %w", full, err)
		}
	}

	for _, dst := range ctx.Devtmpfs {
		full := filepath.Join(staging, dst)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("isolate: mkdir %s: %w", full, err)
		}
		if err := dockermount.Mount("devtmpfs", full, "devtmpfs", ""); err != nil {
			return fmt.Errorf("isolate: devtmpfs mount %s: %w", full, err)
		}
	}

	procTarget := filepath.Join(staging, "proc")
	if err := os.MkdirAll(procTarget, 0555); err != nil {
		return fmt.Errorf("isolate: mkdir %s: %w", procTarget, err)
	}
	// mount_too_revealing forces a read-only proc inside a non-initial
	// user namespace whenever the host's own /run/host/proc is locked
	// read-only; try read-write first and fall back, per spec §4.7 step 4.
	readonlyProc := hostProcLockedReadonly()
	if err := mountProcfs(procTarget, readonlyProc); err != nil {
		if readonlyProc {
			return err
		}
		logrus.Debugf("isolate: read-write procfs mount failed (%v), retrying read-only", err)
		if err := mountProcfs(procTarget, true); err != nil {
			return err
		}
	}

	return nil
}

// mountLayerRoot bind-mounts (or overlay-assembles) ctx.Layer onto
// staging, depending on ctx.Ephemeral. By the time runPid1 sees the
// context, btrfs-snapshot ephemeral handling has already replaced
// ctx.Layer with the snapshot path and cleared ctx.Ephemeral (spec §4.6
// step 2), so only EphemeralNone and EphemeralOverlay remain possible
// here.
func mountLayerRoot(ctx *IsolationContext, staging string) error {
	switch ctx.Ephemeral {
	case EphemeralOverlay:
		upper, err := os.MkdirTemp("", "imagekit-isolate-upper-")
		if err != nil {
			return fmt.Errorf("isolate: creating overlay upper: %w", err)
		}
		work, err := os.MkdirTemp("", "imagekit-isolate-work-")
		if err != nil {
			return fmt.Errorf("isolate: creating overlay workdir: %w", err)
		}
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", ctx.Layer, upper, work)
		if err := dockermount.Mount("overlay", staging, "overlay", opts); err != nil {
			return fmt.Errorf("isolate: mounting overlay onto %s: %w", staging, err)
		}
		return nil
	default:
		if err := dockermount.Mount(ctx.Layer, staging, "none", "bind"); err != nil {
			return fmt.Errorf("isolate: bind mounting layer %s -> %s: %w", ctx.Layer, staging, err)
		}
		if ctx.Ephemeral == EphemeralNone {
			return recursiveReadonly(staging)
		}
		return nil
	}
}

// pivotInto replaces the process's root with staging: make it rprivate
// so the pivot doesn't propagate back to the host mount namespace, pivot,
// chdir into the new root, then unmount and remove the old one.
func pivotInto(staging string) error {
	oldRoot := filepath.Join(staging, ".old_root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("isolate: mkdir %s: %w", oldRoot, err)
	}
	if err := dockermount.MakeRPrivate(staging); err != nil {
		return fmt.Errorf("isolate: making %s rprivate: %w", staging, err)
	}
	if err := unix.PivotRoot(staging, oldRoot); err != nil {
		return fmt.Errorf("isolate: pivot_root(%s, %s): %w", staging, oldRoot, err)
	}
	if err := os.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("isolate: detaching old root: %w", err)
	}
	return os.RemoveAll("/.old_root")
}

// execInitAndReplace handles the boot-* invocation types: pid 1 execs
// directly into the init binary, which then owns reaping and the rest of
// the boot sequence (spec §4.7 step 7, boot case).
func execInitAndReplace(cfg *pid1Config, env []string) (int, error) {
	init := cfg.Program
	args := []string{init}
	if cfg.ExecInit {
		args = append(args, "systemd.unit=antlir2_image_test.service")
	}
	args = append(args, cfg.Args...)
	if err := unix.Exec(init, args, env); err != nil {
		return 0, fmt.Errorf("isolate: exec(%s): %w", init, err)
	}
	panic("unreachable: exec replaced this process image")
}

// runPid2AndReap handles the pid2-* invocation types: pid 1 spawns the
// requested program as pid 2, waits for it, and reaps any further orphans
// reparented to it for the lifetime of the namespace (spec §4.7 steps 7-8).
func runPid2AndReap(cfg *pid1Config, env []string) (int, error) {
	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Env = env
	if cfg.Ctx.InvocationType == InvocationPid2Interactive {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if cfg.Ctx.User != "" {
		if uid, gid, err := lookupUser(cfg.Ctx.User); err == nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: uid, Gid: gid}}
		}
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("isolate: starting pid 2 %s: %w", cfg.Program, err)
	}

	stop := make(chan struct{})
	go reapOrphans(stop)
	err := cmd.Wait()
	close(stop)

	if cfg.SnapshotDir != "" {
		if err := cleanupEphemeralSnapshot(cfg.SnapshotDir); err != nil {
			logrus.Warnf("isolate: pid-1 snapshot cleanup: %v", err)
		}
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("isolate: pid 2 %s: %w", cfg.Program, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// reapOrphans wait4()s any reparented process until stop is closed,
// the minimal "init" responsibility pid 1 in a new pid namespace owes the
// kernel regardless of invocation type.
func reapOrphans(stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for {
				var ws unix.WaitStatus
				pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
			}
		}
	}
}

func lookupUser(name string) (uid, gid uint32, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uidN, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gidN, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uidN), uint32(gidN), nil
}

// hostProcLockedReadonly reports whether this process runs inside a
// non-initial user namespace and /run/host/proc exists, which it takes as
// the sign that mount_too_revealing will demand a read-only proc mount.
// The mount flags of /run/host/proc (MNT_LOCK_READONLY) are not inspected.
func hostProcLockedReadonly() bool {
	if !userns.RunningInUserNS() {
		return false
	}
	_, err := os.Stat("/run/host/proc")
	return err == nil
}
