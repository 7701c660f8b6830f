// Package isolate builds a namespaced, mount-shaped execution environment
// atop a read-only or ephemeral btrfs subvolume. It implements both the
// unprivileged path (direct clone/unshare plus a custom pid-1) and a
// supervised-boot path driven by systemd-nspawn, behind one
// IsolationContext and one Handle.
package isolate

// Ephemeral selects what, if anything, makes the layer writable for the
// duration of an isolated run.
type Ephemeral int

const (
	// EphemeralNone mounts the layer read-only.
	EphemeralNone Ephemeral = iota
	// EphemeralOverlay layers a tmpfs upper over the read-only layer.
	EphemeralOverlay
	// EphemeralBtrfsSnapshot creates a writable btrfs snapshot of the
	// layer before entry and destroys it on exit.
	EphemeralBtrfsSnapshot
)

func (e Ephemeral) String() string {
	switch e {
	case EphemeralNone:
		return "none"
	case EphemeralOverlay:
		return "overlay"
	case EphemeralBtrfsSnapshot:
		return "btrfs-snapshot"
	default:
		return "unknown"
	}
}

// InvocationType selects whether the container boots a full init or runs a
// single command as pid 2, and whether stdio is a tty or a pipe.
type InvocationType int

const (
	InvocationPid2Pipe InvocationType = iota
	InvocationPid2Interactive
	InvocationBootReadonly
	InvocationBootInteractive
)

func (t InvocationType) boots() bool {
	return t == InvocationBootReadonly || t == InvocationBootInteractive
}

func (t InvocationType) interactive() bool {
	return t == InvocationPid2Interactive || t == InvocationBootInteractive
}

// MountEntry describes one read-only mount made available inside the new
// root, e.g. a platform tool directory or a declared input.
type MountEntry struct {
	// Dst is the path inside the new root.
	Dst string
	// Src is the host (or outer-namespace) path bind-mounted at Dst.
	Src string
}

// IsolationContext is a purely declarative description of the environment
// an isolated process should run in. It carries no live resources (file
// descriptors, pids); building one never touches the kernel. Construct one
// with NewContext and the With* builder methods.
type IsolationContext struct {
	Layer          string
	Ephemeral      Ephemeral
	InvocationType InvocationType

	Platform []MountEntry
	Inputs   []MountEntry
	Outputs  []string
	Tmpfs    []string
	Devtmpfs []string

	Setenv           map[string]string
	Hostname         string
	User             string
	WorkingDirectory string

	// Rootless requests a pure unprivileged user-namespace run (no root
	// required on the host at all, including for the pre-exec unshare
	// itself); see UnshareUserns.
	Rootless bool
	// Network requests a fresh net namespace with loopback brought up,
	// rather than sharing the host's.
	Network bool
}

// NewContext returns an IsolationContext rooted at layer, read-only by
// default, running a single piped command as pid 2.
func NewContext(layer string) *IsolationContext {
	return &IsolationContext{
		Layer:          layer,
		Ephemeral:      EphemeralNone,
		InvocationType: InvocationPid2Pipe,
		Setenv:         map[string]string{},
	}
}

func (c *IsolationContext) WithEphemeral(e Ephemeral) *IsolationContext {
	c.Ephemeral = e
	return c
}

func (c *IsolationContext) WithInvocationType(t InvocationType) *IsolationContext {
	c.InvocationType = t
	return c
}

func (c *IsolationContext) WithPlatform(dst, src string) *IsolationContext {
	c.Platform = append(c.Platform, MountEntry{Dst: dst, Src: src})
	return c
}

func (c *IsolationContext) WithInput(dst, src string) *IsolationContext {
	c.Inputs = append(c.Inputs, MountEntry{Dst: dst, Src: src})
	return c
}

func (c *IsolationContext) WithOutput(dst string) *IsolationContext {
	c.Outputs = append(c.Outputs, dst)
	return c
}

func (c *IsolationContext) WithTmpfs(dst string) *IsolationContext {
	c.Tmpfs = append(c.Tmpfs, dst)
	return c
}

func (c *IsolationContext) WithDevtmpfs(dst string) *IsolationContext {
	c.Devtmpfs = append(c.Devtmpfs, dst)
	return c
}

func (c *IsolationContext) WithEnv(key, value string) *IsolationContext {
	if c.Setenv == nil {
		c.Setenv = map[string]string{}
	}
	c.Setenv[key] = value
	return c
}

func (c *IsolationContext) WithHostname(h string) *IsolationContext {
	c.Hostname = h
	return c
}

func (c *IsolationContext) WithUser(u string) *IsolationContext {
	c.User = u
	return c
}

func (c *IsolationContext) WithWorkingDirectory(dir string) *IsolationContext {
	c.WorkingDirectory = dir
	return c
}

func (c *IsolationContext) WithRootless(rootless bool) *IsolationContext {
	c.Rootless = rootless
	return c
}

func (c *IsolationContext) WithNetwork(network bool) *IsolationContext {
	c.Network = network
	return c
}
