//go:build linux

package isolate

import (
	"fmt"

	cgroupsv3 "github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/sirupsen/logrus"
)

// transientCgroup places a supervised run's pid-1 into a cgroup scoped to
// that one run, so the orchestrator can freeze or kill stragglers left
// behind by a crashed pid-1 without reaching into the host's own cgroup
// tree. cgroups.Mode() tells v1 and v2 apart before picking a manager.
type transientCgroup struct {
	v1 cgroup1.Cgroup
	v2 *cgroup2.Manager
}

func newTransientCgroup(name string, pid int) (*transientCgroup, error) {
	slice := "/imagekit-isolate/" + name

	if cgroupsv3.Mode() == cgroupsv3.Unified {
		m, err := cgroup2.NewManager("/sys/fs/cgroup", slice, &cgroup2.Resources{})
		if err != nil {
			return nil, fmt.Errorf("isolate: creating cgroup2 manager: %w", err)
		}
		if err := m.AddProc(uint64(pid)); err != nil {
			return nil, fmt.Errorf("isolate: adding pid %d to cgroup2: %w", pid, err)
		}
		return &transientCgroup{v2: m}, nil
	}

	c, err := cgroup1.New(cgroup1.StaticPath(slice), &cgroup1.Resources{})
	if err != nil {
		return nil, fmt.Errorf("isolate: creating cgroup1: %w", err)
	}
	if err := c.Add(cgroup1.Process{Pid: pid}); err != nil {
		return nil, fmt.Errorf("isolate: adding pid %d to cgroup1: %w", pid, err)
	}
	return &transientCgroup{v1: c}, nil
}

// cleanup deletes the transient cgroup. Failures are logged, not
// propagated: a leftover empty cgroup is harmless next to a leaked
// ephemeral snapshot.
func (t *transientCgroup) cleanup() {
	var err error
	switch {
	case t.v2 != nil:
		err = t.v2.Delete()
	case t.v1 != nil:
		err = t.v1.Delete()
	}
	if err != nil {
		logrus.Warnf("isolate: cgroup cleanup: %v", err)
	}
}
