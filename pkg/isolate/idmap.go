//go:build linux

package isolate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/docker/pkg/idtools"
)

// identityUIDMap returns a single-entry map covering the whole uid/gid
// space, mapping the new namespace 1:1 onto the host. Used for the
// privileged (root pre-exec) path, or when the caller supplies no subuid
// range.
func identityUIDMap() []idtools.IDMap {
	return []idtools.IDMap{{ContainerID: 0, HostID: 0, Size: 1 << 32}}
}

// oneShotSubuidMap looks up username's declared subuid/subgid ranges (from
// /etc/subuid, /etc/subgid) and returns them as a single-entry uid/gid map
// pair suitable for an unprivileged CLONE_NEWUSER, per spec §4.7 step 2
// ("one-shot subuid map, per caller").
func oneShotSubuidMap(username string) (uidMap, gidMap []idtools.IDMap, err error) {
	uids, err := idtools.SubUIDs(username)
	if err != nil {
		return nil, nil, fmt.Errorf("isolate: reading subuid ranges for %s: %w", username, err)
	}
	if len(uids) == 0 {
		return nil, nil, fmt.Errorf("isolate: no subuid range declared for %s", username)
	}
	gids, err := idtools.SubGIDs(username)
	if err != nil {
		return nil, nil, fmt.Errorf("isolate: reading subgid ranges for %s: %w", username, err)
	}
	if len(gids) == 0 {
		return nil, nil, fmt.Errorf("isolate: no subgid range declared for %s", username)
	}
	return []idtools.IDMap{{ContainerID: 0, HostID: uids[0].HostID, Size: uids[0].Size}},
		[]idtools.IDMap{{ContainerID: 0, HostID: gids[0].HostID, Size: gids[0].Size}}, nil
}

// writeIDMaps writes /proc/<pid>/{uid_map,setgroups,gid_map} for a process
// that has already called unshare(CLONE_NEWUSER) (runPid1 passes its own
// pid). setgroups is set to "deny" before gid_map is written because the
// kernel refuses to let an unprivileged process write its own gid_map
// until setgroups is disabled.
func writeIDMaps(pid int, uidMap, gidMap []idtools.IDMap) error {
	if err := writeIDMapFile(fmt.Sprintf("/proc/%d/uid_map", pid), uidMap); err != nil {
		return err
	}
	if err := os.WriteFile(fmt.Sprintf("/proc/%d/setgroups", pid), []byte("deny"), 0644); err != nil {
		return fmt.Errorf("isolate: disabling setgroups for pid %d: %w", pid, err)
	}
	if err := writeIDMapFile(fmt.Sprintf("/proc/%d/gid_map", pid), gidMap); err != nil {
		return err
	}
	return nil
}

func writeIDMapFile(path string, m []idtools.IDMap) error {
	var buf []byte
	for _, entry := range m {
		buf = append(buf, []byte(
			strconv.Itoa(entry.ContainerID)+" "+
				strconv.Itoa(entry.HostID)+" "+
				strconv.Itoa(entry.Size)+"\n")...)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("isolate: writing %s: %w", path, err)
	}
	return nil
}
