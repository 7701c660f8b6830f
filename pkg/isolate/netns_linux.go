//go:build linux

package isolate

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// bringUpLoopback brings the "lo" interface up in the current (presumably
// just-unshared) network namespace. Spec §4.7 step 1 only requires
// loopback connectivity inside an isolated network namespace; a full
// userspace network stack (rootlesskit/slirp4netns) is out of scope, see
// DESIGN.md's dropped-dependency list.
func bringUpLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("isolate: finding loopback interface: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("isolate: bringing up loopback: %w", err)
	}
	return nil
}
