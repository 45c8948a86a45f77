package tun

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

const defaultName = "tunsocks0"

// linkUp sets the MTU and brings the interface up. Addresses and routes
// are left to the operator.
func linkUp(name string, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	return netlink.LinkSetUp(link)
}
