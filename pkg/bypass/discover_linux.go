package bypass

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// DiscoverInterfaces returns the links carrying an IPv4 default route,
// skipping exclude (the tun device). When no default route points
// elsewhere, every up non-loopback link except exclude is returned.
func DiscoverInterfaces(exclude string) ([]string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("bypass: list routes: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	add := func(index int) {
		if index == 0 {
			return
		}
		link, err := netlink.LinkByIndex(index)
		if err != nil {
			return
		}
		name := link.Attrs().Name
		if name == exclude || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, r := range routes {
		if !isDefault(r) {
			continue
		}
		add(r.LinkIndex)
		for _, nh := range r.MultiPath {
			add(nh.LinkIndex)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("bypass: list links: %w", err)
	}
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Name == exclude || attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		out = append(out, attrs.Name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bypass: no usable interface besides %q", exclude)
	}
	return out, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}
