//go:build !linux

package bypass

import (
	"fmt"
	"net"
)

// DiscoverInterfaces returns every up non-loopback interface with an
// address, skipping exclude.
func DiscoverInterfaces(exclude string) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("bypass: list interfaces: %w", err)
	}
	var out []string
	for _, ifi := range ifaces {
		if ifi.Name == exclude || ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if addrs, err := ifi.Addrs(); err != nil || len(addrs) == 0 {
			continue
		}
		out = append(out, ifi.Name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bypass: no usable interface besides %q", exclude)
	}
	return out, nil
}
