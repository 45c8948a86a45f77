//go:build linux || darwin || freebsd || openbsd

package tun

import (
	"fmt"
	"os"

	wtun "golang.zx2c4.com/wireguard/tun"
)

// FromFile adopts a tun descriptor opened by someone else, such as a VPN
// control plane. The device takes ownership of fd.
func FromFile(fd int, mtu int) (Device, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("tun-fd-%d", fd))
	if f == nil {
		return nil, fmt.Errorf("tun: invalid descriptor %d", fd)
	}
	dev, err := wtun.CreateTUNFromFile(f, mtu)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tun: adopt fd %d: %w", fd, err)
	}
	return wrap(dev, mtu)
}
