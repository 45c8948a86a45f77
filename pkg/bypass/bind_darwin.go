package bypass

import (
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

func bindToDevice(fd int, network, name string) error {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return err
	}
	if strings.HasSuffix(network, "6") {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, ifi.Index)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BOUND_IF, ifi.Index)
}

func setMark(int, int) error { return ErrUnsupported }
