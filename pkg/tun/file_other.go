//go:build !linux && !darwin && !freebsd && !openbsd

package tun

import "errors"

func FromFile(int, int) (Device, error) {
	return nil, errors.New("tun: adopting a descriptor is not supported on this platform")
}
