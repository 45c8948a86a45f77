//go:build !linux

package tun

import "errors"

func OpenWater(string, int) (Device, error) {
	return nil, errors.New("tun: the water backend is only wired on linux")
}
