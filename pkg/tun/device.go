// Package tun opens the tun device the relay reads packets from and
// writes synthesized replies to.
package tun

import (
	"fmt"
	"strings"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
)

const (
	// DefaultMTU is used when the configuration leaves MTU unset.
	DefaultMTU = 1500

	BackendWireGuard = "wireguard"
	BackendWater     = "water"
)

// Device is one IPv4 packet per call in each direction. ReadPacket blocks
// until a packet arrives or the device is closed, in which case it returns
// an error wrapping os.ErrClosed.
type Device interface {
	ReadPacket(p []byte) (int, error)
	WritePacket(b []byte) error
	Name() string
	MTU() int
	Close() error
}

// Open creates or adopts the device described by cfg.
func Open(cfg core.TunConfig) (Device, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	var (
		dev Device
		err error
	)
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Backend)); {
	case cfg.FD > 0:
		dev, err = FromFile(cfg.FD, mtu)
	case backend == "" || backend == BackendWireGuard:
		dev, err = OpenWireGuard(cfg.Name, mtu)
	case backend == BackendWater:
		dev, err = OpenWater(cfg.Name, mtu)
	default:
		return nil, fmt.Errorf("tun: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	logging.Infof("tun: %s up (mtu %d)", dev.Name(), dev.MTU())

	if cfg.PCAP != "" {
		tee, err := WithPCAP(dev, cfg.PCAP)
		if err != nil {
			dev.Close()
			return nil, err
		}
		logging.Infof("tun: capturing to %s", cfg.PCAP)
		dev = tee
	}
	return dev, nil
}
