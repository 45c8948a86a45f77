package tun

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/songgao/water"

	"github.com/irctrakz/tunsocks/pkg/logging"
)

type waterDevice struct {
	ifce *water.Interface
	mtu  int

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenWater creates the interface with songgao/water. Reads and writes
// carry bare IP packets with no headroom.
func OpenWater(name string, mtu int) (Device, error) {
	if name == "" {
		name = defaultName
	}
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
	})
	if err != nil {
		return nil, fmt.Errorf("tun: water %s: %w", name, err)
	}
	if err := linkUp(ifce.Name(), mtu); err != nil {
		logging.Warnf("tun: bring %s up: %v", ifce.Name(), err)
	}
	return &waterDevice{ifce: ifce, mtu: mtu, closed: make(chan struct{})}, nil
}

func (d *waterDevice) ReadPacket(p []byte) (int, error) {
	n, err := d.ifce.Read(p)
	if err != nil && d.isClosed() {
		return 0, fmt.Errorf("tun: %s: %w", d.Name(), os.ErrClosed)
	}
	return n, err
}

func (d *waterDevice) WritePacket(b []byte) error {
	_, err := d.ifce.Write(b)
	if err != nil && d.isClosed() {
		return fmt.Errorf("tun: %s: %w", d.Name(), os.ErrClosed)
	}
	return err
}

func (d *waterDevice) Name() string { return d.ifce.Name() }
func (d *waterDevice) MTU() int     { return d.mtu }

func (d *waterDevice) Close() error {
	err := errors.New("tun: already closed")
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.ifce.Close()
	})
	return err
}

func (d *waterDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
