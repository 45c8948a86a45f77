package tun

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/irctrakz/tunsocks/pkg/logging"
	wtun "golang.zx2c4.com/wireguard/tun"
)

// offset is the headroom wireguard-go wants in front of every packet
// (virtio-net header on linux, utun family header on darwin).
const offset = 16

// maxSegment bounds one buffer of a batched read; offloaded reads may
// return segments up to the IP maximum.
const maxSegment = 65535

// wgDevice adapts a batched wireguard-go tun.Device to one packet per call.
type wgDevice struct {
	dev  wtun.Device
	name string
	mtu  int

	rmu   sync.Mutex
	bufs  [][]byte
	sizes []int
	count int
	next  int

	wmu  sync.Mutex
	wbuf []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenWireGuard creates a kernel tun interface through wireguard-go.
func OpenWireGuard(name string, mtu int) (Device, error) {
	if name == "" {
		name = defaultName
	}
	dev, err := wtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: create %s: %w", name, err)
	}
	d, err := wrap(dev, mtu)
	if err != nil {
		return nil, err
	}
	if err := linkUp(d.Name(), mtu); err != nil {
		logging.Warnf("tun: bring %s up: %v", d.Name(), err)
	}
	return d, nil
}

func wrap(dev wtun.Device, mtu int) (*wgDevice, error) {
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tun: name: %w", err)
	}
	if m, err := dev.MTU(); err == nil && m > 0 {
		mtu = m
	}
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	d := &wgDevice{
		dev:    dev,
		name:   name,
		mtu:    mtu,
		bufs:   make([][]byte, batch),
		sizes:  make([]int, batch),
		closed: make(chan struct{}),
	}
	for i := range d.bufs {
		d.bufs[i] = make([]byte, offset+maxSegment)
	}
	go d.watchEvents()
	return d, nil
}

func (d *wgDevice) watchEvents() {
	for ev := range d.dev.Events() {
		switch ev {
		case wtun.EventUp:
			logging.Infof("tun: %s link up", d.name)
		case wtun.EventDown:
			logging.Warnf("tun: %s link down", d.name)
		case wtun.EventMTUUpdate:
			if m, err := d.dev.MTU(); err == nil {
				logging.Infof("tun: %s mtu now %d", d.name, m)
			}
		}
	}
}

func (d *wgDevice) ReadPacket(p []byte) (int, error) {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	for d.next >= d.count {
		n, err := d.dev.Read(d.bufs, d.sizes, offset)
		if err != nil {
			select {
			case <-d.closed:
				return 0, fmt.Errorf("tun: %s: %w", d.name, os.ErrClosed)
			default:
			}
			if n == 0 {
				return 0, err
			}
			logging.Debugf("tun: %s partial batch read: %v", d.name, err)
		}
		d.count, d.next = n, 0
	}
	i := d.next
	d.next++
	return copy(p, d.bufs[i][offset:offset+d.sizes[i]]), nil
}

func (d *wgDevice) WritePacket(b []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if need := offset + len(b); cap(d.wbuf) < need {
		d.wbuf = make([]byte, need)
	}
	buf := d.wbuf[:offset+len(b)]
	copy(buf[offset:], b)
	if _, err := d.dev.Write([][]byte{buf}, offset); err != nil {
		select {
		case <-d.closed:
			return fmt.Errorf("tun: %s: %w", d.name, os.ErrClosed)
		default:
		}
		return err
	}
	return nil
}

func (d *wgDevice) Name() string { return d.name }
func (d *wgDevice) MTU() int     { return d.mtu }

func (d *wgDevice) Close() error {
	err := errors.New("tun: already closed")
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.dev.Close()
	})
	return err
}
