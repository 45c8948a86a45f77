package tun

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tunsocks/pkg/logging"
)

// pcapDevice tees both directions of a device into a DLT_RAW capture.
type pcapDevice struct {
	Device

	mu     sync.Mutex
	f      *os.File
	w      *pcapgo.Writer
	failed bool
}

// WithPCAP wraps dev so that every packet read or written is also appended
// to the pcap file at path. Capture errors are logged once and never fail
// the relay.
func WithPCAP(dev Device, path string) (Device, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("tun: pcap: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(maxSegment, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("tun: pcap header: %w", err)
	}
	return &pcapDevice{Device: dev, f: f, w: w}, nil
}

func (d *pcapDevice) ReadPacket(p []byte) (int, error) {
	n, err := d.Device.ReadPacket(p)
	if err == nil && n > 0 {
		d.record(p[:n])
	}
	return n, err
}

func (d *pcapDevice) WritePacket(b []byte) error {
	d.record(b)
	return d.Device.WritePacket(b)
}

func (d *pcapDevice) Close() error {
	err := d.Device.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	return err
}

func (d *pcapDevice) record(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil || d.failed {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(b), Length: len(b)}
	if err := d.w.WritePacket(ci, b); err != nil {
		d.failed = true
		logging.Warnf("tun: pcap write failed, capture stopped: %v", err)
	}
}
