package tun

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// MockDevice is an in-memory Device for tests. Packets handed to Inject are
// returned by ReadPacket; packets passed to WritePacket are recorded.
type MockDevice struct {
	name string
	mtu  int

	in chan []byte

	mu      sync.Mutex
	written [][]byte
	changed chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMockDevice returns a mock with room for 256 queued inbound packets.
func NewMockDevice(name string, mtu int) *MockDevice {
	return &MockDevice{
		name:    name,
		mtu:     mtu,
		in:      make(chan []byte, 256),
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Inject queues a copy of b to be read by the relay.
func (m *MockDevice) Inject(b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case <-m.closed:
		return os.ErrClosed
	default:
	}
	select {
	case m.in <- cp:
		return nil
	case <-m.closed:
		return os.ErrClosed
	}
}

func (m *MockDevice) ReadPacket(p []byte) (int, error) {
	select {
	case b := <-m.in:
		return copy(p, b), nil
	case <-m.closed:
		return 0, fmt.Errorf("mock %s: %w", m.name, os.ErrClosed)
	}
}

func (m *MockDevice) WritePacket(b []byte) error {
	select {
	case <-m.closed:
		return fmt.Errorf("mock %s: %w", m.name, os.ErrClosed)
	default:
	}
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	m.written = append(m.written, cp)
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	return nil
}

// Written returns copies of every packet written so far.
func (m *MockDevice) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, b := range m.written {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Reset forgets recorded packets.
func (m *MockDevice) Reset() {
	m.mu.Lock()
	m.written = nil
	m.mu.Unlock()
}

// WaitWritten blocks until a recorded packet at index >= from satisfies
// match, returning it and its index, or until timeout.
func (m *MockDevice) WaitWritten(from int, timeout time.Duration, match func([]byte) bool) ([]byte, int, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		for i := from; i < len(m.written); i++ {
			if match == nil || match(m.written[i]) {
				b := append([]byte(nil), m.written[i]...)
				m.mu.Unlock()
				return b, i, true
			}
		}
		if len(m.written) > from {
			from = len(m.written)
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return nil, -1, false
		}
	}
}

func (m *MockDevice) Name() string { return m.name }
func (m *MockDevice) MTU() int     { return m.mtu }

func (m *MockDevice) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
