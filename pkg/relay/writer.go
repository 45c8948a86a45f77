package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/tun"
)

// Dialer opens a ready-to-relay stream to target through the proxy.
// *proxy.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, target string) (net.Conn, error)
}

// NetDialer opens plain sockets; used for DNS. A bypass-protected
// *net.Dialer satisfies it.
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// tunWriter serializes every write to the device.
type tunWriter struct {
	mu    sync.Mutex
	dev   tun.Device
	stats *stats
}

func (w *tunWriter) ProcessPacket(p core.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.dev.WritePacket(p.Data()); err != nil {
		w.stats.errors.Add(1)
		return err
	}
	w.stats.packetsOut.Add(1)
	return nil
}

// env is what every flow and the DNS pool share with the engine.
type env struct {
	cfg    Config
	out    core.PacketProcessor
	dialer Dialer
	stats  *stats
	obs    Observer

	// flow goroutines, joined on stop
	wg sync.WaitGroup

	// called once when a flow reaches StateClosed
	onClose func(*Flow)
}

func (e *env) emit(ev Event) {
	if e.obs == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.obs.OnEvent(ev)
}

// inject writes a packet built by the packet package to the device.
func (e *env) inject(b []byte, err error) bool {
	if err != nil {
		e.stats.errors.Add(1)
		logging.Errorf("relay: build packet: %v", err)
		return false
	}
	if err := e.out.ProcessPacket(core.NewPacket(b)); err != nil {
		logging.Debugf("relay: write to tun: %v", err)
		return false
	}
	return true
}
