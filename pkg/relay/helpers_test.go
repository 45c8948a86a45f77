package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/packet"
)

var (
	appIP    = [4]byte{10, 0, 0, 2}
	remoteIP = [4]byte{93, 184, 216, 34}
)

const (
	appPort    = 40000
	remotePort = 443
)

// recorder stands in for the tun writer and parses everything injected.
type recorder struct {
	ch chan *packet.Packet
}

func newRecorder() *recorder { return &recorder{ch: make(chan *packet.Packet, 1024)} }

func (r *recorder) ProcessPacket(p core.Packet) error {
	data := append([]byte(nil), p.Data()...)
	parsed, err := packet.Parse(data)
	if err != nil {
		return err
	}
	r.ch <- parsed
	return nil
}

func (r *recorder) next(t *testing.T) *packet.Packet {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet injected")
		return nil
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected packet injected: %s", p)
	case <-time.After(wait):
	}
}

// pipeDialer hands the relay one end of a net.Pipe per dial and exposes
// the other end as the "proxy".
type pipeDialer struct {
	release chan struct{}
	err     error
	servers chan net.Conn
	targets chan string
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 16), targets: make(chan string, 16)}
}

func (d *pipeDialer) DialContext(ctx context.Context, target string) (net.Conn, error) {
	d.targets <- target
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	d.servers <- server
	return client, nil
}

func (d *pipeDialer) server(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.servers:
		t.Cleanup(func() { c.Close() })
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("relay never dialed the proxy")
		return nil
	}
}

type harness struct {
	mgr    *Manager
	env    *env
	out    *recorder
	events ChanObserver
}

func newHarness(t *testing.T, cfg Config, d Dialer) *harness {
	t.Helper()
	h := &harness{out: newRecorder(), events: make(ChanObserver, 256)}
	h.env = &env{cfg: cfg.withDefaults(), out: h.out, dialer: d, stats: &stats{}, obs: h.events}
	h.mgr = newManager(h.env)
	t.Cleanup(func() {
		h.mgr.CloseAll()
		waitGroup(t, &h.env.wg)
	})
	return h
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("flow goroutines did not exit")
	}
}

func (h *harness) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

// tcpIn builds a segment from the app to the remote as the OS would send it.
func tcpIn(t *testing.T, seq, ack uint32, flags packet.Flags, payload []byte) *packet.Packet {
	t.Helper()
	return tcpFrom(t, appPort, seq, ack, flags, payload)
}

func tcpFrom(t *testing.T, srcPort uint16, seq, ack uint32, flags packet.Flags, payload []byte) *packet.Packet {
	t.Helper()
	b, err := packet.NewTCP(appIP, remoteIP, srcPort, remotePort, seq, ack, flags, payload)
	require.NoError(t, err)
	p, err := packet.Parse(b)
	require.NoError(t, err)
	return p
}

func flowKey() string {
	return packet.Tuple{SrcIP: appIP, DstIP: remoteIP, SrcPort: appPort, DstPort: remotePort}.Key()
}

// establish opens a flow with client ISN 1000 and returns the relay's ISN
// and the proxy side of the tunnel.
func (h *harness) establish(t *testing.T, d *pipeDialer) (uint32, net.Conn) {
	t.Helper()
	h.mgr.HandleInbound(tcpIn(t, 1000, 0, packet.FlagSYN, nil))
	synAck := h.out.next(t)
	require.True(t, synAck.IsSYNACK())
	h.mgr.HandleInbound(tcpIn(t, 1001, synAck.Seq+1, packet.FlagACK, nil))
	server := d.server(t)
	h.waitEvent(t, EventProxyConnected)
	require.Eventually(t, func() bool {
		f, ok := h.mgr.Lookup(flowKey())
		return ok && f.State() == StateEstablished
	}, 2*time.Second, 5*time.Millisecond)
	return synAck.Seq, server
}
