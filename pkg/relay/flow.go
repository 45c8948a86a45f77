package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/packet"
)

// State is the lifecycle of a relayed TCP flow.
type State int

const (
	StateSynReceived State = iota
	StateProxyConnecting
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "syn-received"
	case StateProxyConnecting:
		return "proxy-connecting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reasons a flow closed, reported in EventFlowClosed.
var (
	ErrResetByPeer  = errors.New("reset by peer")
	ErrFinished     = errors.New("closed by peer")
	ErrUpstreamEOF  = errors.New("upstream closed")
	ErrIdleTimeout  = errors.New("idle timeout")
	ErrRelayStopped = errors.New("relay stopped")
)

// queued upstream bytes get this long to flush after a graceful close
const drainTimeout = 5 * time.Second

// Flow is one TCP connection from the OS, terminated locally and relayed
// through the proxy.
type Flow struct {
	key    string
	tuple  packet.Tuple
	target string
	env    *env
	log    *logrus.Entry

	// cancelled on abort; stops the dial and the writer
	ctx    context.Context
	cancel context.CancelFunc

	lastActive atomic.Int64

	mu        sync.Mutex
	state     State
	clientISN uint32
	isn       uint32
	localSeq  uint32 // next sequence number we send
	remoteAck uint32 // next sequence number expected from the OS
	lastAck   uint32 // ack value of the last segment sent to the OS

	pending      [][]byte
	pendingBytes int
	sendCh       chan []byte
	conn         net.Conn
	draining     bool

	bytesSent     uint64
	bytesReceived uint64
}

// FlowInfo is a point-in-time view of a flow.
type FlowInfo struct {
	Key           string        `json:"key"`
	Target        string        `json:"target"`
	State         string        `json:"state"`
	BytesSent     uint64        `json:"bytes_sent"`
	BytesReceived uint64        `json:"bytes_received"`
	Idle          time.Duration `json:"idle"`
}

func newFlow(e *env, t packet.Tuple) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		key:    t.Key(),
		tuple:  t,
		target: t.Destination().String(),
		env:    e,
		log:    logging.WithFlow(t.Key()),
		ctx:    ctx,
		cancel: cancel,
		state:  StateSynReceived,
	}
	f.touch()
	return f
}

func (f *Flow) Key() string    { return f.key }
func (f *Flow) Target() string { return f.target }

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) Info() FlowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FlowInfo{
		Key:           f.key,
		Target:        f.target,
		State:         f.state.String(),
		BytesSent:     f.bytesSent,
		BytesReceived: f.bytesReceived,
		Idle:          time.Since(f.idleSince()).Round(time.Millisecond),
	}
}

func (f *Flow) touch()               { f.lastActive.Store(time.Now().UnixNano()) }
func (f *Flow) idleSince() time.Time { return time.Unix(0, f.lastActive.Load()) }

// Handle applies one packet from the OS to the flow.
func (f *Flow) Handle(p *packet.Packet) {
	f.touch()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateClosed {
		return
	}
	if p.IsRST() {
		f.log.Debug("reset by OS")
		f.closeLocked(ErrResetByPeer, false)
		return
	}
	if p.IsSYN() {
		f.onSYN(p)
		return
	}
	if len(p.Payload) > 0 && !f.onData(p) {
		return
	}
	if p.IsFIN() {
		f.onFIN(p)
	}
}

// onSYN answers the opening SYN right away and leaves the proxy dial to
// the connect goroutine, so the SYN-ACK goes out before the upstream
// socket exists. The socket is still protected in Dialer.Control before
// connect(2), and no client byte is written to it before the handshake
// with the proxy completes.
func (f *Flow) onSYN(p *packet.Packet) {
	if f.state != StateSynReceived {
		if p.Seq == f.clientISN {
			// our SYN-ACK was lost
			f.env.inject(packet.SynAck(f.tuple, f.isn, f.clientISN+1))
			return
		}
		f.ackLocked()
		return
	}

	f.clientISN = p.Seq
	f.isn = rand.Uint32()
	f.localSeq = f.isn + 1
	f.remoteAck = p.Seq + 1
	f.lastAck = f.remoteAck
	f.state = StateProxyConnecting
	f.env.inject(packet.SynAck(f.tuple, f.isn, f.remoteAck))

	f.env.wg.Add(1)
	go f.connect()
}

// onData reports whether the payload was accepted.
func (f *Flow) onData(p *packet.Packet) bool {
	if d := int32(p.Seq - f.remoteAck); d != 0 {
		if d < 0 {
			f.log.Debugf("duplicate segment seq=%d expected=%d", p.Seq, f.remoteAck)
		} else {
			f.log.Debugf("segment ahead seq=%d expected=%d, dropped", p.Seq, f.remoteAck)
		}
		f.ackLocked()
		return false
	}

	data := append([]byte(nil), p.Payload...)
	switch f.state {
	case StateProxyConnecting:
		if f.pendingBytes+len(data) > f.env.cfg.PendingCap {
			f.env.stats.packetsDropped.Add(1)
			f.ackLocked()
			return false
		}
		f.pending = append(f.pending, data)
		f.pendingBytes += len(data)
	case StateEstablished:
		select {
		case f.sendCh <- data:
		default:
			f.env.stats.packetsDropped.Add(1)
			f.ackLocked()
			return false
		}
	default:
		return false
	}

	f.remoteAck += uint32(len(data))
	f.lastAck = f.remoteAck
	f.ackLocked()
	return true
}

func (f *Flow) onFIN(p *packet.Packet) {
	if p.Seq+uint32(len(p.Payload)) != f.remoteAck {
		f.ackLocked()
		return
	}
	f.remoteAck++
	f.lastAck = f.remoteAck
	f.env.inject(packet.FinAck(f.tuple, f.localSeq, f.remoteAck))
	f.localSeq++
	f.closeLocked(ErrFinished, true)
}

func (f *Flow) ackLocked() {
	f.env.inject(packet.Ack(f.tuple, f.localSeq, f.lastAck, nil))
}

func (f *Flow) resetLocked(reason error) {
	f.env.inject(packet.Rst(f.tuple, f.localSeq, f.remoteAck))
	f.closeLocked(reason, false)
}

// closeLocked moves the flow to StateClosed exactly once. A graceful close
// lets queued upstream bytes drain before the socket is closed; otherwise
// the dial is cancelled and the socket closed at once.
func (f *Flow) closeLocked(reason error, graceful bool) {
	if f.state == StateClosed {
		return
	}
	f.state = StateClosed

	switch {
	case graceful && f.sendCh != nil:
		f.draining = true
		close(f.sendCh)
		_ = f.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
	case graceful && f.conn == nil:
		// still dialing; connect flushes pending and closes
		f.draining = true
	default:
		f.cancel()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.pending, f.pendingBytes = nil, 0
	}

	f.env.stats.flowsClosed.Add(1)
	f.env.emit(Event{
		Kind:          EventFlowClosed,
		Flow:          f.key,
		Target:        f.target,
		Err:           reason,
		BytesSent:     f.bytesSent,
		BytesReceived: f.bytesReceived,
	})
	if f.env.onClose != nil {
		f.env.onClose(f)
	}
}

// Close aborts the flow without notifying the OS. Safe to call repeatedly.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked(ErrRelayStopped, false)
	if f.draining {
		f.draining = false
		f.cancel()
		if f.conn != nil {
			_ = f.conn.Close()
		}
	}
}

// expire resets a flow that has been idle too long.
func (f *Flow) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateClosed {
		return
	}
	f.log.Debugf("idle for %v, resetting", time.Since(f.idleSince()).Round(time.Second))
	f.resetLocked(ErrIdleTimeout)
}

// connect dials the proxy, then stays on as the flow's upstream writer.
func (f *Flow) connect() {
	defer f.env.wg.Done()
	defer f.cancel()

	ctx, cancel := context.WithTimeout(f.ctx, f.env.cfg.ConnectTimeout)
	conn, err := f.env.dialer.DialContext(ctx, f.target)
	cancel()

	f.mu.Lock()
	if err != nil {
		if f.state != StateClosed {
			f.env.stats.handshakeFailures.Add(1)
			f.log.Warnf("proxy connect to %s failed: %v", f.target, err)
			f.env.emit(Event{Kind: EventProxyFailed, Flow: f.key, Target: f.target, Err: err})
			f.resetLocked(err)
		}
		f.mu.Unlock()
		return
	}
	if f.state == StateClosed && !f.draining {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}

	f.conn = conn
	f.env.emit(Event{Kind: EventProxyConnected, Flow: f.key, Target: f.target})
	f.log.Debugf("proxy tunnel to %s ready", f.target)

	batch := f.pending
	f.pending, f.pendingBytes = nil, 0
	var sendCh chan []byte
	if f.draining {
		_ = conn.SetWriteDeadline(time.Now().Add(drainTimeout))
	} else {
		// Pending is taken under the same lock that switches the state, so
		// nothing can be queued behind it out of order.
		f.state = StateEstablished
		f.sendCh = make(chan []byte, f.env.cfg.SendQueue)
		sendCh = f.sendCh
		f.env.wg.Add(1)
		go f.readUpstream(conn)
	}
	f.mu.Unlock()

	for _, b := range batch {
		if !f.writeUpstream(conn, b) {
			return
		}
	}
	if sendCh == nil {
		f.finish(conn)
		return
	}
	for {
		select {
		case b, ok := <-sendCh:
			if !ok {
				f.finish(conn)
				return
			}
			if !f.writeUpstream(conn, b) {
				return
			}
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Flow) writeUpstream(conn net.Conn, b []byte) bool {
	n, err := conn.Write(b)
	f.env.stats.bytesSent.Add(uint64(n))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytesSent += uint64(n)
	if err == nil {
		f.touch()
		return true
	}
	if f.state != StateClosed {
		f.env.stats.errors.Add(1)
		f.log.Debugf("upstream write: %v", err)
		f.resetLocked(fmt.Errorf("upstream write: %w", err))
	} else {
		f.draining = false
		_ = conn.Close()
	}
	return false
}

func (f *Flow) finish(conn net.Conn) {
	f.mu.Lock()
	f.draining = false
	f.mu.Unlock()
	_ = conn.Close()
}

// readUpstream turns proxy bytes into segments toward the OS.
func (f *Flow) readUpstream(conn net.Conn) {
	defer f.env.wg.Done()
	buf := getBuf(f.env.cfg.segmentSize())
	defer putBuf(buf)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.touch()
			f.mu.Lock()
			if f.state != StateEstablished {
				f.mu.Unlock()
				return
			}
			f.env.inject(packet.Ack(f.tuple, f.localSeq, f.remoteAck, buf[:n]))
			f.localSeq += uint32(n)
			f.lastAck = f.remoteAck
			f.bytesReceived += uint64(n)
			f.env.stats.bytesReceived.Add(uint64(n))
			f.mu.Unlock()
		}
		if err == nil {
			continue
		}

		f.mu.Lock()
		if f.state == StateEstablished {
			if errors.Is(err, io.EOF) {
				f.env.inject(packet.FinAck(f.tuple, f.localSeq, f.remoteAck))
				f.localSeq++
				f.closeLocked(ErrUpstreamEOF, true)
			} else {
				f.env.stats.errors.Add(1)
				f.log.Debugf("upstream read: %v", err)
				f.resetLocked(fmt.Errorf("upstream read: %w", err))
			}
		}
		f.mu.Unlock()
		return
	}
}
