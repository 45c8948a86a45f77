// Package relay terminates TCP flows read from a tun device and relays
// their payload through a SOCKS5 or HTTP CONNECT proxy. DNS queries are
// answered by forwarding them over protected UDP sockets.
package relay

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/packet"
	"github.com/irctrakz/tunsocks/pkg/tun"
)

const dnsPort = 53

// how long Stop waits for flow goroutines after closing their sockets
const stopGrace = 5 * time.Second

// Option customizes an Engine.
type Option func(*Engine)

// WithDNSDialer sets the dialer used for forwarded DNS queries. It should
// protect its sockets the same way the proxy dialer does.
func WithDNSDialer(d NetDialer) Option {
	return func(e *Engine) { e.dnsDialer = d }
}

// Engine is the relay. Start and Stop may each be called once.
type Engine struct {
	cfg Config
	dev tun.Device
	env *env
	mgr *Manager
	dns *dnsForwarder

	dnsDialer NetDialer

	mu         sync.Mutex
	running    bool
	stopping   atomic.Bool
	readerDone chan struct{}
}

var _ core.Relay = (*Engine)(nil)

// New wires an engine around dev. dialer opens proxy tunnels; obs may be nil.
func New(cfg Config, dev tun.Device, dialer Dialer, obs Observer, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	st := &stats{}
	e := &Engine{
		cfg: cfg,
		dev: dev,
		env: &env{
			cfg:    cfg,
			out:    &tunWriter{dev: dev, stats: st},
			dialer: dialer,
			stats:  st,
			obs:    obs,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mgr = newManager(e.env)
	e.dns = newDNSForwarder(e.env, e.dnsDialer)
	return e
}

// Start launches the inbound reader.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("relay: already running")
	}
	if e.readerDone != nil {
		return errors.New("relay: engine cannot be restarted")
	}
	e.running = true
	e.readerDone = make(chan struct{})

	e.dns.start()
	e.mgr.startReaper()
	go e.readLoop()

	logging.Infof("relay: started on %s (mtu %d)", e.dev.Name(), e.cfg.MTU)
	e.env.emit(Event{Kind: EventStarted})
	return nil
}

// Stop closes the device, waits for the reader to exit, then tears down
// every flow and the DNS pool.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.stopping.Store(true)

	var errs []error
	if err := e.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	<-e.readerDone

	e.mgr.stopReaper()
	e.mgr.CloseAll()
	e.dns.stop()

	done := make(chan struct{})
	go func() {
		e.env.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		logging.Warnf("relay: flow goroutines still running after %v", stopGrace)
	}

	logging.Infof("relay: stopped")
	e.env.emit(Event{Kind: EventStopped})
	return errors.Join(errs...)
}

// Metrics returns a snapshot of the counters.
func (e *Engine) Metrics() core.RelayMetrics { return e.env.stats.snapshot() }

// ActiveFlows returns the number of live TCP flows.
func (e *Engine) ActiveFlows() int { return e.mgr.Count() }

// Flows returns a snapshot of the live TCP flows.
func (e *Engine) Flows() []FlowInfo { return e.mgr.Flows() }

// ReportBypassFailure surfaces a failed socket protection as an event. It
// matches bypass.Chain.OnFailure.
func (e *Engine) ReportBypassFailure(network, address string, err error) {
	e.env.stats.errors.Add(1)
	e.env.emit(Event{Kind: EventBypassFailed, Target: address, Err: fmt.Errorf("%s: %w", network, err)})
}

func (e *Engine) readLoop() {
	defer close(e.readerDone)
	buf := make([]byte, bufLarge)
	for {
		n, err := e.dev.ReadPacket(buf)
		if err != nil {
			if e.stopping.Load() || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			e.env.stats.errors.Add(1)
			logging.Warnf("relay: tun read: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		e.env.stats.packetsIn.Add(1)
		e.dispatch(buf[:n])
	}
}

func (e *Engine) dispatch(b []byte) {
	p, err := packet.Parse(b)
	if err != nil {
		e.env.stats.packetsDropped.Add(1)
		if logging.IsDebug() {
			logging.Debugf("relay: dropping packet (%d bytes): %v", len(b), err)
		}
		return
	}
	switch p.Protocol {
	case layers.IPProtocolTCP:
		e.mgr.HandleInbound(p)
	case layers.IPProtocolUDP:
		if p.DstPort != dnsPort {
			e.env.stats.packetsDropped.Add(1)
			logging.Debugf("relay: dropping %s", p)
			return
		}
		if !e.dns.submit(p) {
			e.env.stats.packetsDropped.Add(1)
		}
	}
}
