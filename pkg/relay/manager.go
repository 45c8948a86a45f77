package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/packet"
)

// Manager owns the flow table. HandleInbound is called from the single
// inbound reader; removal may happen from any flow goroutine.
type Manager struct {
	env   *env
	flows sync.Map // key -> *Flow
	count atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newManager(e *env) *Manager {
	m := &Manager{env: e, stopCh: make(chan struct{})}
	e.onClose = m.remove
	return m
}

// HandleInbound routes one TCP packet from the OS to its flow, creating the
// flow on SYN.
func (m *Manager) HandleInbound(p *packet.Packet) {
	key := p.Key()
	if v, ok := m.flows.Load(key); ok {
		f := v.(*Flow)
		if !p.IsSYN() || f.State() != StateClosed {
			f.Handle(p)
			if (p.IsFIN() || p.IsRST()) && f.State() == StateClosed {
				m.remove(f)
			}
			return
		}
		// A new connection reuses the key of one that already closed.
		m.remove(f)
	}

	if !p.IsSYN() {
		logging.Debugf("relay: no flow for %s [%s], dropping", key, p.Flags)
		m.env.stats.packetsDropped.Add(1)
		return
	}

	if limit := m.env.cfg.MaxFlows; limit > 0 && m.count.Load() >= int64(limit) {
		logging.Warnf("relay: flow limit %d reached, refusing %s", limit, key)
		m.env.stats.packetsDropped.Add(1)
		m.env.inject(packet.Rst(p.Tuple(), 0, p.Seq+1))
		return
	}

	f := newFlow(m.env, p.Tuple())
	m.flows.Store(key, f)
	m.count.Add(1)
	m.env.stats.flowsOpened.Add(1)
	m.env.emit(Event{Kind: EventFlowOpened, Flow: key, Target: f.Target()})
	f.Handle(p)
}

// remove deletes f from the table unless the key already belongs to a
// newer flow.
func (m *Manager) remove(f *Flow) {
	if m.flows.CompareAndDelete(f.key, f) {
		m.count.Add(-1)
	}
}

// Lookup returns the live flow for key.
func (m *Manager) Lookup(key string) (*Flow, bool) {
	v, ok := m.flows.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Flow), true
}

// Count returns the number of flows in the table.
func (m *Manager) Count() int { return int(m.count.Load()) }

// Flows returns a snapshot of every flow, sorted by key.
func (m *Manager) Flows() []FlowInfo {
	var out []FlowInfo
	m.flows.Range(func(_, v any) bool {
		out = append(out, v.(*Flow).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// CloseAll closes every flow and empties the table.
func (m *Manager) CloseAll() {
	var all []*Flow
	m.flows.Range(func(_, v any) bool {
		all = append(all, v.(*Flow))
		return true
	})
	for _, f := range all {
		f.Close()
	}
	m.flows.Clear()
	m.count.Store(0)
	if len(all) > 0 {
		logging.Infof("relay: closed %d flows", len(all))
	}
}

func (m *Manager) startReaper() {
	idle := m.env.cfg.IdleTimeout
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	m.wg.Add(1)
	go m.reaper(idle, interval)
}

func (m *Manager) stopReaper() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) reaper(idle, interval time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.reap(time.Now().Add(-idle))
		}
	}
}

func (m *Manager) reap(cutoff time.Time) {
	// Collect first, expire outside Range.
	var expired []*Flow
	m.flows.Range(func(_, v any) bool {
		if f := v.(*Flow); f.idleSince().Before(cutoff) {
			expired = append(expired, f)
		}
		return true
	})
	for _, f := range expired {
		f.expire()
	}
	if len(expired) > 0 {
		logging.Debugf("relay: reaped %d idle flows", len(expired))
	}
}
