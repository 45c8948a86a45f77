package relay

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunsocks/pkg/logging"
)

// EventKind identifies what happened.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventFlowOpened
	EventProxyConnected
	EventProxyFailed
	EventFlowClosed
	EventBypassFailed
	EventDNSTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventFlowOpened:
		return "flow-opened"
	case EventProxyConnected:
		return "proxy-connected"
	case EventProxyFailed:
		return "proxy-failed"
	case EventFlowClosed:
		return "flow-closed"
	case EventBypassFailed:
		return "bypass-failed"
	case EventDNSTimeout:
		return "dns-timeout"
	}
	return "unknown"
}

// Event is delivered to the Observer. Flow and Target are empty for
// engine-wide events.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Flow   string
	Target string
	Err    error

	// Set on EventFlowClosed.
	BytesSent     uint64
	BytesReceived uint64
}

// Observer receives engine events. OnEvent is called synchronously from
// relay goroutines, sometimes with a flow lock held, so it must not block
// and must not call back into the engine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// ChanObserver delivers events to a channel, dropping them when it is full.
type ChanObserver chan Event

func (c ChanObserver) OnEvent(ev Event) {
	select {
	case c <- ev:
	default:
	}
}

// MultiObserver fans events out in order.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(ev Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(ev)
		}
	}
}

// LogObserver writes every event to the package logger.
type LogObserver struct{}

func (LogObserver) OnEvent(ev Event) {
	fields := logrus.Fields{"event": ev.Kind.String()}
	if ev.Flow != "" {
		fields["flow"] = ev.Flow
	}
	if ev.Target != "" {
		fields["target"] = ev.Target
	}
	switch ev.Kind {
	case EventProxyFailed:
		logging.WarnWithFields(fields, "proxy connect failed: %v", ev.Err)
	case EventBypassFailed:
		logging.ErrorWithFields(fields, "socket bypass failed: %v", ev.Err)
	case EventFlowClosed:
		fields["sent"] = ev.BytesSent
		fields["received"] = ev.BytesReceived
		if ev.Err != nil {
			fields["reason"] = ev.Err.Error()
		}
		logging.DebugWithFields(fields, "flow closed")
	case EventStarted, EventStopped:
		logging.InfoWithFields(fields, "relay %s", ev.Kind)
	default:
		logging.DebugWithFields(fields, "%s", ev.Kind)
	}
}
