package relay

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/irctrakz/tunsocks/pkg/logging"
)

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "flow-opened", EventFlowOpened.String())
	assert.Equal(t, "dns-timeout", EventDNSTimeout.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}

func TestChanObserverNeverBlocks(t *testing.T) {
	ch := make(ChanObserver, 1)
	ch.OnEvent(Event{Kind: EventStarted})
	ch.OnEvent(Event{Kind: EventStopped})
	assert.Len(t, ch, 1)
	assert.Equal(t, EventStarted, (<-ch).Kind)
}

func TestMultiObserverFansOut(t *testing.T) {
	var seen []string
	a := ObserverFunc(func(ev Event) { seen = append(seen, "a:"+ev.Kind.String()) })
	b := ObserverFunc(func(ev Event) { seen = append(seen, "b:"+ev.Kind.String()) })

	MultiObserver{a, nil, b}.OnEvent(Event{Kind: EventFlowClosed})
	assert.Equal(t, []string{"a:flow-closed", "b:flow-closed"}, seen)
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	logging.SetLevel(logging.DebugLevel)
	t.Cleanup(func() {
		logging.SetOutput(os.Stdout)
		logging.SetLevel(logging.InfoLevel)
	})

	LogObserver{}.OnEvent(Event{
		Kind:   EventProxyFailed,
		Flow:   "10.0.0.2:40000-93.184.216.34:443",
		Target: "93.184.216.34:443",
		Err:    errors.New("connection refused"),
	})
	out := buf.String()
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "event=proxy-failed")
	assert.Contains(t, out, "target=\"93.184.216.34:443\"")
	assert.Contains(t, out, "connection refused")

	buf.Reset()
	LogObserver{}.OnEvent(Event{Kind: EventFlowClosed, Flow: "k", BytesSent: 10, BytesReceived: 20, Err: ErrFinished})
	out = buf.String()
	assert.Contains(t, out, "sent=10")
	assert.Contains(t, out, "received=20")
	assert.Contains(t, out, "flow closed")
}
