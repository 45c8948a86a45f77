package relay

import (
	"sync/atomic"

	"github.com/irctrakz/tunsocks/pkg/core"
)

type stats struct {
	packetsIn         atomic.Uint64
	packetsOut        atomic.Uint64
	packetsDropped    atomic.Uint64
	flowsOpened       atomic.Uint64
	flowsClosed       atomic.Uint64
	handshakeFailures atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	dnsQueries        atomic.Uint64
	dnsAnswers        atomic.Uint64
	dnsTimeouts       atomic.Uint64
	errors            atomic.Uint64
}

func (s *stats) snapshot() core.RelayMetrics {
	return core.RelayMetrics{
		PacketsIn:         s.packetsIn.Load(),
		PacketsOut:        s.packetsOut.Load(),
		PacketsDropped:    s.packetsDropped.Load(),
		FlowsOpened:       s.flowsOpened.Load(),
		FlowsClosed:       s.flowsClosed.Load(),
		HandshakeFailures: s.handshakeFailures.Load(),
		BytesSent:         s.bytesSent.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		DNSQueries:        s.dnsQueries.Load(),
		DNSAnswers:        s.dnsAnswers.Load(),
		DNSTimeouts:       s.dnsTimeouts.Load(),
		Errors:            s.errors.Load(),
	}
}
