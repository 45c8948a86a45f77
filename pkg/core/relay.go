package core

// Relay is the packet-in/packet-out engine between a tun device and a proxy.
type Relay interface {
	// Start begins reading from the tun device.
	Start() error

	// Stop tears down every flow and releases the tun device.
	Stop() error

	// Metrics returns a snapshot of the advisory counters.
	Metrics() RelayMetrics
}

// PacketProcessor consumes packets synthesized by the relay, normally by
// writing them back to the tun device.
type PacketProcessor interface {
	ProcessPacket(packet Packet) error
}

// PacketProcessorFunc adapts a function to PacketProcessor.
type PacketProcessorFunc func(Packet) error

// ProcessPacket calls f(packet).
func (f PacketProcessorFunc) ProcessPacket(packet Packet) error { return f(packet) }

// RelayMetrics contains advisory counters for a relay. None of them are
// consulted for correctness.
type RelayMetrics struct {
	// PacketsIn is the number of packets read from the tun device.
	PacketsIn uint64

	// PacketsOut is the number of packets written to the tun device.
	PacketsOut uint64

	// PacketsDropped counts packets that were parsed but not handled.
	PacketsDropped uint64

	// FlowsOpened is the number of TCP flows created.
	FlowsOpened uint64

	// FlowsClosed is the number of TCP flows torn down.
	FlowsClosed uint64

	// HandshakeFailures counts proxy dial or handshake failures.
	HandshakeFailures uint64

	// BytesSent is the number of payload bytes written to proxy sockets.
	BytesSent uint64

	// BytesReceived is the number of payload bytes read from proxy sockets.
	BytesReceived uint64

	// DNSQueries is the number of DNS queries forwarded.
	DNSQueries uint64

	// DNSAnswers is the number of DNS responses injected.
	DNSAnswers uint64

	// DNSTimeouts is the number of DNS queries that got no answer in time.
	DNSTimeouts uint64

	// Errors is the number of errors encountered.
	Errors uint64
}
