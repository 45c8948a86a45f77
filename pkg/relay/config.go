package relay

import "time"

// Config tunes the relay engine. Zero values are replaced by the defaults
// from DefaultConfig.
type Config struct {
	// MTU of the tun device. Upstream data is cut into segments that fit it.
	MTU int `json:"mtu" yaml:"mtu"`

	// ConnectTimeout bounds dialing the proxy plus its handshake.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// HandshakeTimeout bounds the proxy handshake alone once connected.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// DNSTimeout is how long a forwarded query waits for its answer.
	DNSTimeout time.Duration `json:"dns_timeout" yaml:"dns_timeout"`

	// IdleTimeout resets flows with no traffic in either direction. Zero
	// disables the reaper.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxFlows caps concurrent TCP flows; zero means unlimited. SYNs beyond
	// the cap are answered with RST.
	MaxFlows int `json:"max_flows" yaml:"max_flows"`

	// PendingCap caps bytes buffered per flow while the proxy connects.
	PendingCap int `json:"pending_cap" yaml:"pending_cap"`

	// SendQueue is the number of segments queued per flow toward the proxy.
	SendQueue int `json:"send_queue" yaml:"send_queue"`

	// DNSWorkers and DNSQueue size the DNS forwarding pool.
	DNSWorkers int `json:"dns_workers" yaml:"dns_workers"`
	DNSQueue   int `json:"dns_queue" yaml:"dns_queue"`

	// DNSServers are fallback resolvers tried in order when a query cannot
	// be sent to its original destination.
	DNSServers []string `json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		MTU:              1500,
		ConnectTimeout:   15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		DNSTimeout:       5 * time.Second,
		IdleTimeout:      5 * time.Minute,
		MaxFlows:         0,
		PendingCap:       64 * 1024,
		SendQueue:        256,
		DNSWorkers:       4,
		DNSQueue:         128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.DNSTimeout <= 0 {
		c.DNSTimeout = d.DNSTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.PendingCap <= 0 {
		c.PendingCap = d.PendingCap
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.DNSWorkers <= 0 {
		c.DNSWorkers = d.DNSWorkers
	}
	if c.DNSQueue <= 0 {
		c.DNSQueue = d.DNSQueue
	}
	return c
}

// segmentSize is the largest payload that fits one packet on the tun.
func (c Config) segmentSize() int {
	n := c.MTU - 40
	if n < 536 {
		n = 536
	}
	return n
}
