package core

import (
	"net"
	"strconv"
)

// ProxyKind selects the upstream proxy protocol.
type ProxyKind string

const (
	// ProxySOCKS5 is a SOCKS5 proxy (RFC 1928, RFC 1929 auth).
	ProxySOCKS5 ProxyKind = "socks5"
	// ProxyHTTP is an HTTP proxy supporting the CONNECT method.
	ProxyHTTP ProxyKind = "http"
)

// ProxyConfig describes the upstream proxy. It is read once at relay start
// and never modified afterwards.
type ProxyConfig struct {
	// Kind is the proxy protocol.
	Kind ProxyKind `json:"kind" yaml:"kind"`

	// Host is the proxy host name or IP address.
	Host string `json:"host" yaml:"host"`

	// Port is the proxy TCP port.
	Port int `json:"port" yaml:"port"`

	// Username is optional; when set, Password is sent with it.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// Password for Username.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// DNS1 and DNS2 are optional resolvers used when a DNS query cannot be
	// sent to its original destination.
	DNS1 string `json:"dns1,omitempty" yaml:"dns1,omitempty"`
	DNS2 string `json:"dns2,omitempty" yaml:"dns2,omitempty"`
}

// Address returns host:port.
func (c ProxyConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HasAuth reports whether credentials are configured.
func (c ProxyConfig) HasAuth() bool {
	return c.Username != ""
}

// DNSServers returns the configured fallback resolvers in order.
func (c ProxyConfig) DNSServers() []string {
	var out []string
	for _, s := range []string{c.DNS1, c.DNS2} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TunConfig describes how the tun device is obtained.
type TunConfig struct {
	// Name is the interface name used when the relay creates the device.
	Name string `json:"name" yaml:"name"`

	// FD is an already-open tun descriptor handed over by a control plane.
	// Zero or negative means the relay creates the device itself.
	FD int `json:"fd" yaml:"fd"`

	// MTU of the interface.
	MTU int `json:"mtu" yaml:"mtu"`

	// Backend is "wireguard" (default) or "water".
	Backend string `json:"backend" yaml:"backend"`

	// PCAP, when set, tees every packet to this pcap file.
	PCAP string `json:"pcap,omitempty" yaml:"pcap,omitempty"`
}

// BypassConfig selects how proxy sockets are kept off the tun device.
type BypassConfig struct {
	// Interfaces to bind proxy sockets to, tried in order.
	Interfaces []string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`

	// Discover looks up the default-route interface when Interfaces is empty.
	Discover bool `json:"discover" yaml:"discover"`

	// Mark is a linux fwmark applied as a fallback when non-zero.
	Mark int `json:"mark,omitempty" yaml:"mark,omitempty"`
}
