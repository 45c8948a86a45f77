// Package proxy implements the client side of the SOCKS5 and HTTP CONNECT
// handshakes and a dialer that opens ready-to-relay tunnels through them.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
)

// DefaultHandshakeTimeout bounds a handshake when none is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// Handshaker negotiates a tunnel to target over an already connected
// proxy socket and returns the stream to relay on.
type Handshaker interface {
	Handshake(conn net.Conn, target string) (net.Conn, error)
}

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New returns the handshaker for cfg.Kind.
func New(cfg core.ProxyConfig) (Handshaker, error) {
	switch cfg.Kind {
	case core.ProxySOCKS5:
		return &SOCKS5{Username: cfg.Username, Password: cfg.Password}, nil
	case core.ProxyHTTP:
		return &HTTPConnect{Username: cfg.Username, Password: cfg.Password}, nil
	}
	return nil, fmt.Errorf("proxy: unsupported kind %q", cfg.Kind)
}

// Dialer opens tunnels through one proxy.
type Dialer struct {
	proxy            netip.AddrPort
	handshaker       Handshaker
	forward          ContextDialer
	handshakeTimeout time.Duration
}

// NewDialer resolves the proxy address once and returns a dialer that
// reaches it through forward, normally a bypass-protected *net.Dialer. A
// proxy host name is looked up with DNS sockets opened by forward too, so
// the query never enters the tun.
func NewDialer(ctx context.Context, cfg core.ProxyConfig, forward ContextDialer, handshakeTimeout time.Duration) (*Dialer, error) {
	hs, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("proxy: invalid port %d", cfg.Port)
	}
	if forward == nil {
		forward = &net.Dialer{}
	}
	addr, err := netip.ParseAddr(cfg.Host)
	if err != nil {
		addr, err = resolve(ctx, forward, cfg.Host)
		if err != nil {
			return nil, err
		}
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Dialer{
		proxy:            netip.AddrPortFrom(addr.Unmap(), uint16(cfg.Port)),
		handshaker:       hs,
		forward:          forward,
		handshakeTimeout: handshakeTimeout,
	}, nil
}

// resolve looks host up with the pure Go resolver, dialing its servers
// through forward. IPv4 is preferred.
func resolve(ctx context.Context, forward ContextDialer, host string) (netip.Addr, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return forward.DialContext(ctx, network, address)
		},
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("proxy: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("proxy: resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a, nil
		}
	}
	return addrs[0], nil
}

// Address returns the resolved proxy endpoint.
func (d *Dialer) Address() netip.AddrPort { return d.proxy }

// DialContext connects to the proxy and negotiates a tunnel to target. When
// target is the proxy itself the raw connection is returned without a
// handshake. On any failure the socket is closed.
func (d *Dialer) DialContext(ctx context.Context, target string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, "tcp", d.proxy.String())
	if err != nil {
		return nil, fmt.Errorf("proxy: dial %s: %w", d.proxy, err)
	}
	if d.isProxy(target) {
		logging.Debugf("proxy: %s is the proxy itself; relaying without handshake", target)
		return conn, nil
	}

	deadline := time.Now().Add(d.handshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	tunnel, err := d.handshaker.Handshake(conn, target)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}
	if !stop() {
		// ctx fired after the handshake finished; the deadline it set must not stick.
		_ = conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return tunnel, nil
}

func (d *Dialer) isProxy(target string) bool {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(p)) == d.proxy
}
