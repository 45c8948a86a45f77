// Package bypass keeps the relay's own proxy sockets from being routed back
// into the tun device it reads from.
package bypass

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
)

// ErrUnsupported is returned by strategies the current platform lacks.
var ErrUnsupported = errors.New("bypass: not supported on this platform")

// NetworkBypass protects a socket before it connects. The signature matches
// net.Dialer.Control.
type NetworkBypass interface {
	Protect(network, address string, c syscall.RawConn) error
}

// Func adapts a function to NetworkBypass.
type Func func(network, address string, c syscall.RawConn) error

func (f Func) Protect(network, address string, c syscall.RawConn) error {
	return f(network, address, c)
}

// Nop protects nothing. Used when the tun device does not carry the default
// route, so proxy sockets never reach it anyway.
type Nop struct{}

func (Nop) Protect(string, string, syscall.RawConn) error { return nil }

// FuncProtector hands the raw descriptor to an external protect callback,
// the way a mobile VPN control plane exempts sockets from its own tunnel.
type FuncProtector func(fd int) bool

func (p FuncProtector) Protect(network, address string, c syscall.RawConn) error {
	return withFD(c, func(fd int) error {
		if !p(fd) {
			return fmt.Errorf("bypass: protect(%d) refused", fd)
		}
		return nil
	})
}

// InterfaceBinder pins sockets to a physical interface. The first interface
// that accepts the bind wins.
type InterfaceBinder struct {
	Interfaces []string
}

func (b *InterfaceBinder) Protect(network, address string, c syscall.RawConn) error {
	if len(b.Interfaces) == 0 {
		return errors.New("bypass: no interface to bind to")
	}
	var errs []error
	for _, name := range b.Interfaces {
		err := withFD(c, func(fd int) error { return bindToDevice(fd, network, name) })
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("bind %s: %w", name, err))
	}
	return errors.Join(errs...)
}

// MarkProtector sets SO_MARK so policy routing sends the socket around the
// tun device. Linux only, needs CAP_NET_ADMIN.
type MarkProtector struct {
	Mark int
}

func (m *MarkProtector) Protect(network, address string, c syscall.RawConn) error {
	return withFD(c, func(fd int) error { return setMark(fd, m.Mark) })
}

// Chain tries each strategy in order. If every one fails the failure is
// logged at error level and reported to OnFailure, and Protect returns nil
// so the dial still goes ahead.
type Chain struct {
	Strategies []NetworkBypass
	OnFailure  func(network, address string, err error)
}

func (c *Chain) Protect(network, address string, rc syscall.RawConn) error {
	if len(c.Strategies) == 0 {
		return nil
	}
	var errs []error
	for _, s := range c.Strategies {
		err := s.Protect(network, address, rc)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	logging.ErrorWithFields(logrus.Fields{
		"network": network,
		"address": address,
	}, "bypass: proxy socket is NOT protected and may loop through the tun device: %v", err)
	if c.OnFailure != nil {
		c.OnFailure(network, address, err)
	}
	return nil
}

// Dialer returns a dialer whose sockets pass through b before connect(2).
func Dialer(b NetworkBypass, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if b != nil {
		d.Control = b.Protect
	}
	return d
}

// New assembles the strategy chain from cfg. protect is an optional
// control-plane callback; tunName is excluded from interface discovery.
func New(cfg core.BypassConfig, tunName string, protect func(fd int) bool) *Chain {
	chain := &Chain{}

	ifaces := cfg.Interfaces
	if len(ifaces) == 0 && cfg.Discover {
		found, err := DiscoverInterfaces(tunName)
		if err != nil {
			logging.Warnf("bypass: interface discovery failed: %v", err)
		}
		ifaces = found
	}
	if len(ifaces) > 0 {
		logging.Infof("bypass: binding proxy sockets to %v", ifaces)
		chain.Strategies = append(chain.Strategies, &InterfaceBinder{Interfaces: ifaces})
	}
	if protect != nil {
		chain.Strategies = append(chain.Strategies, FuncProtector(protect))
	}
	if cfg.Mark != 0 {
		chain.Strategies = append(chain.Strategies, &MarkProtector{Mark: cfg.Mark})
	}
	if len(chain.Strategies) == 0 {
		logging.Warnf("bypass: no strategy configured; proxy traffic relies on routing alone")
	}
	return chain
}

func withFD(c syscall.RawConn, fn func(fd int) error) error {
	var inner error
	if err := c.Control(func(fd uintptr) { inner = fn(int(fd)) }); err != nil {
		return err
	}
	return inner
}
