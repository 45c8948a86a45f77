package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xff

	userPassVersion = 0x01
	userPassSuccess = 0x00

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00
)

// SOCKS5 performs the client side of an RFC 1928 CONNECT, authenticating
// with RFC 1929 username/password when Username is set.
type SOCKS5 struct {
	Username string
	Password string
}

// Handshake negotiates a CONNECT to target ("host:port") over conn. On
// success conn is returned unchanged: every read is sized exactly, so no
// tunneled byte has been consumed.
func (s *SOCKS5) Handshake(conn net.Conn, target string) (net.Conn, error) {
	req, err := connectRequest(target)
	if err != nil {
		return nil, err
	}
	if err := s.negotiate(conn); err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("socks5: write connect request: %w", err)
	}
	if err := readReply(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *SOCKS5) negotiate(conn net.Conn) error {
	greeting := []byte{socksVersion, 1, methodNoAuth}
	if s.Username != "" {
		greeting = []byte{socksVersion, 2, methodNoAuth, methodUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5: write greeting: %w", err)
	}

	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return fmt.Errorf("socks5: read method selection: %w", err)
	}
	if sel[0] != socksVersion {
		return fmt.Errorf("%w: 0x%02x", ErrBadVersion, sel[0])
	}
	switch sel[1] {
	case methodNoAuth:
		return nil
	case methodUserPass:
		if s.Username == "" {
			// Server insists on credentials we never offered.
			return ErrNoAcceptableMethod
		}
		return s.authenticate(conn)
	case methodNoAcceptable:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("%w: server selected 0x%02x", ErrNoAcceptableMethod, sel[1])
	}
}

func (s *SOCKS5) authenticate(conn net.Conn) error {
	if len(s.Username) > 255 || len(s.Password) > 255 {
		return ErrCredentialTooLong
	}
	msg := make([]byte, 0, 3+len(s.Username)+len(s.Password))
	msg = append(msg, userPassVersion, byte(len(s.Username)))
	msg = append(msg, s.Username...)
	msg = append(msg, byte(len(s.Password)))
	msg = append(msg, s.Password...)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("socks5: write credentials: %w", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks5: read auth status: %w", err)
	}
	if resp[1] != userPassSuccess {
		return fmt.Errorf("%w (status 0x%02x)", ErrAuthRejected, resp[1])
	}
	return nil
}

// connectRequest encodes VER CMD RSV ATYP DST.ADDR DST.PORT.
func connectRequest(target string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrBadTarget, portStr)
	}

	req := []byte{socksVersion, cmdConnect, 0x00}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.Is4() {
			a := addr.As4()
			req = append(req, atypIPv4)
			req = append(req, a[:]...)
		} else {
			a := addr.As16()
			req = append(req, atypIPv6)
			req = append(req, a[:]...)
		}
	} else {
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("%w: host %q", ErrBadTarget, host)
		}
		req = append(req, atypDomain, byte(len(host)))
		req = append(req, host...)
	}
	return binary.BigEndian.AppendUint16(req, uint16(port)), nil
}

// readReply consumes the full CONNECT reply including BND.ADDR and BND.PORT.
func readReply(conn net.Conn) error {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("%w: 0x%02x", ErrBadVersion, hdr[0])
	}
	if hdr[1] != repSucceeded {
		return &ReplyError{Code: hdr[1]}
	}

	var n int
	switch hdr[3] {
	case atypIPv4:
		n = 4
	case atypIPv6:
		n = 16
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return fmt.Errorf("socks5: read bound address: %w", err)
		}
		n = int(l[0])
	default:
		return fmt.Errorf("socks5: %w in reply (0x%02x)", ErrAddressTypeNotSupported, hdr[3])
	}
	// bound address followed by bound port
	if _, err := io.CopyN(io.Discard, conn, int64(n+2)); err != nil {
		return fmt.Errorf("socks5: read bound address: %w", err)
	}
	return nil
}
