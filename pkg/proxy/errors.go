package proxy

import (
	"errors"
	"fmt"
)

// SOCKS5 reply failures (RFC 1928 section 6). A *ReplyError unwraps to one
// of these so callers can use errors.Is.
var (
	ErrGeneralFailure          = errors.New("general SOCKS server failure")
	ErrRulesetDenied           = errors.New("connection not allowed by ruleset")
	ErrNetworkUnreachable      = errors.New("network unreachable")
	ErrHostUnreachable         = errors.New("host unreachable")
	ErrConnectionRefused       = errors.New("connection refused")
	ErrTTLExpired              = errors.New("TTL expired")
	ErrCommandNotSupported     = errors.New("command not supported")
	ErrAddressTypeNotSupported = errors.New("address type not supported")
)

// Negotiation failures.
var (
	ErrBadVersion         = errors.New("socks5: unexpected protocol version")
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	ErrAuthRejected       = errors.New("socks5: username/password rejected")
	ErrCredentialTooLong  = errors.New("socks5: username or password longer than 255 bytes")
	ErrBadTarget          = errors.New("proxy: invalid target address")
)

// HTTP CONNECT failures. A *StatusError unwraps to one of these.
var (
	ErrProxyAuthRequired = errors.New("http connect: proxy authentication required")
	ErrConnectRejected   = errors.New("http connect: request rejected")
	ErrMalformedResponse = errors.New("http connect: malformed response")
)

var replyErrors = map[byte]error{
	0x01: ErrGeneralFailure,
	0x02: ErrRulesetDenied,
	0x03: ErrNetworkUnreachable,
	0x04: ErrHostUnreachable,
	0x05: ErrConnectionRefused,
	0x06: ErrTTLExpired,
	0x07: ErrCommandNotSupported,
	0x08: ErrAddressTypeNotSupported,
}

// ReplyError is a non-zero REP field in a SOCKS5 CONNECT reply.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	if err, ok := replyErrors[e.Code]; ok {
		return fmt.Sprintf("socks5: %v (rep=0x%02x)", err, e.Code)
	}
	return fmt.Sprintf("socks5: unassigned reply code 0x%02x", e.Code)
}

// Unwrap returns the sentinel for the reply code. Unassigned codes unwrap
// to ErrGeneralFailure.
func (e *ReplyError) Unwrap() error {
	if err, ok := replyErrors[e.Code]; ok {
		return err
	}
	return ErrGeneralFailure
}

// StatusError is a non-2xx answer to an HTTP CONNECT request.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http connect: proxy answered %q", e.Status)
}

func (e *StatusError) Unwrap() error {
	if e.Code == 407 {
		return ErrProxyAuthRequired
	}
	return ErrConnectRejected
}
