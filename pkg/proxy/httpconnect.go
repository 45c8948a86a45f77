package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

// HTTPConnect opens a tunnel with an HTTP/1.1 CONNECT request, sending
// Basic proxy credentials when Username is set.
type HTTPConnect struct {
	Username string
	Password string
}

// Handshake sends CONNECT for target and reads the status line and headers
// up to the blank line. Bytes the proxy sent after the headers stay in the
// returned conn and are read before anything else from the socket.
func (h *HTTPConnect) Handshake(conn net.Conn, target string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTarget, err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if h.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(h.Username + ":" + h.Password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("http connect: write request: %w", err)
	}

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("http connect: read status line: %w", err)
	}
	code, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}
	// A refusal is reported by its status even when the headers that
	// follow are cut short or malformed.
	_, herr := tp.ReadMIMEHeader()
	if code < 200 || code > 299 {
		return nil, &StatusError{Code: code, Status: line}
	}
	if herr != nil {
		return nil, fmt.Errorf("http connect: read headers: %w", herr)
	}

	if br.Buffered() == 0 {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

func parseStatusLine(line string) (int, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	codeStr, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return code, nil
}

// bufferedConn drains bytes already pulled into r before reading the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}
