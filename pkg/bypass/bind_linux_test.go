package bypass

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func skipIfDenied(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skipf("insufficient privileges: %v", err)
	}
}

func TestInterfaceBinderLoopback(t *testing.T) {
	ln := loopbackListener(t)
	var bindErr error
	b := &InterfaceBinder{Interfaces: []string{"does-not-exist0", "lo"}}
	d := Dialer(nil, time.Second)
	d.Control = func(network, address string, c syscall.RawConn) error {
		bindErr = b.Protect(network, address, c)
		return bindErr
	}
	conn, err := d.Dial("tcp", ln.Addr().String())
	skipIfDenied(t, bindErr)
	require.NoError(t, err)
	conn.Close()
}

func TestMarkProtector(t *testing.T) {
	ln := loopbackListener(t)
	var markErr error
	m := &MarkProtector{Mark: 0x2a}
	d := Dialer(nil, time.Second)
	d.Control = func(network, address string, c syscall.RawConn) error {
		markErr = m.Protect(network, address, c)
		return markErr
	}
	conn, err := d.Dial("tcp", ln.Addr().String())
	skipIfDenied(t, markErr)
	require.NoError(t, err)
	conn.Close()
}
