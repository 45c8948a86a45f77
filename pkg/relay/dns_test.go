package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tunsocks/pkg/packet"
)

var resolverIP = [4]byte{1, 1, 1, 1}

// udpDialer hands out pipe ends per address; addresses listed in fail are
// refused.
type udpDialer struct {
	mu      sync.Mutex
	fail    map[string]bool
	dialed  []string
	servers chan net.Conn
}

func newUDPDialer() *udpDialer {
	return &udpDialer{fail: map[string]bool{}, servers: make(chan net.Conn, 8)}
}

func (d *udpDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, network+"/"+address)
	fail := d.fail[address]
	d.mu.Unlock()
	if fail {
		return nil, errors.New("network is unreachable")
	}
	client, server := net.Pipe()
	d.servers <- server
	return client, nil
}

func (d *udpDialer) server(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.servers:
		t.Cleanup(func() { c.Close() })
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dns socket opened")
		return nil
	}
}

func dnsQuery(t *testing.T, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func dnsAnswer(t *testing.T, query []byte, id uint16) []byte {
	t.Helper()
	q := new(dns.Msg)
	require.NoError(t, q.Unpack(query))
	r := new(dns.Msg)
	r.SetReply(q)
	r.Id = id
	rr, err := dns.NewRR("example.com. 60 IN A 93.184.216.34")
	require.NoError(t, err)
	r.Answer = append(r.Answer, rr)
	b, err := r.Pack()
	require.NoError(t, err)
	return b
}

func udpQuery(t *testing.T, payload []byte) *packet.Packet {
	t.Helper()
	b, err := packet.NewUDP(appIP, resolverIP, 53000, 53, payload)
	require.NoError(t, err)
	p, err := packet.Parse(b)
	require.NoError(t, err)
	return p
}

func newDNSHarness(t *testing.T, cfg Config, d NetDialer) (*dnsForwarder, *harness) {
	t.Helper()
	h := newHarness(t, cfg, newPipeDialer())
	fw := newDNSForwarder(h.env, d)
	fw.start()
	t.Cleanup(fw.stop)
	return fw, h
}

func TestDNSQueryWithoutAnswerTimesOut(t *testing.T) {
	d := newUDPDialer()
	fw, h := newDNSHarness(t, Config{DNSTimeout: 100 * time.Millisecond}, d)

	query := dnsQuery(t, 0x1234)
	require.Len(t, query, 29)
	require.True(t, fw.submit(udpQuery(t, query)))

	server := d.server(t)
	got := make([]byte, 512)
	n, err := server.Read(got)
	require.NoError(t, err)
	assert.Equal(t, query, got[:n])

	// nothing answers: the relay gives up and closes its socket
	_, err = server.Read(got)
	assert.ErrorIs(t, err, io.EOF)
	h.out.none(t, 50*time.Millisecond)
	assert.Equal(t, uint64(1), h.env.stats.dnsTimeouts.Load())
	assert.Equal(t, uint64(0), h.env.stats.dnsAnswers.Load())
	h.waitEvent(t, EventDNSTimeout)
	assert.Equal(t, []string{"udp/1.1.1.1:53"}, d.dialed)
}

func TestDNSAnswerInjectedFromOriginalResolver(t *testing.T) {
	d := newUDPDialer()
	fw, h := newDNSHarness(t, Config{}, d)

	query := dnsQuery(t, 0xbeef)
	require.True(t, fw.submit(udpQuery(t, query)))

	server := d.server(t)
	buf := make([]byte, 512)
	_, err := server.Read(buf)
	require.NoError(t, err)
	answer := dnsAnswer(t, query, 0xbeef)
	_, err = server.Write(answer)
	require.NoError(t, err)

	resp := h.out.next(t)
	assert.True(t, resp.IsUDP())
	assert.Equal(t, resolverIP, resp.SrcIP)
	assert.Equal(t, uint16(53), resp.SrcPort)
	assert.Equal(t, appIP, resp.DstIP)
	assert.Equal(t, uint16(53000), resp.DstPort)
	assert.Equal(t, answer, resp.Payload)
	assert.Equal(t, uint64(1), h.env.stats.dnsAnswers.Load())
}

func TestDNSMismatchedIDIgnored(t *testing.T) {
	d := newUDPDialer()
	fw, h := newDNSHarness(t, Config{}, d)

	query := dnsQuery(t, 7)
	require.True(t, fw.submit(udpQuery(t, query)))

	server := d.server(t)
	_, err := server.Read(make([]byte, 512))
	require.NoError(t, err)

	_, err = server.Write(dnsAnswer(t, query, 8))
	require.NoError(t, err)
	h.out.none(t, 50*time.Millisecond)

	good := dnsAnswer(t, query, 7)
	_, err = server.Write(good)
	require.NoError(t, err)
	assert.Equal(t, good, h.out.next(t).Payload)
}

func TestDNSFallbackServers(t *testing.T) {
	d := newUDPDialer()
	d.fail["1.1.1.1:53"] = true
	d.fail["8.8.8.8:53"] = true
	fw, h := newDNSHarness(t, Config{DNSServers: []string{"8.8.8.8", "9.9.9.9:53"}}, d)

	query := dnsQuery(t, 42)
	require.True(t, fw.submit(udpQuery(t, query)))

	server := d.server(t)
	_, err := server.Read(make([]byte, 512))
	require.NoError(t, err)
	_, err = server.Write(dnsAnswer(t, query, 42))
	require.NoError(t, err)

	resp := h.out.next(t)
	assert.Equal(t, resolverIP, resp.SrcIP, "answer still comes from the original destination")
	assert.Equal(t, []string{"udp/1.1.1.1:53", "udp/8.8.8.8:53", "udp/9.9.9.9:53"}, d.dialed)
}

func TestDNSAllTargetsFail(t *testing.T) {
	d := newUDPDialer()
	d.fail["1.1.1.1:53"] = true
	fw, h := newDNSHarness(t, Config{}, d)

	require.True(t, fw.submit(udpQuery(t, dnsQuery(t, 1))))
	assert.Eventually(t, func() bool { return h.env.stats.errors.Load() == 1 }, time.Second, 5*time.Millisecond)
	h.out.none(t, 30*time.Millisecond)
}

func TestDNSSubmitDropsWhenFull(t *testing.T) {
	h := newHarness(t, Config{DNSQueue: 1, DNSWorkers: 1}, newPipeDialer())
	fw := newDNSForwarder(h.env, newUDPDialer())
	// workers not started: the queue fills up
	p := udpQuery(t, dnsQuery(t, 1))
	assert.True(t, fw.submit(p))
	assert.False(t, fw.submit(p))
}
