package packet

import (
	"encoding/binary"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onesSum folds b into a 16-bit one's complement sum.
func onesSum(sum uint32, b []byte) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// checksumsValid verifies the IPv4 header checksum and the transport
// checksum over the pseudo-header.
func checksumsValid(t *testing.T, raw []byte) {
	t.Helper()
	ihl := int(raw[0]&0x0f) * 4
	assert.Equal(t, uint16(0xffff), fold(onesSum(0, raw[:ihl])), "ipv4 checksum")

	l4 := raw[ihl:]
	var pseudo [12]byte
	copy(pseudo[0:8], raw[12:20])
	pseudo[9] = raw[9]
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(l4)))
	assert.Equal(t, uint16(0xffff), fold(onesSum(onesSum(0, pseudo[:]), l4)), "transport checksum")
}

func TestReplyBuildersSwapDirection(t *testing.T) {
	tuple := Tuple{SrcIP: appIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443}

	cases := []struct {
		name  string
		build func() ([]byte, error)
		flags Flags
	}{
		{"synack", func() ([]byte, error) { return SynAck(tuple, 5000, 1001) }, FlagSYN | FlagACK},
		{"ack", func() ([]byte, error) { return Ack(tuple, 5001, 1001, nil) }, FlagACK},
		{"ack+data", func() ([]byte, error) { return Ack(tuple, 5001, 1001, []byte("HTTP/1.1 200 OK")) }, FlagACK | FlagPSH},
		{"finack", func() ([]byte, error) { return FinAck(tuple, 5001, 1001) }, FlagFIN | FlagACK},
		{"rst", func() ([]byte, error) { return Rst(tuple, 5001, 1001) }, FlagRST | FlagACK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.build()
			require.NoError(t, err)
			checksumsValid(t, raw)

			p, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.flags, p.Flags)
			assert.Equal(t, remoteIP, p.SrcIP)
			assert.Equal(t, appIP, p.DstIP)
			assert.Equal(t, uint16(443), p.SrcPort)
			assert.Equal(t, uint16(40000), p.DstPort)
			assert.Equal(t, tuple.Reverse().Key(), p.Key())
		})
	}
}

func TestRoundTripTCP(t *testing.T) {
	payload := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	raw, err := NewTCP(appIP, remoteIP, 40000, 443, 0xfffffff0, 77, FlagACK|FlagPSH, payload)
	require.NoError(t, err)
	checksumsValid(t, raw)

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, layers.IPProtocolTCP, p.Protocol)
	assert.Equal(t, uint32(0xfffffff0), p.Seq)
	assert.Equal(t, uint32(77), p.Ack)
	assert.Equal(t, payload, p.Payload)
	assert.Equal(t, uint32(0xfffffff0)+uint32(len(payload)), p.SeqEnd())
	assert.Equal(t, byte(64), p.TTL)
}

func TestRoundTripUDP(t *testing.T) {
	tuple := Tuple{SrcIP: appIP, DstIP: [4]byte{1, 1, 1, 1}, SrcPort: 53000, DstPort: 53}
	answer := []byte{0xbe, 0xef, 0x81, 0x80, 0, 1, 0, 1, 0, 0, 0, 0}
	raw, err := UDPResponse(tuple, answer)
	require.NoError(t, err)
	checksumsValid(t, raw)

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, p.IsUDP())
	assert.Equal(t, [4]byte{1, 1, 1, 1}, p.SrcIP)
	assert.Equal(t, uint16(53), p.SrcPort)
	assert.Equal(t, uint16(53000), p.DstPort)
	assert.Equal(t, answer, p.Payload)
}

func TestBuilderMatchesGopacketDecode(t *testing.T) {
	raw, err := Ack(Tuple{SrcIP: appIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443}, 10, 20, []byte("abc"))
	require.NoError(t, err)

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)

	assert.Equal(t, uint16(len(raw)), ip.Length)
	assert.Equal(t, layers.IPv4DontFragment, ip.Flags)
	assert.True(t, tcp.ACK)
	assert.True(t, tcp.PSH)
	assert.Equal(t, uint16(0xffff), tcp.Window)
	assert.Equal(t, []byte("abc"), tcp.Payload)
}

func TestIPIDAdvances(t *testing.T) {
	a, err := NewUDP(appIP, remoteIP, 1, 2, nil)
	require.NoError(t, err)
	b, err := NewUDP(appIP, remoteIP, 1, 2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, binary.BigEndian.Uint16(a[4:6]), binary.BigEndian.Uint16(b[4:6]))
}
