package packet

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	appIP    = [4]byte{10, 0, 0, 2}
	remoteIP = [4]byte{93, 184, 216, 34}
)

func TestParseRejectsShortAndNonIPv4(t *testing.T) {
	_, err := Parse(make([]byte, 19))
	assert.ErrorIs(t, err, ErrTooShort)

	v6 := make([]byte, 40)
	v6[0] = 0x60
	_, err = Parse(v6)
	assert.ErrorIs(t, err, ErrNotIPv4)

	bad := make([]byte, 40)
	bad[0] = 0x44 // IHL 16 bytes
	_, err = Parse(bad)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestParseTCP(t *testing.T) {
	raw, err := NewTCP(appIP, remoteIP, 40000, 443, 1000, 0, FlagSYN, nil)
	require.NoError(t, err)

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, p.IsTCP())
	assert.True(t, p.IsSYN())
	assert.False(t, p.IsSYNACK())
	assert.Equal(t, 20, p.HeaderLen)
	assert.Equal(t, 20, p.TCPHeaderLen)
	assert.Equal(t, uint32(1000), p.Seq)
	assert.Equal(t, "10.0.0.2:40000-93.184.216.34:443", p.Key())
	assert.Empty(t, p.Payload)
	assert.Equal(t, uint32(1001), p.SeqEnd())
}

func TestParseTCPTruncatedHeader(t *testing.T) {
	raw, err := NewTCP(appIP, remoteIP, 40000, 443, 1, 0, FlagACK, nil)
	require.NoError(t, err)

	_, err = Parse(raw[:30])
	assert.ErrorIs(t, err, ErrTruncated)

	// data offset pointing past the buffer
	raw[20+12] = 0xf0
	_, err = Parse(raw)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseClampsDeclaredLength(t *testing.T) {
	raw, err := NewTCP(appIP, remoteIP, 40000, 443, 1, 1, FlagACK|FlagPSH, []byte("hello"))
	require.NoError(t, err)

	// Declared larger than what was read: payload limited to the buffer.
	binary.BigEndian.PutUint16(raw[2:4], 1500)
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), p.TotalLen)
	assert.Equal(t, []byte("hello"), p.Payload)

	// Declared smaller than the headers: payload clamps to zero.
	binary.BigEndian.PutUint16(raw[2:4], 30)
	p, err = Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, p.Payload)

	// Trailing garbage past the declared length is not payload.
	padded := append(append([]byte(nil), raw...), 0xde, 0xad)
	binary.BigEndian.PutUint16(padded[2:4], uint16(len(raw)))
	p, err = Parse(padded)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p.Payload)
}

func TestParseUDP(t *testing.T) {
	query := make([]byte, 29)
	raw, err := NewUDP(appIP, [4]byte{1, 1, 1, 1}, 53000, 53, query)
	require.NoError(t, err)

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, p.IsUDP())
	assert.Equal(t, uint16(53), p.DstPort)
	assert.Equal(t, 37, p.UDPLen)
	assert.Len(t, p.Payload, 29)

	// UDP length larger than the datagram is bounded by the bytes present.
	binary.BigEndian.PutUint16(raw[24:26], 200)
	p, err = Parse(raw)
	require.NoError(t, err)
	assert.Len(t, p.Payload, 29)

	// UDP length below the header size yields an empty payload.
	binary.BigEndian.PutUint16(raw[24:26], 4)
	p, err = Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, p.Payload)
}

func TestParseUnsupportedProtocol(t *testing.T) {
	raw, err := NewUDP(appIP, remoteIP, 1, 2, nil)
	require.NoError(t, err)
	raw[9] = 1 // ICMP

	p, err := Parse(raw)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
	require.NotNil(t, p)
	assert.Equal(t, remoteIP, p.DstIP)
}

func TestParseNeverPanics(t *testing.T) {
	raw, err := NewTCP(appIP, remoteIP, 40000, 443, 7, 9, FlagACK|FlagPSH, []byte("payload bytes"))
	require.NoError(t, err)
	for n := 0; n <= len(raw); n++ {
		assert.NotPanics(t, func() { _, _ = Parse(raw[:n]) }, "prefix %d", n)
	}
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	assert.Equal(t, "none", Flags(0).String())
}
