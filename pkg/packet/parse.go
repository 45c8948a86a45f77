// Package packet decodes IPv4/TCP/UDP datagrams read from a tun device and
// synthesizes the replies the relay injects back.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

// Parse errors. Every one of them means "drop the packet".
var (
	ErrTooShort            = errors.New("packet: shorter than an IPv4 header")
	ErrNotIPv4             = errors.New("packet: not IPv4")
	ErrBadHeader           = errors.New("packet: invalid IPv4 header length")
	ErrTruncated           = errors.New("packet: truncated transport header")
	ErrUnsupportedProtocol = errors.New("packet: unsupported protocol")
)

const (
	tcpMinHeaderLen = 20
	udpHeaderLen    = 8
)

// Packet is a decoded view over a raw datagram. Payload aliases the input
// buffer; copy it before the buffer is reused.
type Packet struct {
	HeaderLen int
	TotalLen  int
	TOS       byte
	TTL       byte
	Protocol  layers.IPProtocol
	SrcIP     [4]byte
	DstIP     [4]byte

	SrcPort uint16
	DstPort uint16

	// TCP only.
	Seq          uint32
	Ack          uint32
	TCPHeaderLen int
	Flags        Flags
	Window       uint16

	// UDP only.
	UDPLen int

	Payload []byte
}

// Parse decodes b, whose length is the number of valid bytes read. It never
// panics on malformed input. For an unsupported protocol the returned packet
// carries the IPv4 fields together with ErrUnsupportedProtocol.
func Parse(b []byte) (*Packet, error) {
	if len(b) < ipv4.HeaderLen {
		return nil, ErrTooShort
	}
	if v := int(b[0] >> 4); v != ipv4.Version {
		return nil, fmt.Errorf("%w: version %d", ErrNotIPv4, v)
	}

	p := &Packet{
		HeaderLen: int(b[0]&0x0f) * 4,
		TotalLen:  int(binary.BigEndian.Uint16(b[2:4])),
		TOS:       b[1],
		TTL:       b[8],
		Protocol:  layers.IPProtocol(b[9]),
	}
	copy(p.SrcIP[:], b[12:16])
	copy(p.DstIP[:], b[16:20])

	if p.TotalLen > len(b) {
		p.TotalLen = len(b)
	}
	if p.HeaderLen < ipv4.HeaderLen || p.HeaderLen > len(b) {
		return nil, ErrBadHeader
	}
	// Transport headers are read from the bytes actually present; payload
	// bounds come from the (clamped) declared total length.
	l4 := b[p.HeaderLen:]

	switch p.Protocol {
	case layers.IPProtocolTCP:
		if len(l4) < tcpMinHeaderLen {
			return nil, ErrTruncated
		}
		p.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		p.DstPort = binary.BigEndian.Uint16(l4[2:4])
		p.Seq = binary.BigEndian.Uint32(l4[4:8])
		p.Ack = binary.BigEndian.Uint32(l4[8:12])
		p.TCPHeaderLen = int(l4[12]>>4) * 4
		p.Flags = Flags(l4[13]) & flagMask
		p.Window = binary.BigEndian.Uint16(l4[14:16])
		if p.TCPHeaderLen < tcpMinHeaderLen || p.TCPHeaderLen > len(l4) {
			return nil, ErrTruncated
		}
		n := p.TotalLen - (p.HeaderLen + p.TCPHeaderLen)
		if n < 0 {
			n = 0
		}
		p.Payload = l4[p.TCPHeaderLen : p.TCPHeaderLen+n]
	case layers.IPProtocolUDP:
		if len(l4) < udpHeaderLen {
			return nil, ErrTruncated
		}
		p.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		p.DstPort = binary.BigEndian.Uint16(l4[2:4])
		p.UDPLen = int(binary.BigEndian.Uint16(l4[4:6]))
		n := p.UDPLen - udpHeaderLen
		if n < 0 {
			n = 0
		}
		if avail := p.TotalLen - p.HeaderLen - udpHeaderLen; n > avail {
			n = avail
		}
		if n < 0 {
			n = 0
		}
		p.Payload = l4[udpHeaderLen : udpHeaderLen+n]
	default:
		return p, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, p.Protocol)
	}
	return p, nil
}

// Tuple returns the packet's 4-tuple as seen by the OS.
func (p *Packet) Tuple() Tuple {
	return Tuple{SrcIP: p.SrcIP, DstIP: p.DstIP, SrcPort: p.SrcPort, DstPort: p.DstPort}
}

// Key returns the flow key of the packet.
func (p *Packet) Key() string { return p.Tuple().Key() }

// IsTCP reports whether the packet carries TCP.
func (p *Packet) IsTCP() bool { return p.Protocol == layers.IPProtocolTCP }

// IsUDP reports whether the packet carries UDP.
func (p *Packet) IsUDP() bool { return p.Protocol == layers.IPProtocolUDP }

// IsSYN reports an opening SYN (SYN set, ACK clear).
func (p *Packet) IsSYN() bool { return p.Flags.Has(FlagSYN) && !p.Flags.Has(FlagACK) }

// IsSYNACK reports SYN and ACK both set.
func (p *Packet) IsSYNACK() bool { return p.Flags.Has(FlagSYN | FlagACK) }

func (p *Packet) IsFIN() bool { return p.Flags.Has(FlagFIN) }
func (p *Packet) IsRST() bool { return p.Flags.Has(FlagRST) }
func (p *Packet) IsPSH() bool { return p.Flags.Has(FlagPSH) }
func (p *Packet) IsACK() bool { return p.Flags.Has(FlagACK) }

// SeqEnd is the sequence number following this segment's payload. SYN and
// FIN each occupy one sequence number.
func (p *Packet) SeqEnd() uint32 {
	end := p.Seq + uint32(len(p.Payload))
	if p.Flags.Has(FlagSYN) {
		end++
	}
	if p.Flags.Has(FlagFIN) {
		end++
	}
	return end
}

func (p *Packet) String() string {
	switch {
	case p.IsTCP():
		return fmt.Sprintf("tcp %s [%s] seq=%d ack=%d len=%d", p.Key(), p.Flags, p.Seq, p.Ack, len(p.Payload))
	case p.IsUDP():
		return fmt.Sprintf("udp %s len=%d", p.Key(), len(p.Payload))
	}
	return fmt.Sprintf("%s %s", p.Protocol, p.Key())
}
