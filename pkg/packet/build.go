package packet

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	defaultTTL    = 64
	defaultWindow = 0xffff
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func ipv4Layer(src, dst [4]byte, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       nextIPID(),
		Flags:    layers.IPv4DontFragment,
		TTL:      defaultTTL,
		Protocol: proto,
		SrcIP:    net.IP(append([]byte(nil), src[:]...)),
		DstIP:    net.IP(append([]byte(nil), dst[:]...)),
	}
}

// NewTCP serializes an IPv4/TCP datagram exactly as addressed, with valid
// IPv4 and TCP checksums.
func NewTCP(src, dst [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags Flags, payload []byte) ([]byte, error) {
	ip := ipv4Layer(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		Window:  defaultWindow,
		FIN:     flags.Has(FlagFIN),
		SYN:     flags.Has(FlagSYN),
		RST:     flags.Has(FlagRST),
		PSH:     flags.Has(FlagPSH),
		ACK:     flags.Has(FlagACK),
		URG:     flags.Has(FlagURG),
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewUDP serializes an IPv4/UDP datagram exactly as addressed.
func NewUDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ip := ipv4Layer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// The reply builders below address packets from t's destination back to its
// source, so the OS sees them as coming from the remote end of the flow.

// SynAck answers an opening SYN with the relay's initial sequence number.
func SynAck(t Tuple, isn, ack uint32) ([]byte, error) {
	return NewTCP(t.DstIP, t.SrcIP, t.DstPort, t.SrcPort, isn, ack, FlagSYN|FlagACK, nil)
}

// Ack acknowledges received bytes. A non-empty payload is delivered to the
// OS with PSH set.
func Ack(t Tuple, seq, ack uint32, payload []byte) ([]byte, error) {
	flags := FlagACK
	if len(payload) > 0 {
		flags |= FlagPSH
	}
	return NewTCP(t.DstIP, t.SrcIP, t.DstPort, t.SrcPort, seq, ack, flags, payload)
}

// FinAck closes the relay's side of the flow.
func FinAck(t Tuple, seq, ack uint32) ([]byte, error) {
	return NewTCP(t.DstIP, t.SrcIP, t.DstPort, t.SrcPort, seq, ack, FlagFIN|FlagACK, nil)
}

// Rst aborts the flow.
func Rst(t Tuple, seq, ack uint32) ([]byte, error) {
	return NewTCP(t.DstIP, t.SrcIP, t.DstPort, t.SrcPort, seq, ack, FlagRST|FlagACK, nil)
}

// UDPResponse returns payload to the querier as if sent by t's destination.
func UDPResponse(t Tuple, payload []byte) ([]byte, error) {
	return NewUDP(t.DstIP, t.SrcIP, t.DstPort, t.SrcPort, payload)
}
