package core

// Packet is a raw IPv4 datagram travelling between the relay and the tun device.
type Packet interface {
	Data() []byte
	Length() int
}

// Datagram is a Packet over a byte slice. The relay builds a fresh buffer for
// every injected datagram, so it is never copied.
type Datagram []byte

// NewPacket wraps data without copying it.
func NewPacket(data []byte) Packet {
	return Datagram(data)
}

func (d Datagram) Data() []byte { return d }

func (d Datagram) Length() int { return len(d) }
