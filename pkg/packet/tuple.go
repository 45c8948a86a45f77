package packet

import (
	"fmt"
	"net/netip"
	"strings"
)

// Flags holds the six TCP control bits.
type Flags uint8

const (
	FlagFIN Flags = 0x01
	FlagSYN Flags = 0x02
	FlagRST Flags = 0x04
	FlagPSH Flags = 0x08
	FlagACK Flags = 0x10
	FlagURG Flags = 0x20

	flagMask = FlagFIN | FlagSYN | FlagRST | FlagPSH | FlagACK | FlagURG
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagACK, "ACK"}, {FlagURG, "URG"}}
	var parts []string
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Tuple is a flow 4-tuple from the OS's point of view: Src is the local
// application, Dst the remote end the relay impersonates.
type Tuple struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

// Key renders the tuple as "a.b.c.d:p-e.f.g.h:q".
func (t Tuple) Key() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d-%d.%d.%d.%d:%d",
		t.SrcIP[0], t.SrcIP[1], t.SrcIP[2], t.SrcIP[3], t.SrcPort,
		t.DstIP[0], t.DstIP[1], t.DstIP[2], t.DstIP[3], t.DstPort,
	)
}

// Destination returns the remote endpoint.
func (t Tuple) Destination() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(t.DstIP), t.DstPort)
}

// Reverse swaps source and destination.
func (t Tuple) Reverse() Tuple {
	return Tuple{SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort}
}
