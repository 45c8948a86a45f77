package packet

import "sync/atomic"

// ipIDCounter feeds the IPv4 Identification field of synthesized packets so
// that no two consecutive packets carry the same (or a zero) ID.
var ipIDCounter uint32

func nextIPID() uint16 { return uint16(atomic.AddUint32(&ipIDCounter, 1)) }
