package etcp

import (
	"fmt"

	"github.com/etcp-project/etcp/pkg/etcp/htable"
)

// FlowId identifies a connection by its (link-address, port) pair on both
// ends. Addresses are 48-bit link (MAC) addresses stored in the low bits of
// a uint64; ports are 32-bit. A FlowId is immutable once assigned to a
// Connection.
type FlowId struct {
	SrcAddr uint64
	SrcPort uint32
	DstAddr uint64
	DstPort uint32
}

// Reversed swaps src and dst, producing the FlowId an ACK uses to travel
// back to the original sender.
func (f FlowId) Reversed() FlowId {
	return FlowId{
		SrcAddr: f.DstAddr,
		SrcPort: f.DstPort,
		DstAddr: f.SrcAddr,
		DstPort: f.SrcPort,
	}
}

func (f FlowId) String() string {
	return fmt.Sprintf("%012x:%d->%012x:%d", f.SrcAddr, f.SrcPort, f.DstAddr, f.DstPort)
}

// destKey and srcKey are the two axes of the destination-map -> source-map
// demux lookup (see demux.go). Kept as distinct helpers because the DAT and
// ACK ingress paths build these keys from different FlowId fields (see
// DESIGN.md Open Question 2 — this asymmetry is load-bearing and must be
// mirrored exactly).
func (f FlowId) destKey() htable.Key {
	return htable.Key{Hi: f.DstAddr, Lo: uint64(f.DstPort)}
}

func (f FlowId) srcKey() htable.Key {
	return htable.Key{Hi: f.SrcAddr, Lo: uint64(f.SrcPort)}
}
