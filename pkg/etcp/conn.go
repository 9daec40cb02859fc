package etcp

import (
	"github.com/etcp-project/etcp/pkg/etcp/cq"
	"github.com/etcp-project/etcp/pkg/etcp/stalelist"
)

// ConnState is a coarse connection lifecycle marker. etcp has no handshake
// of its own (spec.md Non-goals: no SYN/FIN); a Connection exists from the
// moment a LAMap admits it until the host explicitly deletes it.
type ConnState uint8

const (
	ConnOpen ConnState = iota
	ConnClosed
)

// Connection is one flow's worth of state: its rx/tx circular queues, its
// stale-ack list, and the sequence cursors that drive ingress admission and
// egress generation. Grounded on the etcpConn_t fields and lifecycle in
// etcpConn.c (etcpConnNew/etcpConnDelete); the rxQ/txQ/staleQ trio and
// sizing-by-log2 convention come directly from there.
type Connection struct {
	FlowId FlowId
	State  ConnState

	RxQ    *cq.Queue[*PBuff]
	TxQ    *cq.Queue[*PBuff]
	StaleQ *stalelist.List

	// SeqSnd is the next sequence this connection will assign to an
	// outgoing DAT frame (userTx producer cursor).
	SeqSnd uint64
	// SeqAck is the lowest sequence not yet cumulatively acknowledged to
	// the peer: GenerateAcks only ever advances it by the first coalesced
	// SACK field's run (spec.md §4.4).
	SeqAck uint64
	// PeerSeqAck is one past the highest sequence this connection's peer
	// has acknowledged back to us, updated on ACK ingress.
	PeerSeqAck uint64

	VlanID   uint16
	Priority uint8

	// RTT bookkeeping, updated at ACK-ingress time from the timestamp
	// blocks carried in the frames' own headers.
	RTTSamples int
	RTTLastNs  int64
	RTOLastNs  int64
}

// ConnOptions configures queue sizing and link framing for a new
// Connection. Sizes are expressed as log2 of slot count, matching the
// CQ_SIZE_LOG2/windowSizeLog2 convention in etcpConn.c.
type ConnOptions struct {
	RxSlotsLog2 uint
	TxSlotsLog2 uint
	VlanID      uint16
	Priority    uint8
}

// NewConnection allocates a Connection's queues and stale list. Each CQ
// slot's backing PBuff is preallocated here via cq.New's initFn, so no
// allocation occurs on this connection's data path afterward.
func NewConnection(flow FlowId, opt ConnOptions) *Connection {
	return &Connection{
		FlowId:   flow,
		State:    ConnOpen,
		RxQ:      cq.New[*PBuff](opt.RxSlotsLog2, NewPBuff),
		TxQ:      cq.New[*PBuff](opt.TxSlotsLog2, NewPBuff),
		StaleQ:   stalelist.New(),
		VlanID:   opt.VlanID,
		Priority: opt.Priority,
	}
}

// Close marks the connection closed. The host is responsible for removing
// it from its LAMap/HashTable afterward; Close itself performs no demux
// bookkeeping (mirrors srcConnsHTDelete's callback-driven teardown in
// etcpState.c, where the HT owns the delete, not the connection).
func (c *Connection) Close() {
	c.State = ConnClosed
}
