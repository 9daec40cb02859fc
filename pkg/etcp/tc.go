package etcp

// TxTC is the host-supplied Transmission Control policy for the send side.
// The core never flips a queued frame from TxRdy to TxNow itself; Decide is
// the only thing allowed to do that, once per egress pump iteration, for
// each RDY slot it is offered (spec.md §4.5 — "the core never mutates
// RDY->NOW itself"). Returning TxDrp tells the pump to discard the frame
// without sending it (e.g. a congestion-control policy shedding load).
type TxTC interface {
	Decide(c *Connection, p *PBuff) TxState
}

// RxTC is the host-supplied Transmission Control policy for the ack side:
// it bounds how many SACK fields GenerateAcks packs into each ack frame
// (capped at the fixed per-frame maximum), letting a host pace
// acknowledgement traffic independently of how much data arrived.
// GenerateStaleAcks does not consult it.
type RxTC interface {
	AckBudget(c *Connection) int
}

// NoOpTxTC is a reference TxTC that admits every RDY slot immediately. It
// is the degenerate policy a host can start from before writing its own.
type NoOpTxTC struct{}

func (NoOpTxTC) Decide(c *Connection, p *PBuff) TxState { return TxNow }

// UnboundedRxTC is a reference RxTC with no ack-budget limit.
type UnboundedRxTC struct{}

func (UnboundedRxTC) AckBudget(c *Connection) int { return maxSackFields }
