// Package tc provides reference Transmission Control policies a host can
// plug into etcp.State as TxTC/RxTC. etcp's core intentionally carries no
// congestion control of its own (spec.md §4.5 Non-goals); everything here
// is a starting point, not a recommendation.
package tc

import (
	"github.com/etcp-project/etcp/pkg/etcp"
)

// WindowTxTC gates how many DAT frames may be TxNow at once by capping the
// number of in-flight (committed, not-yet-acked) tx slots, a fixed-window
// analogue of the peerWindow-driven gating the teacher's handler.go applies
// via peerWindow/peerWindowScale before sending.
type WindowTxTC struct {
	MaxInFlight int
}

func (w WindowTxTC) Decide(c *etcp.Connection, p *etcp.PBuff) etcp.TxState {
	if p.Type() != etcp.MsgDat {
		return etcp.TxNow
	}
	inFlight := int(c.SeqSnd) - int(c.PeerSeqAck)
	if inFlight < 0 {
		inFlight = 0
	}
	if w.MaxInFlight > 0 && inFlight >= w.MaxInFlight {
		return etcp.TxRdy
	}
	return etcp.TxNow
}

// BackoffRxTC sets how many SACK fields a connection may pack into each ack
// frame, halving BaseBudget when RTOLastNs exceeds four times RTTLastNs —
// modeled on processResends' backoff-under-loss shape in the teacher's
// handler.go, inverted to pace acks instead of resends. The core's own RTT
// sampling sets RTOLastNs to exactly twice RTTLastNs, so the halving takes
// effect only when something else raises RTOLastNs.
type BackoffRxTC struct {
	BaseBudget int
}

func (b BackoffRxTC) AckBudget(c *etcp.Connection) int {
	budget := b.BaseBudget
	if budget <= 0 {
		budget = 16
	}
	if c.RTOLastNs > 0 && c.RTTLastNs > 0 && c.RTOLastNs > 4*c.RTTLastNs {
		budget /= 2
		if budget < 1 {
			budget = 1
		}
	}
	return budget
}
