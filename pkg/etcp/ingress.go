package etcp

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// classify reports whether a parsed PBuff is a DAT or ACK frame, having
// already been validated by ParseFrame.
func classify(p *PBuff) MsgType { return p.Type() }

// OnRxFrame decodes one raw Ethernet frame (as handed up by a Link's
// RxFrame) and dispatches it to DAT or ACK ingress. scratch is a PBuff
// owned by the caller (doNetRx's single reusable parse buffer — see
// DESIGN.md Open Question 3) used only to parse the frame before its
// content is copied into a connection's own queue slot. hwRxNs is the
// link's hardware receive timestamp for the frame, when it reported one.
//
// Grounded on etcpOnRxEthernetFrame/etcpOnRxPacket in etcp.c: VLAN/EtherType
// decap happens once, up front, before any demux lookup.
func (s *State) OnRxFrame(ctx context.Context, raw []byte, hwRxNs int64, hwRxOK bool, scratch *PBuff) error {
	scratch.Reset()
	if err := scratch.ParseFrame(raw); err != nil {
		dlog.Debugf(ctx, "rx: dropping malformed frame (%d bytes): %v", len(raw), err)
		return err
	}
	// Both rx timestamps are stamped once per frame, straight into the
	// frame's own header block, regardless of DAT/ACK classification
	// (spec.md §4.3 step 2) and ahead of any demux lookup.
	if hwRxOK {
		scratch.SetHwRxTime(hwRxNs)
	}
	scratch.SetSwRxTime(nowNs())
	switch classify(scratch) {
	case MsgDat:
		return s.onRxDat(ctx, scratch)
	case MsgAck:
		return s.onRxAck(ctx, scratch)
	case MsgFin:
		// FIN teardown is unimplemented; connections close only by
		// explicit host-driven Close.
		dlog.Debugf(ctx, "rx: ignoring FIN from %012x:%d", scratch.SrcMAC(), scratch.SrcPort())
		return nil
	default:
		dlog.Debugf(ctx, "rx: unknown message type %d", scratch.Type())
		return ErrBadPacket
	}
}

// onRxDat admits a DAT frame into its connection's rxQ, or the connection's
// staleQ if the sequence has already fallen out of the receive window.
// Grounded on etcpOnRxDat in etcp.c: dstMap -> LAMap -> srcKey lookup (with
// admit-on-miss against the listen backlog), then classify the incoming
// sequence against [rxQ.RdMin, rxQ.WrMax).
func (s *State) onRxDat(ctx context.Context, p *PBuff) error {
	flow := FlowId{
		DstAddr: p.DstMAC(),
		DstPort: p.DstPort(),
		SrcAddr: p.SrcMAC(),
		SrcPort: p.SrcPort(),
	}
	destKey := flow.destKey()
	m, ok := s.lamapFor(destKey)
	if !ok {
		dlog.Debugf(ctx, "rx: no listener for %012x:%d, rejecting DAT", flow.DstAddr, flow.DstPort)
		return ErrRejected
	}
	srcKey := flow.srcKey()
	c, err := m.admit(flow, srcKey)
	if err != nil {
		return err
	}
	return onRxDatConn(ctx, c, p)
}

// onRxDatConn applies window admission for one already-resolved connection,
// split out so tests (and a direct point-to-point caller bypassing the
// LAMap demux) can exercise it without a full State.
func onRxDatConn(ctx context.Context, c *Connection, p *PBuff) error {
	seq := p.SeqNum()
	rdMin := c.RxQ.RdMin()
	wrMax := c.RxQ.WrMax()

	switch {
	case seq < rdMin:
		// Already delivered and released: if the sender wants an ack,
		// park the whole frame on the stale list so a future
		// GenerateStaleAcks call re-acks it without reoccupying a window
		// slot.
		if p.NoAck() {
			return nil
		}
		stale := p.Clone()
		stale.SetStaleDat(true)
		if err := c.StaleQ.Insert(seq, stale); err != nil {
			// A backward insert means the stale list's ordering invariant
			// broke; the connection is no longer trustworthy.
			dlog.Errorf(ctx, "rx %s: %v", c.FlowId, err)
			return Wrap(NewError(KindFatal, err.Error()), "onRxDatConn: stale insert")
		}
		return nil
	case seq >= wrMax:
		dlog.Debugf(ctx, "rx %s: seq %d beyond window [%d,%d), dropping", c.FlowId, seq, rdMin, wrMax)
		return ErrOutOfRange
	default:
		if c.RxQ.IsCommitted(seq) {
			// Duplicate: the prior copy wins, no error surfaced.
			return nil
		}
		slot, err := c.RxQ.Push(seq)
		if err != nil {
			return Wrap(err, "onRxDatConn: push")
		}
		copyPBuff(slot, p)
		if err := c.RxQ.CommitSlot(seq); err != nil {
			return Wrap(err, "onRxDatConn: commit")
		}
		return nil
	}
}

// copyPBuff copies src's parsed frame content into dst, a connection's own
// (already-allocated) queue-slot PBuff, so the caller's scratch buffer can
// be reused for the next frame.
func copyPBuff(dst, src *PBuff) {
	dst.Reset()
	n := copy(dst.Frame, src.Frame[:src.Len])
	dst.Len = n
	dst.vlanPresent = src.vlanPresent
}

// onRxAck processes an incoming SACK frame against the originating
// connection's txQ, releasing every acknowledged slot and sampling RTT off
// the first attempt's timestamp.
//
// Grounded on etcpProcessAck/etcpOnRxAck in etcp.c: note the key swap
// relative to DAT ingress — an ACK's destKey is built from the flow's
// *source* half and its srcKey from the *destination* half, because the
// ACK is traveling in the reverse direction of the DAT it acknowledges
// (see FlowId.destKey/srcKey and DESIGN.md Open Question 2).
func (s *State) onRxAck(ctx context.Context, p *PBuff) error {
	flow := FlowId{
		DstAddr: p.DstMAC(),
		DstPort: p.DstPort(),
		SrcAddr: p.SrcMAC(),
		SrcPort: p.SrcPort(),
	}
	rev := flow.Reversed()
	destKey := rev.destKey()
	m, ok := s.lamapFor(destKey)
	if !ok {
		dlog.Debugf(ctx, "rx: ack for unknown local %012x:%d", rev.DstAddr, rev.DstPort)
		return ErrRejected
	}
	srcKey := rev.srcKey()
	c, ok := m.lookup(srcKey)
	if !ok {
		dlog.Debugf(ctx, "rx: ack for unknown connection %s", rev)
		return ErrRejected
	}
	return onRxAckConn(ctx, c, p)
}

// onRxAckConn applies one SACK frame's fields to c.TxQ: every sequence
// covered by a field is released (if still committed there) and folded into
// an RTT sample against this ACK frame's own ingress receive timestamp.
func onRxAckConn(ctx context.Context, c *Connection, p *PBuff) error {
	base := p.BaseSeq()
	fields := p.SackFields()
	// ackRxNs is this ACK frame's own ingress software timestamp (stamped
	// once in OnRxFrame), not the time sampleRTT happens to run at — spec.md
	// §4.3.2's RTT formula is ackTime.swRxTimeNs - head.ts.swTxTimeNs.
	ackRxNs, ackRxOK := p.SwRxTime()
	for _, f := range fields {
		for i := uint16(0); i < f.Count; i++ {
			seq := base + uint64(f.Offset) + uint64(i)
			if seq < c.TxQ.RdMin() {
				// Stale ack, already released. Not an error.
				continue
			}
			slot, ok := c.TxQ.GetRd(seq)
			if !ok {
				dlog.Debugf(ctx, "rx %s: ack for uncommitted seq %d", c.FlowId, seq)
				continue
			}
			if slot.Type() == MsgDat && slot.SeqNum() != seq {
				// The slot was recycled under us; the packet this acks is
				// gone.
				dlog.Debugf(ctx, "rx %s: ack for recycled seq %d (slot holds %d)", c.FlowId, seq, slot.SeqNum())
				continue
			}
			if ackRxOK {
				sampleRTT(c, slot, ackRxNs)
			}
			if err := c.TxQ.ReleaseSlot(seq); err != nil {
				return Wrap(err, "onRxAckConn: release")
			}
			if seq+1 > c.PeerSeqAck {
				c.PeerSeqAck = seq + 1
			}
		}
	}
	return nil
}

// sampleRTT folds one transmitted slot's software tx timestamp into the
// connection's running RTT estimate against ackRxNs, the acknowledging
// frame's own ingress timestamp. A slot never actually sent carries no tx
// stamp and is skipped.
func sampleRTT(c *Connection, slot *PBuff, ackRxNs int64) {
	sent, ok := slot.SwTxTime()
	if !ok || ackRxNs <= sent {
		return
	}
	sampleNs := ackRxNs - sent
	c.RTTSamples++
	if c.RTTSamples == 1 {
		c.RTTLastNs = sampleNs
	} else {
		// Exponential moving average, matching the smoothing shape used by
		// processResends' backoff growth in the teacher's handler.go,
		// adapted from a retry-delay multiplier into an RTT smoother.
		c.RTTLastNs = (c.RTTLastNs*7 + sampleNs) / 8
	}
	c.RTOLastNs = c.RTTLastNs * 2
}
