package etcp

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// GenerateAcks scans c.RxQ starting at c.SeqAck, folding contiguous
// committed sequences into coalesced SACK fields, emitting a frame onto
// c.TxQ each time the field count reaches the per-frame budget and a final
// partial frame for whatever remains. A slot whose DAT frame set NoAck
// breaks the current run without being counted into any field, but is
// still marked AckSent so UserRx can deliver it locally — the sender asked
// not to be acknowledged for it, not for it to be withheld from the local
// consumer. Emitted frames share the tx sequence namespace with DAT frames
// (see DESIGN.md Open Question 4). c.SeqAck advances per emitted frame by
// exactly the first field's offset+count; fields beyond the first are
// informational SACK coverage, not a cumulative-ack advance. Returns the
// number of frames emitted; ErrTryAgain if c.TxQ filled up mid-pass (frames
// already emitted stand, and the unacked tail is retried on the next call).
//
// Grounded on the fresh-ack half of generateAcks in etcp.c.
func GenerateAcks(ctx context.Context, c *Connection, rxTC RxTC) (frames int, err error) {
	if !c.RxQ.Readable() {
		return 0, nil
	}
	budget := maxSackFields
	if rxTC != nil {
		budget = rxTC.AckBudget(c)
	}
	if budget > maxSackFields {
		budget = maxSackFields
	}
	if budget < 1 {
		budget = 1
	}

	scanStart := c.SeqAck
	base := scanStart
	maxRun := int(c.RxQ.SlotCount())

	var fields []SackField
	var acked []*PBuff // slots folded into the in-progress frame's fields
	var runLen uint16
	var runStart uint16
	inRun := false

	flush := func() {
		if inRun {
			fields = append(fields, SackField{Offset: runStart, Count: runLen})
			inRun = false
		}
	}

	emit := func() error {
		seq, p, perr := c.TxQ.PushNext()
		if perr != nil {
			return ErrTryAgain
		}
		p.Reset()
		initReverseAckFrame(c, p, base, fields)
		p.setSackTimes(acked[0], acked[len(acked)-1])
		if cerr := c.TxQ.CommitSlot(seq); cerr != nil {
			return Wrap(cerr, "GenerateAcks: commit")
		}
		for _, a := range acked {
			a.SetAckSent(true)
		}
		c.SeqAck = base + uint64(fields[0].Offset) + uint64(fields[0].Count)
		dlog.Tracef(ctx, "ack %s: base %d, %d fields", c.FlowId, base, len(fields))
		frames++
		base = c.SeqAck
		fields = fields[:0]
		acked = acked[:0]
		return nil
	}

	for i := 0; i < maxRun; i++ {
		seq := scanStart + uint64(i)
		p, committed := c.RxQ.GetRd(seq)
		if !committed {
			flush()
			continue
		}
		if p.NoAck() {
			flush()
			p.SetAckSent(true)
			continue
		}
		off := seq - base
		if !inRun {
			if len(fields) == budget {
				flush()
				if err := emit(); err != nil {
					return frames, err
				}
				off = seq - base
			}
			inRun = true
			runStart = uint16(off)
			runLen = 0
		}
		runLen++
		acked = append(acked, p)
	}
	flush()
	if len(fields) > 0 {
		if err := emit(); err != nil {
			return frames, err
		}
	}
	return frames, nil
}

// GenerateStaleAcks drains c.StaleQ head-first, coalescing adjacent stale
// sequences into SACK fields the same way GenerateAcks does and emitting a
// frame per budget's worth. Unlike GenerateAcks this never advances
// c.SeqAck: stale frames lie outside the receive window entirely and exist
// only so the sender eventually stops retransmitting them. The first
// drained entry's own seqNum is each frame's base.
func GenerateStaleAcks(ctx context.Context, c *Connection) (frames int, err error) {
	for c.StaleQ.Len() > 0 {
		n, err := generateOneStaleAck(ctx, c)
		frames += n
		if err != nil {
			return frames, err
		}
		if n == 0 {
			break
		}
	}
	return frames, nil
}

func generateOneStaleAck(ctx context.Context, c *Connection) (frames int, err error) {
	first, has := c.StaleQ.First()
	if !has {
		return 0, nil
	}
	base := first.Seq

	var fields []SackField
	var firstP, lastP *PBuff
	var runStart, runLen uint16
	inRun := false
	cursor := base

	flush := func() {
		if inRun {
			fields = append(fields, SackField{Offset: runStart, Count: runLen})
			inRun = false
		}
	}

	// StaleList only exposes FIFO head access, so drain it directly: each
	// entry is folded into the current run (or starts a new one) and
	// released immediately. Entries beyond one frame's worth of fields are
	// left for the next pass rather than held pending.
	for {
		e, has := c.StaleQ.First()
		if !has {
			break
		}
		if e.Seq < base {
			// The list hands sequences out in ascending order; going
			// backward means its invariant broke.
			dlog.Errorf(ctx, "stale-ack %s: sequence went backward (%d < %d)", c.FlowId, e.Seq, base)
			return 0, NewError(KindFatal, "stale ack sequence went backward")
		}
		off := e.Seq - base
		if off > 0xFFFF {
			break
		}
		if inRun && e.Seq == cursor-1 {
			// Duplicate of the entry just drained; drop and continue.
			c.StaleQ.ReleaseHead()
			continue
		}
		if !inRun {
			inRun = true
			runStart = uint16(off)
			runLen = 0
		} else if e.Seq != cursor {
			flush()
			if len(fields) >= maxSackFields {
				break
			}
			inRun = true
			runStart = uint16(off)
			runLen = 0
		}
		runLen++
		cursor = e.Seq + 1
		if p, ok := e.Payload.(*PBuff); ok {
			if firstP == nil {
				firstP = p
			}
			lastP = p
		}
		c.StaleQ.ReleaseHead()
	}
	flush()
	if len(fields) == 0 {
		return 0, nil
	}

	seq, p, perr := c.TxQ.PushNext()
	if perr != nil {
		return 0, ErrTryAgain
	}
	p.Reset()
	initReverseAckFrame(c, p, base, fields)
	if firstP != nil && lastP != nil {
		p.setSackTimes(firstP, lastP)
	}
	if cerr := c.TxQ.CommitSlot(seq); cerr != nil {
		return 0, Wrap(cerr, "GenerateStaleAcks: commit")
	}
	dlog.Tracef(ctx, "stale-ack %s: base %d, %d fields", c.FlowId, base, len(fields))
	return 1, nil
}

// initReverseAckFrame lays out a SACK frame traveling back to the peer that
// sent the DAT frames it acknowledges: (dstAddr->src, srcAddr->dst,
// dstPort->src, srcPort->dst), per spec.md §4.4's "packet construction
// reverses the flow". Ethernet encap inherits the connection's vlan and
// priority, same as a DAT frame's.
func initReverseAckFrame(c *Connection, p *PBuff, base uint64, fields []SackField) {
	p.SetSrcMAC(c.FlowId.DstAddr)
	p.SetDstMAC(c.FlowId.SrcAddr)
	if c.VlanID != 0 {
		p.SetVLAN(c.VlanID, c.Priority)
	}
	p.InitAck(c.FlowId.DstPort, c.FlowId.SrcPort, base, fields)
}
