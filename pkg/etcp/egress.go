package etcp

import (
	"context"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
)

// DoNetTx iterates c.TxQ from rdMin over at most maxSlots slots (the whole
// window when maxSlots <= 0), applying the TC policy to each RDY slot and
// transmitting every slot the policy (or a prior pass) has set to TxNow.
// It returns the number of frames actually sent.
//
// Grounded on doEtcpNetTx in etcp.c. Per-slot sequence, matching the
// source exactly: set state back to RDY first (so a failed send leaves the
// slot eligible for a later attempt); stamp the software TX timestamp into
// the frame header before sending, on the first attempt for DAT or
// unconditionally for ACK (preserving the original RTT baseline across DAT
// retries); call the link; on failure, return ErrTryAgain immediately with
// the slot already reset to RDY. On success, stamp the hardware TX
// timestamp (first attempt/ACK, same rule), bump txAttempts for DAT, and
// release the slot if it was ACK (always) or DAT with NoAck set (no
// retransmit expected); any other DAT stays queued for retransmission until
// an ACK releases it.
func DoNetTx(ctx context.Context, c *Connection, link Link, tc TxTC, maxSlots int) (sent int, err error) {
	// The TC policy and the link are host-supplied boundary code; contain
	// their panics the way the teacher's packet pumps do.
	defer func() {
		if r := recover(); r != nil {
			perr := derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", perr)
			err = perr
		}
	}()

	seq := c.TxQ.RdMin()
	end := c.TxQ.WrMax()
	if maxSlots > 0 && seq+uint64(maxSlots) < end {
		end = seq + uint64(maxSlots)
	}
	for ; seq < end; seq++ {
		p, ok := c.TxQ.GetRd(seq)
		if !ok {
			continue
		}
		if p.TxState == TxRdy && tc != nil {
			p.TxState = tc.Decide(c, p)
		}
		switch p.TxState {
		case TxDrp:
			if err := c.TxQ.ReleaseSlot(seq); err != nil {
				return sent, Wrap(err, "DoNetTx: release dropped")
			}
			continue
		case TxNow:
			isDat := p.Type() == MsgDat
			firstAttempt := !isDat || p.TxAttempts() == 0

			p.TxState = TxRdy
			if firstAttempt {
				p.SetSwTxTime(nowNs())
			}

			hwNs, hwOK, terr := link.TxFrame(p.Frame[:p.Len])
			if terr != nil {
				return sent, ErrTryAgain
			}
			if firstAttempt && hwOK {
				p.SetHwTxTime(hwNs)
			}
			sent++

			if isDat {
				p.IncTxAttempts()
				if p.NoAck() {
					if err := c.TxQ.ReleaseSlot(seq); err != nil {
						return sent, Wrap(err, "DoNetTx: release noack")
					}
				}
			} else {
				if err := c.TxQ.ReleaseSlot(seq); err != nil {
					return sent, Wrap(err, "DoNetTx: release ack")
				}
			}
		default: // TxRdy awaiting a TC decision, nothing to do yet
		}
	}
	return sent, nil
}

// DoNetRx pulls one frame off link (if any is available) and feeds it
// through State.OnRxFrame. ErrTryAgain means no frame was waiting; the
// caller should simply invoke it again next pump cycle rather than
// treating it as a fault (doEtcpNetRx never blocks, per spec.md §5).
func (s *State) DoNetRx(ctx context.Context, scratch *PBuff, buf []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", perr)
			err = perr
		}
	}()

	n, hwNs, hwOK, err := s.Link.RxFrame(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTryAgain
	}
	return s.OnRxFrame(ctx, buf[:n], hwNs, hwOK, scratch)
}
