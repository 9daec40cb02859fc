package etcp

// UserTx consumes as much of data as the transmit window can hold,
// assembling one Ethernet+etcp DAT frame per txQ slot at consecutive
// sequences seqSnd, seqSnd+1, ... exactly as doEtcpUserTx does in etcp.c.
// Returns the number of bytes actually buffered; if the window fills
// mid-stream the error is ErrTryAgain and n reports the partial count.
// Every slot is written with TxState = TxRdy, leaving the send decision to
// the TC policy. The frames' Ethernet addressing and etcp ports are taken
// from c.FlowId (src -> dst, the direction data travels), never from
// caller-supplied values, so a slot's wire layout can never disagree with
// the connection it belongs to.
func UserTx(c *Connection, noAck bool, data []byte) (n int, err error) {
	for n < len(data) {
		seq, p, perr := c.TxQ.PushNext()
		if perr != nil {
			return n, ErrTryAgain
		}
		p.Reset()
		p.SetSrcMAC(c.FlowId.SrcAddr)
		p.SetDstMAC(c.FlowId.DstAddr)
		if c.VlanID != 0 {
			p.SetVLAN(c.VlanID, c.Priority)
		}
		chunk := data[n:]
		if avail := p.PayloadCapacity(); len(chunk) > avail {
			chunk = chunk[:avail]
		}
		p.InitDat(c.FlowId.SrcPort, c.FlowId.DstPort, seq, noAck, chunk)
		p.TxState = TxRdy
		if cerr := c.TxQ.CommitSlot(seq); cerr != nil {
			return n, Wrap(cerr, "UserTx: commit")
		}
		c.SeqSnd = seq + 1
		n += len(chunk)
	}
	return n, nil
}

// UserRx consumes the head of c.RxQ, copying its payload into dst and
// releasing the slot, but only once GenerateAcks has marked it AckSent:
// doEtcpUserRx in etcp.c will not hand a frame to the consumer ahead of
// acking it, since the only record of "this was delivered" is the ack
// itself. A head slot marked StaleDat is released and skipped without ever
// being surfaced. Returns ok=false if the head is not yet committed or not
// yet AckSent.
func UserRx(c *Connection, dst []byte) (n int, seq uint64, ok bool) {
	for {
		p, headSeq, ok := c.RxQ.GetNextRd()
		if !ok {
			return 0, 0, false
		}
		if p.StaleDat() {
			if err := c.RxQ.ReleaseSlot(headSeq); err != nil {
				return 0, 0, false
			}
			continue
		}
		if !p.AckSent() {
			return 0, 0, false
		}
		n = copy(dst, p.Payload())
		if err := c.RxQ.ReleaseSlot(headSeq); err != nil {
			return 0, 0, false
		}
		return n, headSeq, true
	}
}
