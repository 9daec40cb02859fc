package etcp

import "encoding/binary"

// MaxFrame is the largest frame (Ethernet header through payload) a PBuff
// can hold. It covers a standard 1500-byte MTU plus the Ethernet and
// optional VLAN headers.
const MaxFrame = 1518

// TxState drives the egress pump's per-slot decision (spec.md §4.5). The
// core only ever writes RDY (on a freshly filled slot, and NOW -> RDY before
// each send attempt) and acts on NOW and DRP; the pluggable TC policy is the
// sole source of RDY -> NOW and RDY -> DRP transitions.
type TxState uint8

const (
	// TxRdy means the slot holds a frame ready to send, pending a TC
	// decision.
	TxRdy TxState = iota
	// TxNow means the TC policy has cleared this slot for immediate send.
	TxNow
	// TxDrp means the slot must not be sent (e.g. the connection is gone).
	TxDrp
)

// PBuff is a reusable packet-buffer descriptor: a fixed backing byte array
// plus precomputed offsets into its Ethernet/VLAN/etcp headers and payload.
// One PBuff is allocated per CircularQueue slot at connection setup and
// repopulated in place on every push, so steady-state operation performs no
// allocation (spec.md §9). Timestamps and the DAT flag bits live inside the
// backing frame's wire headers (see headers.go), not in this struct; only
// TxState, which never goes on the wire, is host-side.
type PBuff struct {
	Frame []byte // backing storage, length MaxFrame, never reallocated
	Len   int    // bytes actually in use within Frame

	vlanPresent bool

	// TxState is valid only for frames sitting in a tx queue.
	TxState TxState
}

// NewPBuff allocates one zeroed PBuff with its backing frame sized to
// MaxFrame. Intended to be used as the initFn passed to cq.New.
func NewPBuff() *PBuff {
	return &PBuff{Frame: make([]byte, MaxFrame)}
}

// Reset clears a PBuff for reuse without reallocating its backing array.
func (p *PBuff) Reset() {
	p.Len = 0
	p.vlanPresent = false
	p.TxState = TxRdy
}

// Clone returns an independent copy of p, backing frame included. Used when
// a frame must outlive the caller's scratch buffer, e.g. a stale DAT being
// parked on a connection's StaleQ.
func (p *PBuff) Clone() *PBuff {
	c := NewPBuff()
	c.Len = copy(c.Frame, p.Frame[:p.Len])
	c.vlanPresent = p.vlanPresent
	c.TxState = p.TxState
	return c
}

// --- Ethernet header -------------------------------------------------

func (p *PBuff) DstMAC() uint64 { return macFrom(p.Frame[0:6]) }
func (p *PBuff) SrcMAC() uint64 { return macFrom(p.Frame[6:12]) }

func (p *PBuff) SetDstMAC(addr uint64) { macTo(p.Frame[0:6], addr) }
func (p *PBuff) SetSrcMAC(addr uint64) { macTo(p.Frame[6:12], addr) }

func macFrom(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func macTo(b []byte, addr uint64) {
	for i := 5; i >= 0; i-- {
		b[i] = byte(addr)
		addr >>= 8
	}
}

// etherTypeOff returns the offset of the EtherType field, past the VLAN TCI
// when one is present.
func (p *PBuff) etherTypeOff() int {
	if p.vlanPresent {
		return 12 + 4 // skip TPID + TCI
	}
	return 12
}

// HasVLAN reports whether this frame carries an 802.1Q tag.
func (p *PBuff) HasVLAN() bool { return p.vlanPresent }

// SetVLAN writes an 802.1Q tag with the given VLAN id (12 bits) and
// priority (3 bits) ahead of the inner EtherType. Must be called before
// the msgHead/datHdr/sackHdr offsets are used.
func (p *PBuff) SetVLAN(vlanID uint16, priority uint8) {
	p.vlanPresent = true
	binary.BigEndian.PutUint16(p.Frame[12:14], EtherTypeVLAN)
	tci := (uint16(priority&0x7) << 13) | (vlanID & 0x0FFF)
	binary.BigEndian.PutUint16(p.Frame[14:16], tci)
}

// ClearVLAN drops any VLAN tag from this frame's layout.
func (p *PBuff) ClearVLAN() { p.vlanPresent = false }

// VLANID and VLANPriority read back a previously parsed/set 802.1Q tag.
// Only meaningful when HasVLAN() is true.
func (p *PBuff) VLANID() uint16 {
	tci := binary.BigEndian.Uint16(p.Frame[14:16])
	return tci & 0x0FFF
}

func (p *PBuff) VLANPriority() uint8 {
	tci := binary.BigEndian.Uint16(p.Frame[14:16])
	return uint8(tci >> 13)
}

func (p *PBuff) setEtherType(et uint16) {
	off := p.etherTypeOff()
	binary.BigEndian.PutUint16(p.Frame[off:off+2], et)
}

func (p *PBuff) etherType() uint16 {
	off := p.etherTypeOff()
	return binary.BigEndian.Uint16(p.Frame[off : off+2])
}

// --- etcp headers ------------------------------------------------------

func (p *PBuff) headOff() int { return p.etherTypeOff() + 2 }

func (p *PBuff) head() msgHead {
	off := p.headOff()
	return msgHead(p.Frame[off : off+msgHeadLen])
}

// Type returns the etcp message type, valid only once the Ethernet/etcp
// headers have been populated (InitDat/InitAck) or parsed (ParseFrame).
func (p *PBuff) Type() MsgType { return p.head().msgType() }

func (p *PBuff) dat() datHdr {
	off := p.headOff() + msgHeadLen
	return datHdr(p.Frame[off : off+datHdrLen])
}

func (p *PBuff) sack() sackHdr {
	off := p.headOff() + msgHeadLen
	return sackHdr(p.Frame[off : off+sackHdrLen])
}

func (p *PBuff) sackFieldsOff() int { return p.headOff() + msgHeadLen + sackHdrLen }

// Payload returns the mutable DAT payload region sized to datHdr.datLen().
func (p *PBuff) Payload() []byte {
	off := p.headOff() + msgHeadLen + datHdrLen
	n := int(p.dat().datLen())
	return p.Frame[off : off+n]
}

// PayloadCapacity returns how many payload bytes one DAT frame can carry
// given this PBuff's current encapsulation (VLAN or not). Callers that tag
// the frame must SetVLAN before consulting it.
func (p *PBuff) PayloadCapacity() int {
	return len(p.Frame) - (p.headOff() + msgHeadLen + datHdrLen)
}

// --- timestamps --------------------------------------------------------

// The four on-wire timestamps of the msgHead block. Each getter reports
// ok=false until the corresponding setter has stamped the frame (the
// validity word doubles as the "hardware timestamp unavailable" sentinel).

func (p *PBuff) HwRxTime() (int64, bool) { return p.head().ts().get(tsHwRx) }
func (p *PBuff) SwRxTime() (int64, bool) { return p.head().ts().get(tsSwRx) }
func (p *PBuff) HwTxTime() (int64, bool) { return p.head().ts().get(tsHwTx) }
func (p *PBuff) SwTxTime() (int64, bool) { return p.head().ts().get(tsSwTx) }

func (p *PBuff) SetHwRxTime(ns int64) { p.head().ts().set(tsHwRx, ns) }
func (p *PBuff) SetSwRxTime(ns int64) { p.head().ts().set(tsSwRx, ns) }
func (p *PBuff) SetHwTxTime(ns int64) { p.head().ts().set(tsHwTx, ns) }
func (p *PBuff) SetSwTxTime(ns int64) { p.head().ts().set(tsSwTx, ns) }

// --- frame construction ------------------------------------------------

// InitDat lays out a fresh DAT frame: Ethernet header, optional VLAN (if
// SetVLAN was already called), msgHead, datHdr, and a payload region of
// exactly len(payload) bytes copied in. Returns the truncated length
// actually copied if payload exceeds the available frame capacity, never
// erroring: truncation here is a caller-observable length mismatch, not a
// fault condition.
func (p *PBuff) InitDat(srcPort, dstPort uint32, seq uint64, noAck bool, payload []byte) int {
	h := p.head()
	h.setMagic()
	h.setVersion()
	h.setMsgType(MsgDat)
	h.setSrcPort(srcPort)
	h.setDstPort(dstPort)
	h.ts().clear()
	p.setEtherType(EtherTypeEtcp)

	d := p.dat()
	d.setSeqNum(seq)
	d.setTxAttempts(0)
	d[20] = 0
	d.setFlag(flagNoAck, noAck)

	payloadOff := p.headOff() + msgHeadLen + datHdrLen
	avail := len(p.Frame) - payloadOff
	n := len(payload)
	if n > avail {
		n = avail
	}
	copy(p.Frame[payloadOff:payloadOff+n], payload[:n])
	d.setDatLen(uint64(n))

	p.Len = payloadOff + n
	return n
}

// InitAck lays out a fresh ACK (SACK) frame with baseSeq and up to
// maxSackFields fields. Fields beyond maxSackFields are silently dropped
// here (sack.go enforces the flush boundary before ever calling this). timeFirst/timeLast start zeroed; setSackTimes fills them from the
// acked DAT frames.
func (p *PBuff) InitAck(srcPort, dstPort uint32, baseSeq uint64, fields []SackField) {
	h := p.head()
	h.setMagic()
	h.setVersion()
	h.setMsgType(MsgAck)
	h.setSrcPort(srcPort)
	h.setDstPort(dstPort)
	h.ts().clear()
	p.setEtherType(EtherTypeEtcp)

	s := p.sack()
	s.setBaseSeq(baseSeq)
	s.timeFirst().clear()
	s.timeLast().clear()
	n := len(fields)
	if n > maxSackFields {
		n = maxSackFields
	}
	s.setFieldCount(uint16(n))

	fieldsOff := p.sackFieldsOff()
	for i := 0; i < n; i++ {
		putSackFieldAt(p.Frame[fieldsOff:], i, fields[i])
	}
	p.Len = fieldsOff + n*sackFieldLen
}

// setSackTimes copies the full timestamp blocks of the first and last DAT
// frame this SACK acknowledges into its timeFirst/timeLast fields, so the
// original sender can run RTT math against the receiver's stamps.
func (p *PBuff) setSackTimes(first, last *PBuff) {
	s := p.sack()
	copy(s.timeFirst(), first.head().ts()[:tsBlockLen])
	copy(s.timeLast(), last.head().ts()[:tsBlockLen])
}

// SackFields returns the parsed SACK fields of an ACK frame.
func (p *PBuff) SackFields() []SackField {
	n := int(p.sack().fieldCount())
	fieldsOff := p.sackFieldsOff()
	out := make([]SackField, n)
	for i := 0; i < n; i++ {
		out[i] = sackFieldAt(p.Frame[fieldsOff:], i)
	}
	return out
}

// BaseSeq returns an ACK frame's SACK base sequence.
func (p *PBuff) BaseSeq() uint64 { return p.sack().baseSeq() }

// SeqNum returns a DAT frame's sequence number.
func (p *PBuff) SeqNum() uint64 { return p.dat().seqNum() }

// NoAck reports a DAT frame's noAck flag: the sender asks for this frame
// not to be acknowledged (and won't retransmit it).
func (p *PBuff) NoAck() bool { return p.dat().flag(flagNoAck) }

// NoRet reports a DAT frame's noRet flag (sender will not retransmit even
// if unacked).
func (p *PBuff) NoRet() bool { return p.dat().flag(flagNoRet) }

// StaleDat marks/reports a DAT frame that arrived below the receive window
// and was parked for re-acknowledgement rather than delivery.
func (p *PBuff) StaleDat() bool     { return p.dat().flag(flagStaleDat) }
func (p *PBuff) SetStaleDat(v bool) { p.dat().setFlag(flagStaleDat, v) }

// AckSent marks/reports that GenerateAcks has folded this received DAT into
// an emitted SACK frame (or exempted it via NoAck). UserRx will not hand a
// slot to the consumer until this is set.
func (p *PBuff) AckSent() bool     { return p.dat().flag(flagAckSent) }
func (p *PBuff) SetAckSent(v bool) { p.dat().setFlag(flagAckSent, v) }

// TxAttempts returns a DAT frame's transmit attempt counter.
func (p *PBuff) TxAttempts() uint32 { return p.dat().txAttempts() }

// IncTxAttempts bumps a DAT frame's transmit attempt counter.
func (p *PBuff) IncTxAttempts() { d := p.dat(); d.setTxAttempts(d.txAttempts() + 1) }

// SrcPort and DstPort read the common msgHead fields, valid for both DAT
// and ACK frames.
func (p *PBuff) SrcPort() uint32 { return p.head().srcPort() }
func (p *PBuff) DstPort() uint32 { return p.head().dstPort() }

// ParseFrame interprets raw on-wire bytes (as handed up by a Link's RX
// path) into this PBuff's layout, detecting an optional VLAN tag by
// inspecting the EtherType immediately after the MAC addresses. Returns
// ErrBadPacket if the frame is shorter than a minimal Ethernet frame, or
// its magic/EtherType/type don't match etcp.
func (p *PBuff) ParseFrame(raw []byte) error {
	if len(raw) < ethHeaderLen+ethFCSLen || len(raw) < ethHeaderLen+msgHeadLen {
		return ErrBadPacket
	}
	n := copy(p.Frame, raw)
	p.Len = n

	outerType := binary.BigEndian.Uint16(p.Frame[12:14])
	p.vlanPresent = outerType == EtherTypeVLAN
	if p.vlanPresent && len(raw) < ethHeaderLen+vlanTagLen+msgHeadLen {
		return ErrBadPacket
	}

	if p.etherType() != EtherTypeEtcp {
		return ErrBadPacket
	}
	h := p.head()
	if !h.valid() || h.version() != wireVersion {
		return ErrBadPacket
	}
	switch h.msgType() {
	case MsgDat:
		if p.headOff()+msgHeadLen+datHdrLen > p.Len {
			return ErrBadPacket
		}
	case MsgAck:
		if p.headOff()+msgHeadLen+sackHdrLen > p.Len {
			return ErrBadPacket
		}
	case MsgFin:
		// Parsed but functionally unimplemented; ingress drops it.
	default:
		return ErrBadPacket
	}
	return nil
}
