package etcp

import "encoding/binary"

// Wire constants. EtherTypeEtcp is the EtherType carried by every etcp
// frame; EtherTypeVLAN is the 802.1Q tag EtherType that may precede it.
const (
	EtherTypeEtcp = 0x8888
	EtherTypeVLAN = 0x8100

	magic        = 0xE7C9
	wireVersion  = 1
	ethHeaderLen = 14 // dst(6) + src(6) + etherType(2)
	ethFCSLen    = 4
	vlanTagLen   = 4 // TCI(2) + etherType(2)

	// tsBlockLen is the timestamp block carried in every msgHead: four
	// stamps (hwRx, swRx, hwTx, swTx), each a nanosecond value plus a
	// validity word.
	tsBlockLen = 4 * tsStampLen
	tsStampLen = 12 // ns(8) + valid(4)

	msgHeadLen    = 12 + tsBlockLen          // magic..dstPort + timestamps
	datHdrLen     = 21                       // seqNum + datLen + txAttempts + flags
	sackHdrLen    = 8 + 2 + 2*tsBlockLen + 2 // baseSeq + count + timeFirst/timeLast + pad
	sackFieldLen  = 4
	maxSackFields = 16
)

// MsgType distinguishes the etcp frame types on the wire. FIN is parsed but
// its teardown semantics are unimplemented; ingress drops it (connection
// teardown is host-driven close only).
type MsgType uint8

const (
	MsgDat MsgType = 1
	MsgAck MsgType = 2
	MsgFin MsgType = 3
)

// tsStamp indices into a msgHead timestamp block.
const (
	tsHwRx = iota
	tsSwRx
	tsHwTx
	tsSwTx
)

// tsBlock is the 48-byte on-wire timestamp block: hwRx, swRx, hwTx, swTx in
// order, each {ns: i64, valid: u32} little-endian. A stamp is meaningful
// only when its validity word is nonzero.
type tsBlock []byte

func (b tsBlock) get(i int) (ns int64, ok bool) {
	off := i * tsStampLen
	ns = int64(binary.LittleEndian.Uint64(b[off : off+8]))
	ok = binary.LittleEndian.Uint32(b[off+8:off+12]) != 0
	return ns, ok
}

func (b tsBlock) set(i int, ns int64) {
	off := i * tsStampLen
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(ns))
	binary.LittleEndian.PutUint32(b[off+8:off+12], 1)
}

func (b tsBlock) clear() {
	for i := range b[:tsBlockLen] {
		b[i] = 0
	}
}

// msgHead is the fixed header common to every etcp message, immediately
// following the Ethernet (and optional VLAN) header. Grounded on the
// etcpMsgHead layout in the original etcp.c; re-expressed with explicit
// little-endian accessors in the teacher's tcpHdr style
// (pkg/vif/tcp/handler.go) rather than struct overlay, since Go gives no
// portable guarantee of in-memory layout.
//
// Wire layout (60 bytes):
//
//	0:2   magic
//	2:3   version
//	3:4   msgType
//	4:8   srcPort
//	8:12  dstPort
//	12:60 timestamp block (hwRx, swRx, hwTx, swTx)
type msgHead []byte

func (h msgHead) magic() uint16    { return binary.LittleEndian.Uint16(h[0:2]) }
func (h msgHead) setMagic()        { binary.LittleEndian.PutUint16(h[0:2], magic) }
func (h msgHead) version() uint8   { return h[2] }
func (h msgHead) setVersion()      { h[2] = wireVersion }
func (h msgHead) msgType() MsgType { return MsgType(h[3]) }
func (h msgHead) setMsgType(t MsgType) {
	h[3] = uint8(t)
}
func (h msgHead) srcPort() uint32     { return binary.LittleEndian.Uint32(h[4:8]) }
func (h msgHead) setSrcPort(p uint32) { binary.LittleEndian.PutUint32(h[4:8], p) }
func (h msgHead) dstPort() uint32     { return binary.LittleEndian.Uint32(h[8:12]) }
func (h msgHead) setDstPort(p uint32) { binary.LittleEndian.PutUint32(h[8:12], p) }
func (h msgHead) ts() tsBlock         { return tsBlock(h[12 : 12+tsBlockLen]) }
func (h msgHead) valid() bool         { return len(h) >= msgHeadLen && h.magic() == magic }

// datHdr follows msgHead in a DAT frame (21 bytes):
//
//	0:8   seqNum
//	8:16  datLen
//	16:20 txAttempts
//	20:21 flags
type datHdr []byte

const (
	flagNoAck    = 1 << 0
	flagNoRet    = 1 << 1
	flagStaleDat = 1 << 2
	flagAckSent  = 1 << 3
)

func (h datHdr) seqNum() uint64        { return binary.LittleEndian.Uint64(h[0:8]) }
func (h datHdr) setSeqNum(s uint64)    { binary.LittleEndian.PutUint64(h[0:8], s) }
func (h datHdr) datLen() uint64        { return binary.LittleEndian.Uint64(h[8:16]) }
func (h datHdr) setDatLen(l uint64)    { binary.LittleEndian.PutUint64(h[8:16], l) }
func (h datHdr) txAttempts() uint32    { return binary.LittleEndian.Uint32(h[16:20]) }
func (h datHdr) setTxAttempts(n uint32) {
	binary.LittleEndian.PutUint32(h[16:20], n)
}
func (h datHdr) flag(bit uint8) bool { return h[20]&bit != 0 }
func (h datHdr) setFlag(bit uint8, v bool) {
	if v {
		h[20] |= bit
	} else {
		h[20] &^= bit
	}
}

// sackHdr follows msgHead in an ACK frame (108 bytes, plus up to
// maxSackFields sackField entries). timeFirst/timeLast are the full
// timestamp blocks of the first and last DAT frame this SACK acknowledges,
// carried so the sender can do its own RTT math off the receiver's view.
//
//	0:8     baseSeq
//	8:10    fieldCount
//	10:58   timeFirst
//	58:106  timeLast
//	106:108 reserved
type sackHdr []byte

func (h sackHdr) baseSeq() uint64     { return binary.LittleEndian.Uint64(h[0:8]) }
func (h sackHdr) setBaseSeq(s uint64) { binary.LittleEndian.PutUint64(h[0:8], s) }
func (h sackHdr) fieldCount() uint16  { return binary.LittleEndian.Uint16(h[8:10]) }
func (h sackHdr) setFieldCount(n uint16) {
	binary.LittleEndian.PutUint16(h[8:10], n)
}
func (h sackHdr) timeFirst() tsBlock { return tsBlock(h[10 : 10+tsBlockLen]) }
func (h sackHdr) timeLast() tsBlock  { return tsBlock(h[10+tsBlockLen : 10+2*tsBlockLen]) }

// SackField is one coalesced (offset, count) run relative to a SACK
// header's baseSeq: the run covers [baseSeq+offset, baseSeq+offset+count).
type SackField struct {
	Offset uint16
	Count  uint16
}

func sackFieldAt(buf []byte, i int) SackField {
	off := i * sackFieldLen
	return SackField{
		Offset: binary.LittleEndian.Uint16(buf[off : off+2]),
		Count:  binary.LittleEndian.Uint16(buf[off+2 : off+4]),
	}
}

func putSackFieldAt(buf []byte, i int, f SackField) {
	off := i * sackFieldLen
	binary.LittleEndian.PutUint16(buf[off:off+2], f.Offset)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], f.Count)
}
