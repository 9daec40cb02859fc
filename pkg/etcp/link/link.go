// Package link provides concrete etcp.Link implementations. Loopback is an
// in-memory pair useful for tests and the cmd/etcpcat example driver;
// pkg/etcp/link/pcaplink wires a real NIC through gopacket/pcap.
package link

import (
	"time"

	"github.com/etcp-project/etcp/pkg/etcp"
)

// Loopback is a single-process, in-memory Link: frames written with
// TxFrame land in an internal queue that RxFrame on the *paired* Loopback
// drains. It reports the software clock as both hardware timestamps, so a
// full send/ack round trip exercises the same stamping paths a
// timestamping NIC would, without real hardware.
type Loopback struct {
	peer  *Loopback
	inbox [][]byte
}

// NewLoopbackPair returns two Loopbacks wired to each other: frames sent on
// a arrive on b's RxFrame, and vice versa.
func NewLoopbackPair() (a, b *Loopback) {
	a = &Loopback{}
	b = &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) TxFrame(frame []byte) (hwTxNs int64, hwOK bool, err error) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	l.peer.inbox = append(l.peer.inbox, cp)
	return time.Now().UnixNano(), true, nil
}

func (l *Loopback) RxFrame(buf []byte) (n int, hwRxNs int64, hwOK bool, err error) {
	if len(l.inbox) == 0 {
		return 0, 0, false, etcp.ErrTryAgain
	}
	next := l.inbox[0]
	l.inbox = l.inbox[1:]
	return copy(buf, next), time.Now().UnixNano(), true, nil
}

var _ etcp.Link = (*Loopback)(nil)
