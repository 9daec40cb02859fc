package etcp

// Link is the pluggable framed-transport boundary: something that can
// transmit a raw Ethernet frame and receive one, optionally reporting
// hardware timestamps on both directions. Concrete implementations live
// under pkg/etcp/link (an in-memory loopback pair for tests) and
// pkg/etcp/link/pcaplink (a real NIC via gopacket/pcap).
type Link interface {
	// TxFrame sends frame as-is (the caller has already built the full
	// Ethernet/VLAN/etcp layout into it). It returns a hardware transmit
	// timestamp in nanoseconds since the Unix epoch when the underlying
	// link supports it, hwOK=false otherwise.
	TxFrame(frame []byte) (hwTxNs int64, hwOK bool, err error)

	// RxFrame reads the next available frame into buf, returning the
	// number of bytes written and the frame's hardware receive timestamp
	// when the link has one. n == 0 (or ErrTryAgain via the etcp.Kind
	// taxonomy) means no frame is currently available and the host should
	// poll again later — doNetRx never blocks.
	RxFrame(buf []byte) (n int, hwRxNs int64, hwOK bool, err error)
}
