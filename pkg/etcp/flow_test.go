package etcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowReversedSwapsSrcAndDst(t *testing.T) {
	f := FlowId{SrcAddr: 1, SrcPort: 10, DstAddr: 2, DstPort: 20}
	r := f.Reversed()
	assert.Equal(t, f.DstAddr, r.SrcAddr)
	assert.Equal(t, f.DstPort, r.SrcPort)
	assert.Equal(t, f.SrcAddr, r.DstAddr)
	assert.Equal(t, f.SrcPort, r.DstPort)
}

func TestDatAndAckKeyAsymmetry(t *testing.T) {
	// A DAT frame from (srcAddr,srcPort) to (dstAddr,dstPort) demuxes via
	// destKey (the dst half) then srcKey (the src half) directly.
	f := FlowId{SrcAddr: 1, SrcPort: 10, DstAddr: 2, DstPort: 20}
	datDestKey := f.destKey()
	datSrcKey := f.srcKey()

	// The SACK acknowledging that DAT travels src<-dst (wire-level src/dst
	// are swapped), so its ingress must reverse the flow before building
	// keys, landing back on the same (destKey, srcKey) pair the original
	// DAT used.
	ackFlow := FlowId{SrcAddr: f.DstAddr, SrcPort: f.DstPort, DstAddr: f.SrcAddr, DstPort: f.SrcPort}
	ackRev := ackFlow.Reversed()

	assert.Equal(t, datDestKey, ackRev.destKey())
	assert.Equal(t, datSrcKey, ackRev.srcKey())
}
