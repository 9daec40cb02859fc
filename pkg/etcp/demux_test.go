package etcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDatIngressAdmitsConnectionIntoListenQueue: the first DAT for a
// listening destination creates the connection and makes it visible to
// Accept; a second DAT reuses it.
func TestDatIngressAdmitsConnectionIntoListenQueue(t *testing.T) {
	ctx := testContext(t)
	st := NewState(nil, nil, nil)
	opts := ConnOptions{RxSlotsLog2: 4, TxSlotsLog2: 4}
	st.Listen(serverAddr, serverPort, opts)

	dat := func(seq uint64) *PBuff {
		p := NewPBuff()
		p.SetSrcMAC(clientAddr)
		p.SetDstMAC(serverAddr)
		p.InitDat(clientPort, serverPort, seq, false, []byte{byte(seq)})
		return p
	}

	first := dat(0)
	require.NoError(t, st.OnRxFrame(ctx, first.Frame[:first.Len], 0, false, NewPBuff()))

	c, ok := st.Accept(serverAddr, serverPort)
	require.True(t, ok)
	assert.Equal(t, testFlow(), c.FlowId)
	assert.True(t, c.RxQ.IsCommitted(0))

	_, ok = st.Accept(serverAddr, serverPort)
	assert.False(t, ok, "only one pending connection")

	second := dat(1)
	require.NoError(t, st.OnRxFrame(ctx, second.Frame[:second.Len], 0, false, NewPBuff()))
	assert.True(t, c.RxQ.IsCommitted(1), "second DAT lands on the same connection")
	_, ok = st.Accept(serverAddr, serverPort)
	assert.False(t, ok, "an existing connection is not re-admitted")
}

// TestDatIngressWithoutListenerIsRejected: no LAMap for the destination
// means EREJCONN, and nothing is created.
func TestDatIngressWithoutListenerIsRejected(t *testing.T) {
	ctx := testContext(t)
	st := NewState(nil, nil, nil)

	p := NewPBuff()
	p.SetSrcMAC(clientAddr)
	p.SetDstMAC(serverAddr)
	p.InitDat(clientPort, serverPort, 0, false, []byte{1})

	err := st.OnRxFrame(ctx, p.Frame[:p.Len], 0, false, NewPBuff())
	assert.ErrorIs(t, err, ErrRejected)
}

// TestListenBacklogCapsAdmission: once listenQ is full, further unknown
// sources are rejected until Accept drains it.
func TestListenBacklogCapsAdmission(t *testing.T) {
	ctx := testContext(t)
	st := NewState(nil, nil, nil)
	opts := ConnOptions{RxSlotsLog2: 2, TxSlotsLog2: 2}
	st.Listen(serverAddr, serverPort, opts)

	send := func(srcPort uint32) error {
		p := NewPBuff()
		p.SetSrcMAC(clientAddr)
		p.SetDstMAC(serverAddr)
		p.InitDat(srcPort, serverPort, 0, false, []byte{1})
		return st.OnRxFrame(ctx, p.Frame[:p.Len], 0, false, NewPBuff())
	}

	for i := 0; i < ListenBacklog; i++ {
		require.NoError(t, send(uint32(100+i)))
	}
	assert.ErrorIs(t, send(9999), ErrRejected)

	_, ok := st.Accept(serverAddr, serverPort)
	require.True(t, ok)
	assert.NoError(t, send(9999), "room again once an accept drained the backlog")
}

// TestConnectInstallsClientConnection: an outbound Connect is immediately
// routable for ACK ingress without ever passing the listen queue.
func TestConnectInstallsClientConnection(t *testing.T) {
	st := NewState(nil, nil, nil)
	opts := ConnOptions{RxSlotsLog2: 4, TxSlotsLog2: 4}

	c := st.Connect(testFlow(), opts)
	require.NotNil(t, c)
	assert.Same(t, c, st.Connect(testFlow(), opts), "connect is idempotent per flow")

	_, ok := st.Accept(serverAddr, serverPort)
	assert.False(t, ok, "client-originated connections never appear in the listen queue")
}

// TestUnlistenRemovesDestination: after Unlisten, inbound DAT frames for
// that destination are rejected again.
func TestUnlistenRemovesDestination(t *testing.T) {
	ctx := testContext(t)
	st := NewState(nil, nil, nil)
	st.Listen(serverAddr, serverPort, ConnOptions{RxSlotsLog2: 2, TxSlotsLog2: 2})
	st.Unlisten(serverAddr, serverPort)

	p := NewPBuff()
	p.SetSrcMAC(clientAddr)
	p.SetDstMAC(serverAddr)
	p.InitDat(clientPort, serverPort, 0, false, []byte{1})
	assert.ErrorIs(t, st.OnRxFrame(ctx, p.Frame[:p.Len], 0, false, NewPBuff()), ErrRejected)
}

// TestRemoveDropsConnectionFromLAMap: a removed connection stops receiving
// frames; the next DAT from that source admits a brand new one.
func TestRemoveDropsConnectionFromLAMap(t *testing.T) {
	ctx := testContext(t)
	st := NewState(nil, nil, nil)
	opts := ConnOptions{RxSlotsLog2: 4, TxSlotsLog2: 4}
	m := st.Listen(serverAddr, serverPort, opts)

	p := NewPBuff()
	p.SetSrcMAC(clientAddr)
	p.SetDstMAC(serverAddr)
	p.InitDat(clientPort, serverPort, 0, false, []byte{1})
	require.NoError(t, st.OnRxFrame(ctx, p.Frame[:p.Len], 0, false, NewPBuff()))
	old, ok := st.Accept(serverAddr, serverPort)
	require.True(t, ok)
	old.Close()
	m.Remove(old.FlowId.srcKey())
	assert.Equal(t, 0, m.Len())

	require.NoError(t, st.OnRxFrame(ctx, p.Frame[:p.Len], 0, false, NewPBuff()))
	replacement, ok := st.Accept(serverAddr, serverPort)
	require.True(t, ok)
	assert.NotSame(t, old, replacement)
	assert.Equal(t, ConnClosed, old.State)
	assert.Equal(t, ConnOpen, replacement.State)
}
