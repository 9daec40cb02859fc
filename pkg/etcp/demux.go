package etcp

import (
	"github.com/etcp-project/etcp/pkg/etcp/htable"
)

// ListenBacklog is the default depth of a LAMap's pending-accept queue.
const ListenBacklog = 16

// LAMap ("listen/accept map") is the per-destination container reached via
// State.dstMap: it owns the source-keyed table of child Connections for one
// local (addr,port), plus link options new connections inherit and a FIFO
// of connections admitted but not yet accepted by the host. Grounded on
// srcsMapNew/srcsMapDelete in etcpState.c.
type LAMap struct {
	Dest FlowId // DstAddr/DstPort populated; Src fields unused here

	conns *htable.Table // srcKey -> *Connection

	listenQ     []*Connection
	listenDepth int

	DefaultOpts ConnOptions
}

func newLAMap(destAddr uint64, destPort uint32, opts ConnOptions, depth int) *LAMap {
	if depth <= 0 {
		depth = ListenBacklog
	}
	return &LAMap{
		Dest:        FlowId{DstAddr: destAddr, DstPort: destPort},
		conns:       htable.New(4),
		listenDepth: depth,
		DefaultOpts: opts,
	}
}

// lookup finds the child Connection for a fully qualified flow, keyed by
// its (src addr, src port) half.
func (m *LAMap) lookup(key htable.Key) (*Connection, bool) {
	v, ok := m.conns.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// admit creates (or idempotently returns) the child Connection for key,
// enqueuing it on the listen queue if there is room, or returning
// ErrRejected if the backlog is full — mirroring etcpOnRxDat's "no free
// connection slot" rejection path in etcp.c.
func (m *LAMap) admit(flow FlowId, key htable.Key) (*Connection, error) {
	if c, ok := m.lookup(key); ok {
		return c, nil
	}
	if len(m.listenQ) >= m.listenDepth {
		return nil, ErrRejected
	}
	c := NewConnection(flow, m.DefaultOpts)
	m.conns.Put(key, c)
	m.listenQ = append(m.listenQ, c)
	return c, nil
}

// Accept pops the oldest not-yet-accepted Connection destined for this
// LAMap, or ok=false if none are pending.
func (m *LAMap) Accept() (*Connection, bool) {
	if len(m.listenQ) == 0 {
		return nil, false
	}
	c := m.listenQ[0]
	m.listenQ = m.listenQ[1:]
	return c, true
}

// Remove deletes a connection from this LAMap's table, mirroring
// connHTDelete's callback-driven removal in etcpState.c.
func (m *LAMap) Remove(key htable.Key) {
	m.conns.Delete(key)
}

// Len returns the number of connections currently tracked by this LAMap.
func (m *LAMap) Len() int { return m.conns.Len() }

// State is the top-level demux: a two-level lookup of dstMap -> LAMap ->
// Connection table, plus the pluggable link and TC callbacks a host wires
// in. Grounded on etcpState_t / etcpStateNew / deleteEtcpState in
// etcpState.c.
type State struct {
	dstMap *htable.Table // destKey -> *LAMap

	Link Link
	TxTC TxTC
	RxTC RxTC
}

// NewState creates an empty demux with the given link and TC policies.
// link/txTC/rxTC may be nil and set later. DoNetRx with no Link set fails:
// the resulting panic is recovered and returned as an error. DoNetTx and
// GenerateAcks take their policy as an argument, where nil means no policy:
// DoNetTx then sends only slots already set to TxNow, and GenerateAcks uses
// the full per-frame field budget.
func NewState(link Link, txTC TxTC, rxTC RxTC) *State {
	return &State{
		dstMap: htable.New(6),
		Link:   link,
		TxTC:   txTC,
		RxTC:   rxTC,
	}
}

// Listen registers a LAMap for (destAddr,destPort), creating it if absent.
// Subsequent inbound DAT frames destined there admit child connections per
// opts.
func (s *State) Listen(destAddr uint64, destPort uint32, opts ConnOptions) *LAMap {
	key := htable.Key{Hi: destAddr, Lo: uint64(destPort)}
	if v, ok := s.dstMap.Get(key); ok {
		return v.(*LAMap)
	}
	m := newLAMap(destAddr, destPort, opts, ListenBacklog)
	s.dstMap.Put(key, m)
	return m
}

// lamapFor looks up the LAMap for a destKey, without creating one.
func (s *State) lamapFor(key htable.Key) (*LAMap, bool) {
	v, ok := s.dstMap.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*LAMap), true
}

// Unlisten removes a LAMap (and every connection it still tracks) from the
// demux.
func (s *State) Unlisten(destAddr uint64, destPort uint32) {
	key := htable.Key{Hi: destAddr, Lo: uint64(destPort)}
	s.dstMap.Delete(key)
}

// Accept pops the oldest pending connection for a listening (destAddr,
// destPort), or ok=false if none is listening there or none is pending.
func (s *State) Accept(destAddr uint64, destPort uint32) (*Connection, bool) {
	key := htable.Key{Hi: destAddr, Lo: uint64(destPort)}
	m, ok := s.lamapFor(key)
	if !ok {
		return nil, false
	}
	return m.Accept()
}

// Connect directly installs a Connection for an outbound flow the host
// originates itself (as opposed to one admitted by DAT ingress into a
// LAMap's listen queue). This is how a client-side connection is created
// without waiting on an inbound frame.
func (s *State) Connect(flow FlowId, opts ConnOptions) *Connection {
	key := htable.Key{Hi: flow.DstAddr, Lo: uint64(flow.DstPort)}
	m, ok := s.lamapFor(key)
	if !ok {
		m = newLAMap(flow.DstAddr, flow.DstPort, opts, ListenBacklog)
		s.dstMap.Put(key, m)
	}
	srcKey := flow.srcKey()
	if c, ok := m.lookup(srcKey); ok {
		return c
	}
	c := NewConnection(flow, opts)
	m.conns.Put(srcKey, c)
	return c
}
