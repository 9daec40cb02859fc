// Package cq implements the CircularQueue (CQ): a fixed-capacity,
// sequence-indexed slot ring with commit/release semantics (spec.md §4.1).
// A slot at sequence s always lives at index s mod slotCount. The queue is
// single-producer/single-consumer; external serialization across goroutines
// is the caller's duty (spec.md §5).
//
// Grounded on the cqPush/cqPushNext/cqCommitSlot/cqGetRd/cqGetNextRd/
// cqReleaseSlot contract in the original etcp.c, and on the slot-reuse idiom
// in the teacher's ackWaitQueue/oooQueue linked lists
// (pkg/vif/tcp/handler.go) generalized into a real ring instead of a list.
package cq

import "errors"

// ErrNoSlot is returned when no writable slot exists: the ring is full, or
// the requested sequence falls outside the current window.
var ErrNoSlot = errors.New("cq: no slot available")

// ErrWrongSlot is returned when an operation addresses a slot that is not
// in the state the operation requires (e.g. committing an unprepared slot,
// releasing an uncommitted one, or committing/releasing a slot whose
// recorded sequence doesn't match the address). Reads (GetRd, GetNextRd)
// report such slots with ok=false instead.
var ErrWrongSlot = errors.New("cq: wrong slot")

type state uint8

const (
	stateUnused state = iota
	statePrepared
	stateCommitted
	stateReleased
)

type entry[T any] struct {
	state state
	seq   uint64
	value T
}

// Queue is a CircularQueue of slotCount == 2^slotCountLog2 fixed slots, each
// holding a T (typically a *etcp.PBuff). The backing T values are allocated
// once at construction via initFn and reused in place for the life of the
// queue, preserving the zero-allocation steady state spec.md §9 calls for.
type Queue[T any] struct {
	slots     []entry[T]
	slotCount uint64
	rdMin     uint64
	wrNext    uint64
	committed int
}

// New creates a Queue with 2^slotCountLog2 slots. initFn is called once per
// slot to produce the reusable backing value; pass a function returning a
// preallocated struct (e.g. a *PBuff with its frame buffer already sized).
func New[T any](slotCountLog2 uint, initFn func() T) *Queue[T] {
	n := uint64(1) << slotCountLog2
	q := &Queue[T]{
		slots:     make([]entry[T], n),
		slotCount: n,
	}
	if initFn != nil {
		for i := range q.slots {
			q.slots[i].value = initFn()
		}
	}
	return q
}

// SlotCount returns the fixed number of slots in the ring.
func (q *Queue[T]) SlotCount() uint64 { return q.slotCount }

// RdMin returns the lowest sequence still live (readable or awaiting).
func (q *Queue[T]) RdMin() uint64 { return q.rdMin }

// WrMax returns one past the highest admissible sequence: rdMin + slotCount.
func (q *Queue[T]) WrMax() uint64 { return q.rdMin + q.slotCount }

// Readable reports whether any slot currently holds committed (unreleased)
// data.
func (q *Queue[T]) Readable() bool { return q.committed > 0 }

// Committed returns how many slots currently hold committed, unreleased
// data.
func (q *Queue[T]) Committed() int { return q.committed }

func (q *Queue[T]) idx(seq uint64) uint64 { return seq % q.slotCount }

// PushNext allocates the next monotonically advancing write slot and
// returns its sequence number and the (reused) backing value to populate.
// The slot is prepared but not yet visible to readers until CommitSlot is
// called.
func (q *Queue[T]) PushNext() (seq uint64, value T, err error) {
	if q.wrNext >= q.WrMax() {
		var zero T
		return 0, zero, ErrNoSlot
	}
	seq = q.wrNext
	idx := q.idx(seq)
	s := &q.slots[idx]
	s.state = statePrepared
	s.seq = seq
	q.wrNext++
	return seq, s.value, nil
}

// Push addresses a specific sequence within [rdMin, wrMax), preparing its
// slot for write without advancing the monotonic PushNext cursor past it
// unless necessary. Used when the sequence is dictated by an incoming frame
// (DAT ingress) rather than chosen by the local sender.
func (q *Queue[T]) Push(seq uint64) (value T, err error) {
	if seq < q.rdMin || seq >= q.WrMax() {
		var zero T
		return zero, ErrNoSlot
	}
	idx := q.idx(seq)
	s := &q.slots[idx]
	s.state = statePrepared
	s.seq = seq
	if seq >= q.wrNext {
		q.wrNext = seq + 1
	}
	return s.value, nil
}

// CommitSlot finalizes a prepared slot at seq, exposing it to readers.
// Committing an already-committed slot at the same seq is idempotent (the
// prior copy wins, per the DAT-ingress duplicate-commit rule in spec.md
// §4.3.1).
func (q *Queue[T]) CommitSlot(seq uint64) error {
	if seq < q.rdMin || seq >= q.WrMax() {
		return ErrWrongSlot
	}
	idx := q.idx(seq)
	s := &q.slots[idx]
	if s.seq != seq || (s.state != statePrepared && s.state != stateCommitted) {
		return ErrWrongSlot
	}
	if s.state != stateCommitted {
		s.state = stateCommitted
		q.committed++
	}
	return nil
}

// GetRd returns the value committed at seq, if any.
func (q *Queue[T]) GetRd(seq uint64) (value T, ok bool) {
	if seq < q.rdMin || seq >= q.WrMax() {
		var zero T
		return zero, false
	}
	idx := q.idx(seq)
	s := &q.slots[idx]
	if s.seq != seq || s.state != stateCommitted {
		var zero T
		return zero, false
	}
	return s.value, true
}

// IsCommitted reports whether seq currently addresses a committed slot.
func (q *Queue[T]) IsCommitted(seq uint64) bool {
	_, ok := q.GetRd(seq)
	return ok
}

// GetNextRd returns the slot at rdMin if it is readable (committed).
func (q *Queue[T]) GetNextRd() (value T, seq uint64, ok bool) {
	v, ok := q.GetRd(q.rdMin)
	return v, q.rdMin, ok
}

// ReleaseSlot marks the slot at seq empty. If seq == rdMin, rdMin (and with
// it wrMax) advances past every contiguous already-released slot that
// follows — an earlier out-of-order (interior) release left those slots
// marked released without moving the window; this call is what lets the
// window catch up to them. rdMin never advances over a slot that was never
// committed (a genuine gap), only over ones explicitly released.
func (q *Queue[T]) ReleaseSlot(seq uint64) error {
	if seq < q.rdMin || seq >= q.WrMax() {
		return ErrWrongSlot
	}
	idx := q.idx(seq)
	s := &q.slots[idx]
	if s.seq != seq || s.state != stateCommitted {
		return ErrWrongSlot
	}
	s.state = stateReleased
	q.committed--

	if seq == q.rdMin {
		q.rdMin++
		for {
			nidx := q.idx(q.rdMin)
			ns := &q.slots[nidx]
			if ns.state != stateReleased || ns.seq != q.rdMin {
				break
			}
			ns.state = stateUnused
			q.rdMin++
		}
	}
	return nil
}
