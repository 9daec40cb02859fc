// Package stalelist implements the ordered, sparse, sequence-keyed list of
// out-of-window received frames awaiting re-ack (spec.md §4.2). It exists
// solely so that stale DAT frames demanding ack (noAck == 0) can still be
// re-acknowledged without occupying rx-window slots. Grounded on the
// llPushSeqOrd/llGetFirst/llReleaseHead contract in the original etcp.c.
package stalelist

import "fmt"

// ErrBackward is returned (as a fatal invariant violation) when an insert's
// sequence number is strictly less than the list's cursor: the lowest
// sequence ever inserted, which draining the list does not reset.
type ErrBackward struct {
	Got, Cursor uint64
}

func (e *ErrBackward) Error() string {
	return fmt.Sprintf("stalelist: sequence went backward: got %d, cursor %d", e.Got, e.Cursor)
}

// Entry is one node of the list: a sequence number plus the caller-owned
// payload associated with it (the pBuff in spec.md terms).
type Entry struct {
	Seq     uint64
	Payload any

	next *Entry
}

// List is a singly linked, ascending-sequence-ordered list with idempotent
// duplicate inserts and FIFO head-drain.
type List struct {
	head   *Entry
	tail   *Entry
	cursor uint64
	hasMin bool
	len    int
}

// New creates an empty StaleList.
func New() *List {
	return &List{}
}

// Len returns the number of entries currently enqueued.
func (l *List) Len() int {
	return l.len
}

// Insert adds seq in sorted position. A duplicate of an already-present
// sequence is idempotent (a warning is the caller's concern, not an error).
// A seq strictly less than the lowest entry ever inserted via this cursor is
// a fatal ordering violation and returns *ErrBackward.
func (l *List) Insert(seq uint64, payload any) error {
	if l.hasMin && seq < l.cursor {
		return &ErrBackward{Got: seq, Cursor: l.cursor}
	}
	if !l.hasMin || seq < l.cursor {
		l.cursor = seq
		l.hasMin = true
	}

	var prev *Entry
	cur := l.head
	for cur != nil {
		if cur.Seq == seq {
			// Idempotent duplicate: prior copy wins.
			return nil
		}
		if cur.Seq > seq {
			break
		}
		prev = cur
		cur = cur.next
	}

	e := &Entry{Seq: seq, Payload: payload, next: cur}
	if prev == nil {
		l.head = e
	} else {
		prev.next = e
	}
	if cur == nil {
		l.tail = e
	}
	l.len++
	return nil
}

// First returns the lowest-sequence entry without removing it, or ok=false
// if the list is empty.
func (l *List) First() (Entry, bool) {
	if l.head == nil {
		return Entry{}, false
	}
	return *l.head, true
}

// ReleaseHead drains (removes and discards the storage of) the lowest
// sequence entry. It is a no-op on an empty list.
func (l *List) ReleaseHead() {
	if l.head == nil {
		return
	}
	l.head = l.head.next
	if l.head == nil {
		l.tail = nil
	}
	l.len--
}
