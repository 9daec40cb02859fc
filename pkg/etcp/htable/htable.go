// Package htable implements the 128-bit-keyed open-addressed hash table used
// by the demux tables: dstMap maps (dstAddr,dstPort) to a LAMap, and each
// LAMap's table maps (srcAddr,srcPort) to a Connection. It is grounded on
// the spooky_hash-backed table in the original etcp.c, re-expressed as an
// open-addressed Go table hashed with xxhash instead of a hand-rolled
// hash function.
package htable

import (
	"github.com/cespare/xxhash/v2"
)

// Key is the 128-bit lookup key: two 64-bit halves, keyHi and keyLo in the
// C original.
type Key struct {
	Hi, Lo uint64
}

func (k Key) hash() uint64 {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(k.Hi >> (8 * i))
		buf[8+i] = byte(k.Lo >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotTombstone
)

type slot struct {
	state slotState
	key   Key
	value any
}

// Table is a power-of-two sized, open-addressed hash table keyed on a
// 128-bit Key, doubling by rehash when an insert would bring the load to 75%.
// SRC_TAB_MAX_LOG2/DST_TAB_MAX_LOG2 from spec.md are realized as the initial
// sizeLog2 passed to New; the table still grows on demand, mirroring the
// fact that the original sized tables are load-factor-sensitive but never
// shrinks.
type Table struct {
	slots []slot
	mask  uint64
	count int
}

// New creates a table with 2^sizeLog2 initial slots.
func New(sizeLog2 uint) *Table {
	if sizeLog2 < 1 {
		sizeLog2 = 1
	}
	n := uint64(1) << sizeLog2
	return &Table{
		slots: make([]slot, n),
		mask:  n - 1,
	}
}

// Get returns the value stored under key, or ok=false on a miss.
func (t *Table) Get(key Key) (value any, ok bool) {
	idx := key.hash() & t.mask
	for i := uint64(0); i <= t.mask; i++ {
		s := &t.slots[(idx+i)&t.mask]
		switch s.state {
		case slotEmpty:
			return nil, false
		case slotUsed:
			if s.key == key {
				return s.value, true
			}
		case slotTombstone:
			// keep probing
		}
	}
	return nil, false
}

// Put inserts or overwrites the value stored under key, growing the table
// first if the load factor would reach 75%.
func (t *Table) Put(key Key, value any) {
	if (t.count+1)*4 >= int(t.mask+1)*3 {
		t.grow()
	}
	t.insert(key, value)
}

func (t *Table) insert(key Key, value any) {
	idx := key.hash() & t.mask
	firstTomb := int64(-1)
	for i := uint64(0); i <= t.mask; i++ {
		pos := (idx + i) & t.mask
		s := &t.slots[pos]
		switch s.state {
		case slotEmpty:
			if firstTomb >= 0 {
				pos = uint64(firstTomb)
				s = &t.slots[pos]
			}
			s.state = slotUsed
			s.key = key
			s.value = value
			t.count++
			return
		case slotUsed:
			if s.key == key {
				s.value = value
				return
			}
		case slotTombstone:
			if firstTomb < 0 {
				firstTomb = int64(pos)
			}
		}
	}
	// No empty slot anywhere: the key is absent, so reuse the first tombstone.
	if firstTomb >= 0 {
		s := &t.slots[firstTomb]
		s.state = slotUsed
		s.key = key
		s.value = value
		t.count++
	}
}

// Delete removes key from the table if present. Returns ok=true if a value
// was removed.
func (t *Table) Delete(key Key) (value any, ok bool) {
	idx := key.hash() & t.mask
	for i := uint64(0); i <= t.mask; i++ {
		pos := (idx + i) & t.mask
		s := &t.slots[pos]
		switch s.state {
		case slotEmpty:
			return nil, false
		case slotUsed:
			if s.key == key {
				value = s.value
				s.state = slotTombstone
				s.value = nil
				t.count--
				return value, true
			}
		case slotTombstone:
		}
	}
	return nil, false
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return t.count
}

// Range calls fn for every live entry. fn must not mutate the table.
func (t *Table) Range(fn func(key Key, value any)) {
	for i := range t.slots {
		if t.slots[i].state == slotUsed {
			fn(t.slots[i].key, t.slots[i].value)
		}
	}
}

func (t *Table) grow() {
	old := t.slots
	n := (t.mask + 1) * 2
	t.slots = make([]slot, n)
	t.mask = n - 1
	t.count = 0
	for i := range old {
		if old[i].state == slotUsed {
			t.insert(old[i].key, old[i].value)
		}
	}
}
