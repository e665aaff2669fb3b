// Package strtab implements the string interning table (C1): a
// length-prefixed byte arena plus a power-of-two open-addressed hash index
// keyed by FNV-1a, grounded on the length-prefixed record style of the
// teacher's pkg/ext4/dir.go (writeDentry, dentryMinLength) and generalized
// from build-time-only string layout to a live intern/lookup table.
package strtab

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/razorfs/razorfs/internal/rfserrors"
)

// Invalid is the sentinel handle meaning "absent".
const Invalid uint32 = 0xFFFFFFFF

// MaxNameLen is the maximum interned string length in bytes.
const MaxNameLen = 255

const emptySlot = ^uint32(0)

// Table is a string interning table. Zero value is not usable; construct
// with New or NewBinderOwned.
type Table struct {
	arena    []byte // length-prefixed records: [uint16 len][bytes]
	capacity int    // 0 means "owned" (grows by reallocation)
	buckets  []uint32
	mask     uint32
	used     int // number of interned strings
}

// New creates a Table that grows by reallocation ("owned" mode).
func New() *Table {
	t := &Table{}
	t.resizeBuckets(64)
	return t
}

// NewBinderOwned creates a Table whose arena is a fixed-size region of
// capacity bytes, supplied by the persistence binder (C8). intern fails with
// KindNoSpace rather than reallocating once the region is exhausted.
func NewBinderOwned(capacity int) *Table {
	t := &Table{capacity: capacity}
	t.arena = make([]byte, 0, capacity)
	t.resizeBuckets(64)
	return t
}

func (t *Table) resizeBuckets(n int) {
	buckets := make([]uint32, n)
	for i := range buckets {
		buckets[i] = emptySlot
	}
	old := t.buckets
	t.buckets = buckets
	t.mask = uint32(n - 1)
	for _, off := range old {
		if off == emptySlot {
			continue
		}
		name := t.nameAt(off)
		t.insertBucket(off, name)
	}
}

func hashName(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

func (t *Table) nameAt(offset uint32) string {
	l := binary.LittleEndian.Uint16(t.arena[offset:])
	start := int(offset) + 2
	return string(t.arena[start : start+int(l)])
}

func (t *Table) insertBucket(offset uint32, name string) {
	h := hashName(name) & t.mask
	for {
		if t.buckets[h] == emptySlot {
			t.buckets[h] = offset
			return
		}
		h = (h + 1) & t.mask
	}
}

// Intern returns the stable handle for name, interning it if not already
// present. Distinct strings yield distinct handles; the same string yields
// the same handle on every call, including across table reloads of the same
// backing region (the arena offset IS the handle).
func (t *Table) Intern(name string) (uint32, error) {
	if len(name) > MaxNameLen {
		return Invalid, rfserrors.New(rfserrors.KindNameTooLong, "strtab.intern", "name exceeds 255 bytes")
	}

	if off, ok := t.find(name); ok {
		return off, nil
	}

	// Grow the hash index before it gets too dense (load factor 0.5).
	if (t.used+1)*2 > len(t.buckets) {
		t.resizeBuckets(len(t.buckets) * 2)
	}

	recLen := 2 + len(name)
	offset := uint32(len(t.arena))

	if t.capacity > 0 && len(t.arena)+recLen > t.capacity {
		return Invalid, rfserrors.New(rfserrors.KindNoSpace, "strtab.intern", "binder-owned region exhausted")
	}

	rec := make([]byte, recLen)
	binary.LittleEndian.PutUint16(rec, uint16(len(name)))
	copy(rec[2:], name)
	t.arena = append(t.arena, rec...)

	t.insertBucket(offset, name)
	t.used++
	return offset, nil
}

func (t *Table) find(name string) (uint32, bool) {
	if len(t.buckets) == 0 {
		return 0, false
	}
	h := hashName(name) & t.mask
	for {
		off := t.buckets[h]
		if off == emptySlot {
			return 0, false
		}
		if t.nameAt(off) == name {
			return off, true
		}
		h = (h + 1) & t.mask
	}
}

// Lookup returns the string stored at handle, or an error if the handle is
// out of range / Invalid.
func (t *Table) Lookup(handle uint32) (string, error) {
	if handle == Invalid || int(handle)+2 > len(t.arena) {
		return "", rfserrors.New(rfserrors.KindInvalidArgument, "strtab.lookup", "handle out of range")
	}
	return t.nameAt(handle), nil
}

// Stats reports arena utilization.
func (t *Table) Stats() (used, capacity int) {
	if t.capacity > 0 {
		return len(t.arena), t.capacity
	}
	return len(t.arena), cap(t.arena)
}

// Count returns the number of interned (distinct) strings.
func (t *Table) Count() int { return t.used }

// Each walks every interned name in insertion (arena) order, the order the
// persistence binder snapshots names in and the order a fresh table must
// re-intern them in to reproduce identical handles (the handle IS the arena
// offset, so replay order determines it).
func (t *Table) Each(fn func(name string) error) error {
	off := uint32(0)
	for int(off)+2 <= len(t.arena) {
		name := t.nameAt(off)
		if err := fn(name); err != nil {
			return err
		}
		off += uint32(2 + len(name))
	}
	return nil
}
