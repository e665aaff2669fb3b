// Package inode implements the inode table (C3): a fixed-capacity vector of
// inode records, an open-addressed hash index keyed by inode number for
// O(1) lookup, and a free-slot list threaded through vacated records.
//
// Grounded on direktiv-vorteil's pkg/ext4/inode.go (the packed Inode record
// and its inline extent-tree area, reused here as the Inline union) and
// pkg/vkern/manager.go's sync.RWMutex-guards-a-slice-and-map idiom,
// generalized to the atomic link-count rule from spec §4.3.
package inode

import (
	"sync"
	"sync/atomic"

	"github.com/razorfs/razorfs/internal/rfserrors"
)

// Extent-area regimes, mirrored by internal/extent which interprets the
// Inline byte area according to this field (pkg/ext4/inode.go does the same
// thing with its 60-byte Block union, chosen by the iblock dispatch logic).
const (
	ExtentModeInlineData = iota
	ExtentModeInlineExtents
	ExtentModeTree
)

// InlineExtentCap is the number of extents that fit directly in a Record's
// Inline area before promotion to an externally owned extent tree (C4).
const InlineExtentCap = 4

// InlineDataCap is the maximum inline-data payload in bytes (spec §3).
const InlineDataCap = 32

// Root is the reserved root-directory inode number.
const Root uint32 = 1

// reservedMax is the highest reserved inode number (spec SUPPLEMENT,
// grounded on pkg/ext4/reserved.go): numbers 2..reservedMax are never
// handed out by Alloc, leaving room for future journal/lost+found
// conventions the way ext4 reserves its low inode numbers.
const reservedMax = 9

// Mode bits (file type), mirroring the InodeType* constants in
// pkg/ext4/inode.go.
const (
	ModeTypeMask    = 0xF000
	ModeTypeDir     = 0x4000
	ModeTypeFile    = 0x8000
	ModeTypeSymlink = 0xA000
	ModePermMask    = 0777
)

// Record is a single inode's metadata. In memory it is 120 bytes: 68 bytes
// of scalar fields (alignment padding included) plus the 48-byte Inline
// union, rounded up to a multiple of 8, so it spans two cache lines rather
// than fitting in one. Content fields are synchronized by the directory
// tree lock of a referencing dentry (C5), except Nlink, which is atomic.
type Record struct {
	Ino   uint32
	Mode  uint16
	_pad0 uint16

	UID   uint32
	GID   uint32
	Nlink uint32 // accessed via sync/atomic only

	Size  int64
	Atime int64
	Mtime int64
	Ctime int64

	XattrHead uint32

	ExtentMode  uint8
	ExtentCount uint8
	_pad1       uint16

	ExtentTreeRef uint32 // valid when ExtentMode == ExtentModeTree

	Inline [48]byte // inline data, or packed InlineExtent records; see internal/extent
}

// IsDir reports whether the record's mode denotes a directory.
func (r *Record) IsDir() bool { return r.Mode&ModeTypeMask == ModeTypeDir }

// IsSymlink reports whether the record's mode denotes a symlink.
func (r *Record) IsSymlink() bool { return r.Mode&ModeTypeMask == ModeTypeSymlink }

// Links returns the current link count.
func (r *Record) Links() uint32 { return atomic.LoadUint32(&r.Nlink) }

type slot struct {
	rec    Record
	inUse  bool
	nextFr int // free-list link; -1 if none
}

// Table is the inode table. Structural fields (hash index, free list,
// used count) are protected by mu; individual record content is NOT
// protected here (see package doc).
type Table struct {
	mu        sync.RWMutex
	slots     []slot
	index     []int32 // open-addressed hash index: ino -> slot index+1, 0 = empty
	mask      uint32
	nextIno   uint32
	freeHead  int
	used      int
	capacity  int // 0 = unbounded (owned mode)
}

// New constructs an empty, growable (owned-mode) inode table.
func New() *Table {
	t := &Table{freeHead: -1, nextIno: reservedMax + 1}
	t.resizeIndex(128)
	return t
}

// NewFixed constructs a table with a fixed slot capacity (binder-owned
// mode); Alloc returns TABLE_FULL once exhausted.
func NewFixed(capacity int) *Table {
	t := New()
	t.capacity = capacity
	return t
}

func (t *Table) resizeIndex(n int) {
	idx := make([]int32, n)
	old := t.index
	t.index = idx
	t.mask = uint32(n - 1)
	for _, v := range old {
		if v == 0 {
			continue
		}
		slotIdx := v - 1
		t.insertIndex(t.slots[slotIdx].rec.Ino, slotIdx)
	}
}

func inoHash(ino uint32) uint32 {
	h := ino
	h ^= h >> 16
	h *= 0x7feb352d
	h ^= h >> 15
	h *= 0x846ca68b
	h ^= h >> 16
	return h
}

func (t *Table) insertIndex(ino uint32, slotIdx int32) {
	h := inoHash(ino) & t.mask
	for t.index[h] != 0 {
		h = (h + 1) & t.mask
	}
	t.index[h] = slotIdx + 1
}

func (t *Table) findIndex(ino uint32) (int32, bool) {
	if len(t.index) == 0 {
		return 0, false
	}
	h := inoHash(ino) & t.mask
	for {
		v := t.index[h]
		if v == 0 {
			return 0, false
		}
		slotIdx := v - 1
		if t.slots[slotIdx].inUse && t.slots[slotIdx].rec.Ino == ino {
			return slotIdx, true
		}
		h = (h + 1) & t.mask
	}
}

// removeIndex clears the probe cluster containing ino and reinserts every
// surviving member, which is the simplest way to keep open-addressed
// probing correct after a deletion (avoids leaving a hole that would break
// lookups for entries that probed past it).
func (t *Table) removeIndex(ino uint32) {
	h := inoHash(ino) & t.mask
	var cluster []int32
	for t.index[h] != 0 {
		cluster = append(cluster, t.index[h]-1)
		t.index[h] = 0
		h = (h + 1) & t.mask
	}
	for _, slotIdx := range cluster {
		if t.slots[slotIdx].rec.Ino == ino {
			continue
		}
		t.insertIndex(t.slots[slotIdx].rec.Ino, slotIdx)
	}
}

// Bootstrap installs the root directory inode (number 1) on a fresh mount.
// It must be called at most once, before any Alloc.
func (t *Table) Bootstrap(now int64) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.takeSlot()
	rec := &t.slots[idx].rec
	*rec = Record{
		Ino:   Root,
		Mode:  ModeTypeDir | 0755,
		Nlink: 1,
		Ctime: now,
		Mtime: now,
		Atime: now,
	}
	t.insertIndex(Root, int32(idx))
	return rec
}

func (t *Table) takeSlot() int {
	if t.freeHead >= 0 {
		idx := t.freeHead
		t.freeHead = t.slots[idx].nextFr
		t.slots[idx].inUse = true
		t.used++
		return idx
	}
	t.slots = append(t.slots, slot{inUse: true})
	t.used++
	if (t.used)*2 > len(t.index) {
		t.resizeIndex(len(t.index) * 2)
	}
	return len(t.slots) - 1
}

// Alloc allocates a new inode with the given mode and returns its record.
func (t *Table) Alloc(mode uint16, uid, gid uint32, now int64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.capacity > 0 && t.used >= t.capacity {
		return nil, rfserrors.New(rfserrors.KindTableFull, "inode.alloc", "inode table is full")
	}

	ino := t.nextIno
	t.nextIno++

	idx := t.takeSlot()
	rec := &t.slots[idx].rec
	*rec = Record{
		Ino:   ino,
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		Nlink: 1,
		Ctime: now,
		Mtime: now,
		Atime: now,
	}
	t.insertIndex(ino, int32(idx))
	return rec, nil
}

// Lookup returns a pointer to the record for ino. The pointer is stable for
// the life of the slot. Content synchronization beyond Nlink is the
// responsibility of the directory-tree lock of a referencing dentry.
func (t *Table) Lookup(ino uint32) (*Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.findIndex(ino)
	if !ok {
		return nil, rfserrors.New(rfserrors.KindNoEntry, "inode.lookup", "no such inode")
	}
	return &t.slots[idx].rec, nil
}

// Link increments the link count, failing with TOO_MANY_LINKS at 65535.
func (t *Table) Link(ino uint32) error {
	rec, err := t.Lookup(ino)
	if err != nil {
		return err
	}
	for {
		cur := atomic.LoadUint32(&rec.Nlink)
		if cur >= 65535 {
			return rfserrors.New(rfserrors.KindTooManyLinks, "inode.link", "link count would exceed 65535")
		}
		if atomic.CompareAndSwapUint32(&rec.Nlink, cur, cur+1) {
			return nil
		}
	}
}

// Unlink decrements the link count and frees the inode's slot if it drops
// to zero. Returns the post-decrement link count.
func (t *Table) Unlink(ino uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.findIndex(ino)
	if !ok {
		return 0, rfserrors.New(rfserrors.KindNoEntry, "inode.unlink", "no such inode")
	}
	rec := &t.slots[idx].rec

	var newCount uint32
	for {
		cur := atomic.LoadUint32(&rec.Nlink)
		if cur == 0 {
			return 0, rfserrors.New(rfserrors.KindNoEntry, "inode.unlink", "inode already released")
		}
		if atomic.CompareAndSwapUint32(&rec.Nlink, cur, cur-1) {
			newCount = cur - 1
			break
		}
	}

	if newCount == 0 {
		t.removeIndex(ino)
		t.slots[idx].inUse = false
		t.slots[idx].nextFr = t.freeHead
		t.freeHead = int(idx)
		t.used--
	}

	return newCount, nil
}

// ReplayAlloc is used by the recovery engine (C7) to recreate an inode at
// an exact, previously logged inode number, rather than the next
// sequential one Alloc would hand out. If ino is already present, its
// existing record is returned unchanged (idempotent redo). nextIno is
// advanced past ino so future Alloc calls never collide with it.
func (t *Table) ReplayAlloc(ino uint32, mode uint16, uid, gid uint32, now int64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.findIndex(ino); ok {
		return &t.slots[idx].rec, nil
	}

	idx := t.takeSlot()
	rec := &t.slots[idx].rec
	*rec = Record{
		Ino:   ino,
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		Nlink: 1,
		Ctime: now,
		Mtime: now,
		Atime: now,
	}
	t.insertIndex(ino, int32(idx))
	if ino >= t.nextIno {
		t.nextIno = ino + 1
	}
	return rec, nil
}

// Update sets size and mtime on the record for ino.
func (t *Table) Update(ino uint32, size int64, mtime int64) error {
	rec, err := t.Lookup(ino)
	if err != nil {
		return err
	}
	rec.Size = size
	rec.Mtime = mtime
	return nil
}

// Stats reports table utilization.
func (t *Table) Stats() (used, capacity int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used, t.capacity
}

// Each calls fn with a copy of every live record, in slot order, for the
// persistence binder's snapshot writer. Restoring into a fresh table is the
// caller's concern (via ReplayAlloc, one call per record).
func (t *Table) Each(fn func(rec Record) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if err := fn(t.slots[i].rec); err != nil {
			return err
		}
	}
	return nil
}
