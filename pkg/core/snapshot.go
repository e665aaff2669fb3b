// Snapshot encode/decode for the dentry, inode, and string-table regions.
//
// internal/strtab, internal/inode, and internal/dtree are pure in-memory
// structures (hash-indexed slices, per-node mutexes) rather than flat byte
// records, so they cannot be mmap'd directly the way internal/blockalloc's
// block-data region and internal/wal's circular buffer are. Instead each
// region's Image.Body holds a point-in-time snapshot, written at checkpoint
// and unmount time and restored at mount time before the WAL entries logged
// since that snapshot are replayed over it — the same header-then-
// fixed-records shape described for these images in §6.2, manually
// binary-encoded in the style of internal/wal and internal/persist rather
// than a generic Go encoder, to match the corpus's idiom of hand-rolled,
// versioned wire formats.
package core

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/razorfs/razorfs/internal/dtree"
	"github.com/razorfs/razorfs/internal/inode"
	"github.com/razorfs/razorfs/internal/rfserrors"
	"github.com/razorfs/razorfs/internal/strtab"
)

var byteOrder = binary.LittleEndian

// snapshotHeaderSize is [uint32 payload length][uint32 CRC32 of payload].
const snapshotHeaderSize = 8

// writeSnapshot frames payload with a length+CRC32 header and copies it into
// body, zeroing any unused tail so a later, shorter snapshot never leaves
// trailing garbage a reader could misinterpret.
func writeSnapshot(body []byte, payload []byte) error {
	if snapshotHeaderSize+len(payload) > len(body) {
		return rfserrors.New(rfserrors.KindNoSpace, "core.snapshot", "snapshot payload exceeds region capacity")
	}
	byteOrder.PutUint32(body[0:], uint32(len(payload)))
	byteOrder.PutUint32(body[4:], crc32.ChecksumIEEE(payload))
	n := copy(body[snapshotHeaderSize:], payload)
	for i := snapshotHeaderSize + n; i < len(body); i++ {
		body[i] = 0
	}
	return nil
}

// readSnapshot returns the payload previously written by writeSnapshot, or
// ok=false if body holds no valid snapshot yet (a freshly created region is
// all zeros, which decodes as a zero-length, zero-CRC payload — also
// reported as ok=false, since an empty snapshot and "never written" are the
// same thing to a caller deciding whether to restore).
func readSnapshot(body []byte) (payload []byte, ok bool) {
	if len(body) < snapshotHeaderSize {
		return nil, false
	}
	n := byteOrder.Uint32(body[0:])
	wantCRC := byteOrder.Uint32(body[4:])
	if n == 0 || snapshotHeaderSize+int(n) > len(body) {
		return nil, false
	}
	payload = body[snapshotHeaderSize : snapshotHeaderSize+int(n)]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, false
	}
	return payload, true
}

// --- string table ---------------------------------------------------------

func encodeNames(names []string) []byte {
	var total int
	total += 4
	for _, n := range names {
		total += 2 + len(n)
	}
	b := make([]byte, total)
	byteOrder.PutUint32(b[0:], uint32(len(names)))
	o := 4
	for _, n := range names {
		byteOrder.PutUint16(b[o:], uint16(len(n)))
		o += 2
		copy(b[o:], n)
		o += len(n)
	}
	return b
}

func decodeNames(b []byte) []string {
	if len(b) < 4 {
		return nil
	}
	count := byteOrder.Uint32(b[0:])
	o := 4
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		l := byteOrder.Uint16(b[o:])
		o += 2
		names = append(names, string(b[o:o+int(l)]))
		o += int(l)
	}
	return names
}

func snapshotStrtab(names *strtab.Table) []byte {
	var all []string
	_ = names.Each(func(name string) error {
		all = append(all, name)
		return nil
	})
	return encodeNames(all)
}

// restoreStrtab re-interns every name in its original order, which
// reproduces identical arena-offset handles in the fresh table.
func restoreStrtab(names *strtab.Table, payload []byte) error {
	for _, n := range decodeNames(payload) {
		if _, err := names.Intern(n); err != nil {
			return err
		}
	}
	return nil
}

// --- inode table ------------------------------------------------------------

// inodeRecordSize mirrors the scalar layout of inode.Record (spec §3): 112
// bytes total, 64 scalar + 48 inline.
const inodeRecordSize = 112

func encodeInodeRecord(b []byte, r inode.Record) {
	byteOrder.PutUint32(b[0:], r.Ino)
	byteOrder.PutUint16(b[4:], r.Mode)
	byteOrder.PutUint32(b[8:], r.UID)
	byteOrder.PutUint32(b[12:], r.GID)
	byteOrder.PutUint32(b[16:], r.Nlink)
	byteOrder.PutUint64(b[20:], uint64(r.Size))
	byteOrder.PutUint64(b[28:], uint64(r.Atime))
	byteOrder.PutUint64(b[36:], uint64(r.Mtime))
	byteOrder.PutUint64(b[44:], uint64(r.Ctime))
	byteOrder.PutUint32(b[52:], r.XattrHead)
	b[56] = r.ExtentMode
	b[57] = r.ExtentCount
	byteOrder.PutUint32(b[60:], r.ExtentTreeRef)
	copy(b[64:], r.Inline[:])
}

func decodeInodeRecord(b []byte) inode.Record {
	var r inode.Record
	r.Ino = byteOrder.Uint32(b[0:])
	r.Mode = byteOrder.Uint16(b[4:])
	r.UID = byteOrder.Uint32(b[8:])
	r.GID = byteOrder.Uint32(b[12:])
	r.Nlink = byteOrder.Uint32(b[16:])
	r.Size = int64(byteOrder.Uint64(b[20:]))
	r.Atime = int64(byteOrder.Uint64(b[28:]))
	r.Mtime = int64(byteOrder.Uint64(b[36:]))
	r.Ctime = int64(byteOrder.Uint64(b[44:]))
	r.XattrHead = byteOrder.Uint32(b[52:])
	r.ExtentMode = b[56]
	r.ExtentCount = b[57]
	r.ExtentTreeRef = byteOrder.Uint32(b[60:])
	copy(r.Inline[:], b[64:64+len(r.Inline)])
	return r
}

func snapshotInodes(inodes *inode.Table) []byte {
	var all []inode.Record
	_ = inodes.Each(func(r inode.Record) error {
		all = append(all, r)
		return nil
	})
	sort.Slice(all, func(i, j int) bool { return all[i].Ino < all[j].Ino })

	b := make([]byte, 4+len(all)*inodeRecordSize)
	byteOrder.PutUint32(b[0:], uint32(len(all)))
	for i, r := range all {
		encodeInodeRecord(b[4+i*inodeRecordSize:], r)
	}
	return b
}

func decodeInodeRecords(b []byte) []inode.Record {
	if len(b) < 4 {
		return nil
	}
	count := byteOrder.Uint32(b[0:])
	out := make([]inode.Record, 0, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + int(i)*inodeRecordSize
		out = append(out, decodeInodeRecord(b[off:off+inodeRecordSize]))
	}
	return out
}

// restoreInodes recreates every persisted record via ReplayAlloc (the same
// idempotent allocator the recovery engine uses), then overwrites every
// field ReplayAlloc doesn't set from the snapshot, including the root
// record Bootstrap already created.
func restoreInodes(inodes *inode.Table, payload []byte) error {
	for _, snap := range decodeInodeRecords(payload) {
		rec, err := inodes.ReplayAlloc(snap.Ino, snap.Mode, snap.UID, snap.GID, snap.Ctime)
		if err != nil {
			return err
		}
		*rec = snap
	}
	return nil
}

// --- directory tree ---------------------------------------------------------

const dentryRecordSize = 16 // Idx(4) ParentIdx(4) NameHandle(4) Ino(4)

type dentrySnap struct {
	Idx        int32
	ParentIdx  int32
	NameHandle uint32
	Ino        uint32
}

func snapshotDtree(tree *dtree.Tree) ([]byte, error) {
	n := tree.NodeCount()
	var snaps []dentrySnap
	for i := int32(1); i < n; i++ {
		if !tree.IsLive(i) {
			continue
		}
		node, err := tree.ReadNode(i)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, dentrySnap{Idx: node.Idx, ParentIdx: node.ParentIdx, NameHandle: node.NameHandle, Ino: node.Ino})
	}

	b := make([]byte, 4+len(snaps)*dentryRecordSize)
	byteOrder.PutUint32(b[0:], uint32(len(snaps)))
	for i, s := range snaps {
		off := 4 + i*dentryRecordSize
		byteOrder.PutUint32(b[off:], uint32(s.Idx))
		byteOrder.PutUint32(b[off+4:], uint32(s.ParentIdx))
		byteOrder.PutUint32(b[off+8:], s.NameHandle)
		byteOrder.PutUint32(b[off+12:], s.Ino)
	}
	return b, nil
}

func decodeDentrySnaps(b []byte) []dentrySnap {
	if len(b) < 4 {
		return nil
	}
	count := byteOrder.Uint32(b[0:])
	out := make([]dentrySnap, 0, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + int(i)*dentryRecordSize
		out = append(out, dentrySnap{
			Idx:        int32(byteOrder.Uint32(b[off:])),
			ParentIdx:  int32(byteOrder.Uint32(b[off+4:])),
			NameHandle: byteOrder.Uint32(b[off+8:]),
			Ino:        byteOrder.Uint32(b[off+12:]),
		})
	}
	return out
}

// restoreDtree recreates every persisted dentry via ReplayInsert, visiting
// parents before children (a depth-first walk from root) since ReplayInsert requires the
// parent slot to already exist.
func restoreDtree(tree *dtree.Tree, names *strtab.Table, payload []byte) error {
	snaps := decodeDentrySnaps(payload)
	byParent := make(map[int32][]dentrySnap, len(snaps))
	for _, s := range snaps {
		byParent[s.ParentIdx] = append(byParent[s.ParentIdx], s)
	}

	var walk func(parentIdx int32) error
	walk = func(parentIdx int32) error {
		for _, s := range byParent[parentIdx] {
			name, err := names.Lookup(s.NameHandle)
			if err != nil {
				return err
			}
			if err := tree.ReplayInsert(s.ParentIdx, s.Idx, name, s.Ino); err != nil {
				return err
			}
			if err := walk(s.Idx); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(0)
}
