// Package core implements the adapter-facing API (spec §6.1): the single
// entry point that wires the string table (C1), block allocator (C2), inode
// table (C3), extent map (C4), directory tree (C5), write-ahead log (C6),
// recovery engine (C7), and persistence binder (C8) together behind
// Mount/Unmount and the POSIX-shaped verbs a kernel adapter would call.
//
// Grounded on direktiv-vorteil's pkg/vdisk Manager (one struct wiring several
// lower packages together behind a small verb set) and pkg/vdecompiler.IO
// (a handle opened once, then read/written through methods) — FS is that
// same shape, and Mount's recovery-before-ready sequencing follows
// cmd/vorteil/main.go's mount-time ordering.
package core

import (
	"hash/crc32"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/syncmap"

	"github.com/razorfs/razorfs/internal/blockalloc"
	"github.com/razorfs/razorfs/internal/dtree"
	"github.com/razorfs/razorfs/internal/extent"
	"github.com/razorfs/razorfs/internal/inode"
	"github.com/razorfs/razorfs/internal/persist"
	"github.com/razorfs/razorfs/internal/recovery"
	"github.com/razorfs/razorfs/internal/rfserrors"
	"github.com/razorfs/razorfs/internal/strtab"
	"github.com/razorfs/razorfs/internal/wal"
	"github.com/razorfs/razorfs/pkg/rfscfg"
	"github.com/razorfs/razorfs/pkg/rlog"
)

// Descriptor is an opaque open-file handle returned by Open.
type Descriptor uint64

// FS is a mounted RazorFS instance: the handle every adapter call after
// Mount is routed through.
type FS struct {
	cfg *rfscfg.Config
	log rlog.Logger

	binder      *persist.Binder
	names       *strtab.Table
	inodes      *inode.Table
	extents     *extent.Manager
	extentStore *extent.Store
	tree        *dtree.Tree
	wal         *wal.Log

	// dirIdx maps a directory inode number to its (unique) dentry index.
	// Only directories need this: spec invariant 2 lets a file inode be
	// named by many dentries via hardlinks, but a directory has exactly
	// one, so ino->idx is well defined for it alone. Every adapter call
	// takes a parent_ino per spec §6.1, so this is how core turns that
	// into the dentry index internal/dtree actually operates on.
	dirMu  sync.RWMutex
	dirIdx map[uint32]int32

	// nextDesc is bumped atomically; open is a concurrent map so a lookup
	// from Read/Write never contends with an unrelated Open/Release, the
	// way pkg/virtualizers tracks its active-VM registry in a syncmap.Map
	// rather than behind one global mutex.
	nextDesc uint64
	open     syncmap.Map // Descriptor -> uint32 (inode number)

	roMu     sync.RWMutex
	readOnly bool

	// Stats is the outcome of the recovery pass that ran at Mount.
	Stats recovery.Stats
}

func now() int64 { return time.Now().Unix() }

// Mount attaches (or creates) every backing region named by cfg, restores
// the dentry/inode/string-table snapshot from the last checkpoint (if any),
// and replays the write-ahead log over it before returning a ready handle,
// per spec §2's "C8 attaches, then C7 replays, before any adapter request is
// accepted."
func Mount(cfg *rfscfg.Config, logger rlog.Logger) (*FS, error) {
	log := rlog.OrDiscard(logger)

	specs := regionSpecs(cfg)
	binder, err := persist.Open(specs, log)
	if err != nil {
		return nil, err
	}

	alloc := blockalloc.New(cfg.BlockCount, cfg.BlockSize, binder.Region(persist.RegionBlocks).Body)
	treeStore := extent.NewStore()
	extents := extent.New(alloc, treeStore)

	names := strtab.NewBinderOwned(int(cfg.StrtabBytes))
	inodes := inode.NewFixed(int(cfg.InodeCapacity))
	inodes.Bootstrap(now())
	tree := dtree.New(names, inodes)
	tree.Bootstrap()

	if err := restoreSnapshot(binder, names, inodes, tree, treeStore); err != nil {
		binder.Close()
		return nil, rfserrors.Wrap(rfserrors.KindCorrupted, "core.mount", "restoring last checkpoint's snapshot", err)
	}
	if err := reserveRestoredBlocks(alloc, inodes, extents); err != nil {
		binder.Close()
		return nil, rfserrors.Wrap(rfserrors.KindCorrupted, "core.mount", "reserving restored inodes' blocks", err)
	}

	walImg := binder.Region(persist.RegionWAL)
	flushWAL := func([]byte) error { return walImg.Flush() }
	walLog, err := wal.Attach(walImg.Body, flushWAL)
	if err != nil {
		walLog, err = wal.NewFresh(walImg.Body, flushWAL)
		if err != nil {
			binder.Close()
			return nil, err
		}
	}

	eng := recovery.New(tree, inodes, extents)
	stats, err := eng.Run(walLog)
	if err != nil {
		binder.Close()
		return nil, rfserrors.Wrap(rfserrors.KindIOFailure, "core.mount", "recovery failed", err)
	}
	if stats.NeedsFsck {
		log.Warnf("core.mount: recovery completed with needs-fsck set (entries_scanned=%d redone=%d skipped=%d undone=%d)",
			stats.EntriesScanned, stats.OpsRedone, stats.OpsSkipped, stats.OpsUndone)
	}

	fs := &FS{
		cfg:         cfg,
		log:         log,
		binder:      binder,
		names:       names,
		inodes:      inodes,
		extents:     extents,
		extentStore: treeStore,
		tree:        tree,
		wal:         walLog,
		dirIdx:      buildDirIndex(tree, inodes),
		Stats:       stats,
	}
	return fs, nil
}

// reserveRestoredBlocks marks every block a restored inode's extents
// reference as allocated, before anything can call Alloc again. A fresh
// Allocator starts with an all-free bitmap; without this step the very next
// allocation after a remount could hand out a block a surviving file's
// extent tree still points at, violating the disjoint-block-sets invariant
// and silently corrupting that file.
func reserveRestoredBlocks(alloc *blockalloc.Allocator, inodes *inode.Table, extents *extent.Manager) error {
	return inodes.Each(func(rec inode.Record) error {
		for _, e := range extents.Iter(&rec) {
			if err := alloc.Reserve(e.FirstBlock, e.NumBlocks); err != nil {
				return err
			}
		}
		return nil
	})
}

// buildDirIndex scans every live dentry left by snapshot restore and WAL
// replay and records the directory ones, since neither restoreDtree nor the
// recovery engine's redo go through FS.setDirIdx (they operate on the C5
// tree directly, without a core.FS to hand the mapping to).
func buildDirIndex(tree *dtree.Tree, inodes *inode.Table) map[uint32]int32 {
	idx := map[uint32]int32{inode.Root: 0}
	n := tree.NodeCount()
	for i := int32(1); i < n; i++ {
		if !tree.IsLive(i) {
			continue
		}
		node, err := tree.ReadNode(i)
		if err != nil {
			continue
		}
		rec, err := inodes.Lookup(node.Ino)
		if err != nil || !rec.IsDir() {
			continue
		}
		idx[node.Ino] = i
	}
	return idx
}

func regionSpecs(cfg *rfscfg.Config) []persist.Spec {
	fb := func(name string) string {
		if cfg.FallbackDir == "" {
			return ""
		}
		return filepath.Join(cfg.FallbackDir, name)
	}
	return []persist.Spec{
		{Region: persist.RegionDentry, Path: filepath.Join(cfg.DataDir, "dentry.img"), FallbackPath: fb("dentry.img"), ElementSize: 64, Capacity: cfg.DentryCapacity},
		{Region: persist.RegionInode, Path: filepath.Join(cfg.DataDir, "inode.img"), FallbackPath: fb("inode.img"), ElementSize: 112, Capacity: cfg.InodeCapacity},
		{Region: persist.RegionStrtab, Path: filepath.Join(cfg.DataDir, "strtab.img"), FallbackPath: fb("strtab.img"), Capacity: cfg.StrtabBytes},
		{Region: persist.RegionBlocks, Path: filepath.Join(cfg.DataDir, "blocks.img"), FallbackPath: fb("blocks.img"), Capacity: uint64(cfg.BlockCount) * uint64(cfg.BlockSize)},
		{Region: persist.RegionExtents, Path: filepath.Join(cfg.DataDir, "extents.img"), FallbackPath: fb("extents.img"), Capacity: cfg.ExtentTreeBytes},
		{Region: persist.RegionWAL, Path: filepath.Join(cfg.DataDir, "wal.img"), FallbackPath: fb("wal.img"), Capacity: cfg.WALBytes},
	}
}

// restoreSnapshot loads the string table, then the inode table, then the
// extent-tree store, then the directory tree, in that order (the tree's
// restore needs names already resolvable and inodes already allocated; the
// extent-tree store must be in place before anything reads a Tree-regime
// inode's extents, which restoreDtree itself doesn't but core.Mount's
// block-reservation pass does immediately afterward). A region with no prior
// snapshot (fresh mount) is silently skipped.
func restoreSnapshot(binder *persist.Binder, names *strtab.Table, inodes *inode.Table, tree *dtree.Tree, extentStore *extent.Store) error {
	if payload, ok := readSnapshot(binder.Region(persist.RegionStrtab).Body); ok {
		if err := restoreStrtab(names, payload); err != nil {
			return err
		}
	}
	if payload, ok := readSnapshot(binder.Region(persist.RegionInode).Body); ok {
		if err := restoreInodes(inodes, payload); err != nil {
			return err
		}
	}
	if payload, ok := readSnapshot(binder.Region(persist.RegionExtents).Body); ok {
		if err := extentStore.Restore(payload); err != nil {
			return err
		}
	}
	if payload, ok := readSnapshot(binder.Region(persist.RegionDentry).Body); ok {
		if err := restoreDtree(tree, names, payload); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint snapshots the string table, inode table, extent-tree store, and
// directory tree into their regions, flushes every region, then truncates the WAL, in that
// order: the snapshot must be durable before the log entries it subsumes
// are discarded, or a crash in between would lose state neither the
// snapshot nor the log still holds.
func (fs *FS) checkpoint() error {
	if payload := snapshotStrtab(fs.names); true {
		if err := writeSnapshot(fs.binder.Region(persist.RegionStrtab).Body, payload); err != nil {
			return err
		}
	}
	if payload := snapshotInodes(fs.inodes); true {
		if err := writeSnapshot(fs.binder.Region(persist.RegionInode).Body, payload); err != nil {
			return err
		}
	}
	if payload := fs.extentStore.Snapshot(); true {
		if err := writeSnapshot(fs.binder.Region(persist.RegionExtents).Body, payload); err != nil {
			return err
		}
	}
	payload, err := snapshotDtree(fs.tree)
	if err != nil {
		return err
	}
	if err := writeSnapshot(fs.binder.Region(persist.RegionDentry).Body, payload); err != nil {
		return err
	}
	if err := fs.binder.FlushAll(); err != nil {
		return err
	}
	return fs.wal.Checkpoint()
}

// checkpointThreshold is the WAL fill fraction past which core checkpoints
// proactively rather than waiting for Unmount.
const checkpointThreshold = 0.75

// checkpointIfDue checkpoints when the log has crossed checkpointThreshold.
// Called after every committed mutation, so a long-running mount without an
// explicit Fsync or Unmount still bounds how much it would have to redo
// after a crash.
func (fs *FS) checkpointIfDue() error {
	if fs.wal.UsedFraction() < checkpointThreshold {
		return nil
	}
	return fs.checkpoint()
}

// Unmount checkpoints and detaches every region, per spec §6.1.
func (fs *FS) Unmount() error {
	if err := fs.checkpoint(); err != nil {
		fs.binder.Close()
		return err
	}
	return fs.binder.Close()
}

// Fsync flushes the payload blocks and the WAL, then checkpoints: an
// explicit fsync is exactly the moment a caller wants the log trimmed back
// to a fresh snapshot rather than carried forward indefinitely.
func (fs *FS) Fsync(ino uint32) error {
	if _, err := fs.inodes.Lookup(ino); err != nil {
		return err
	}
	if err := fs.binder.Region(persist.RegionBlocks).Flush(); err != nil {
		fs.markReadOnly()
		return err
	}
	if err := fs.binder.Region(persist.RegionWAL).Flush(); err != nil {
		fs.markReadOnly()
		return err
	}
	if err := fs.checkpoint(); err != nil {
		fs.markReadOnly()
		return err
	}
	return nil
}

func (fs *FS) markReadOnly() {
	fs.roMu.Lock()
	fs.readOnly = true
	fs.roMu.Unlock()
	fs.log.Errorf("core: IO failure on flush, filesystem is now read-only until remount")
}

func (fs *FS) checkWritable() error {
	fs.roMu.RLock()
	defer fs.roMu.RUnlock()
	if fs.readOnly {
		return rfserrors.New(rfserrors.KindReadOnly, "core", "filesystem is read-only after a prior IO failure")
	}
	return nil
}

func (fs *FS) dirIdxFor(ino uint32) (int32, error) {
	fs.dirMu.RLock()
	idx, ok := fs.dirIdx[ino]
	fs.dirMu.RUnlock()
	if !ok {
		return dtree.NoIndex, rfserrors.New(rfserrors.KindNoEntry, "core", "inode is not a known directory")
	}
	return idx, nil
}

func (fs *FS) setDirIdx(ino uint32, idx int32) {
	fs.dirMu.Lock()
	fs.dirIdx[ino] = idx
	fs.dirMu.Unlock()
}

func (fs *FS) clearDirIdx(ino uint32) {
	fs.dirMu.Lock()
	delete(fs.dirIdx, ino)
	fs.dirMu.Unlock()
}

// --- lookups ----------------------------------------------------------------

// Lookup resolves name under the directory parentIno.
func (fs *FS) Lookup(parentIno uint32, name string) (*inode.Record, error) {
	parentIdx, err := fs.dirIdxFor(parentIno)
	if err != nil {
		return nil, err
	}
	idx, err := fs.tree.FindChild(parentIdx, name)
	if err != nil {
		return nil, err
	}
	node, err := fs.tree.ReadNode(idx)
	if err != nil {
		return nil, err
	}
	return fs.inodes.Lookup(node.Ino)
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Ino  uint32
}

// Readdir returns a stable, point-in-time snapshot of dirIno's children.
func (fs *FS) Readdir(dirIno uint32) ([]DirEntry, error) {
	dirIdx, err := fs.dirIdxFor(dirIno)
	if err != nil {
		return nil, err
	}
	node, err := fs.tree.ReadNode(dirIdx)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, node.ChildCount)
	n := fs.tree.NodeCount()
	for i := int32(0); i < n; i++ {
		if i == dirIdx || !fs.tree.IsLive(i) {
			continue
		}
		child, err := fs.tree.ReadNode(i)
		if err != nil || child.ParentIdx != dirIdx {
			continue
		}
		name, err := fs.names.Lookup(child.NameHandle)
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{Name: name, Ino: child.Ino})
	}
	return entries, nil
}

// GetAttr returns the current inode record for ino.
func (fs *FS) GetAttr(ino uint32) (*inode.Record, error) {
	return fs.inodes.Lookup(ino)
}

// SetAttr journals and applies a size/mtime change (e.g. truncate); mode,
// uid, and gid changes are applied directly without a WAL record, since
// spec §3's UPDATE payload carries only {ino, size, mtime} — permission
// bits are not crash-critical the way file length and modification time
// are, and are simply re-set on the already-recovered record.
func (fs *FS) SetAttr(ino uint32, mode *uint16, uid, gid *uint32, size *int64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	rec, err := fs.inodes.Lookup(ino)
	if err != nil {
		return err
	}

	if mode != nil {
		rec.Mode = *mode
	}
	if uid != nil {
		rec.UID = *uid
	}
	if gid != nil {
		rec.GID = *gid
	}

	if size == nil {
		rec.Mtime = now()
		return nil
	}

	txID, err := fs.wal.BeginTx()
	if err != nil {
		return err
	}
	if err := fs.extents.Truncate(rec, *size); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}
	mtime := now()
	rec.Mtime = mtime
	payload := recovery.EncodeUpdate(recovery.UpdatePayload{Ino: ino, Size: rec.Size, Mtime: mtime})
	if _, err := fs.wal.LogUpdate(txID, payload); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}
	if _, err := fs.wal.CommitTx(txID); err != nil {
		fs.markReadOnly()
		return rfserrors.Wrap(rfserrors.KindIOFailure, "core.set_attr", "commit flush failed", err)
	}
	return fs.checkpointIfDue()
}

// --- xattr --------------------------------------------------------------
//
// spec §6.1 scopes extended-attribute VALUE storage to an external
// collaborator; core exposes only the per-inode head pointer into that
// store. Changing it is not journaled for the same reason a WRITE's data
// bytes aren't: the authoritative content lives outside the WAL's view.

// XattrGet returns ino's extended-attribute chain head.
func (fs *FS) XattrGet(ino uint32) (uint32, error) {
	rec, err := fs.inodes.Lookup(ino)
	if err != nil {
		return 0, err
	}
	return rec.XattrHead, nil
}

// XattrSet replaces ino's extended-attribute chain head.
func (fs *FS) XattrSet(ino uint32, head uint32) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	rec, err := fs.inodes.Lookup(ino)
	if err != nil {
		return err
	}
	rec.XattrHead = head
	return nil
}

// XattrList returns the chain head for the caller to walk in the external
// store; core has no visibility into individual xattr names.
func (fs *FS) XattrList(ino uint32) (uint32, error) { return fs.XattrGet(ino) }

// XattrRemove clears ino's extended-attribute chain head.
func (fs *FS) XattrRemove(ino uint32) error { return fs.XattrSet(ino, 0) }

// --- mutating directory operations ------------------------------------------

// Create makes a new regular file named name under parentIno.
func (fs *FS) Create(parentIno uint32, name string, mode uint16, uid, gid uint32) (*inode.Record, error) {
	rec, _, err := fs.insert(parentIno, name, mode&^inode.ModeTypeMask|inode.ModeTypeFile, uid, gid)
	return rec, err
}

// Mkdir makes a new directory named name under parentIno.
func (fs *FS) Mkdir(parentIno uint32, name string, mode uint16, uid, gid uint32) (*inode.Record, error) {
	rec, childIdx, err := fs.insert(parentIno, name, mode&^inode.ModeTypeMask|inode.ModeTypeDir, uid, gid)
	if err != nil {
		return nil, err
	}
	fs.setDirIdx(rec.Ino, childIdx)
	return rec, nil
}

func (fs *FS) insert(parentIno uint32, name string, mode uint16, uid, gid uint32) (*inode.Record, int32, error) {
	if err := fs.checkWritable(); err != nil {
		return nil, dtree.NoIndex, err
	}
	parentIdx, err := fs.dirIdxFor(parentIno)
	if err != nil {
		return nil, dtree.NoIndex, err
	}

	ts := now()
	txID, err := fs.wal.BeginTx()
	if err != nil {
		return nil, dtree.NoIndex, err
	}

	childIdx, err := fs.tree.Insert(parentIdx, name, mode, uid, gid, ts)
	if err != nil {
		fs.wal.AbortTx(txID)
		return nil, dtree.NoIndex, err
	}
	node, err := fs.tree.ReadNode(childIdx)
	if err != nil {
		fs.tree.Delete(childIdx)
		fs.wal.AbortTx(txID)
		return nil, dtree.NoIndex, err
	}

	payload := recovery.EncodeInsert(recovery.InsertPayload{
		ParentIdx: parentIdx, ChildIdx: childIdx, Ino: node.Ino,
		Mode: mode, UID: uid, GID: gid, Now: ts, Name: name,
	})
	if _, err := fs.wal.LogInsert(txID, payload); err != nil {
		fs.tree.Delete(childIdx)
		fs.wal.AbortTx(txID)
		return nil, dtree.NoIndex, err
	}
	if _, err := fs.wal.CommitTx(txID); err != nil {
		fs.markReadOnly()
		return nil, dtree.NoIndex, rfserrors.Wrap(rfserrors.KindIOFailure, "core.insert", "commit flush failed", err)
	}
	if err := fs.checkpointIfDue(); err != nil {
		return nil, dtree.NoIndex, err
	}

	rec, err := fs.inodes.Lookup(node.Ino)
	return rec, childIdx, err
}

// Unlink removes a file (or empty directory via Rmdir) dentry.
func (fs *FS) Unlink(parentIno uint32, name string) error {
	return fs.remove(parentIno, name)
}

// Rmdir removes an empty directory dentry.
func (fs *FS) Rmdir(parentIno uint32, name string) error {
	return fs.remove(parentIno, name)
}

func (fs *FS) remove(parentIno uint32, name string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	parentIdx, err := fs.dirIdxFor(parentIno)
	if err != nil {
		return err
	}
	childIdx, err := fs.tree.FindChild(parentIdx, name)
	if err != nil {
		return err
	}
	node, err := fs.tree.ReadNode(childIdx)
	if err != nil {
		return err
	}

	txID, err := fs.wal.BeginTx()
	if err != nil {
		return err
	}

	payload := recovery.EncodeDelete(recovery.DeletePayload{ParentIdx: parentIdx, ChildIdx: childIdx})
	if _, err := fs.wal.LogDelete(txID, payload); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}
	if err := fs.tree.Delete(childIdx); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}
	if _, err := fs.wal.CommitTx(txID); err != nil {
		fs.markReadOnly()
		return rfserrors.Wrap(rfserrors.KindIOFailure, "core.remove", "commit flush failed", err)
	}

	fs.clearDirIdx(node.Ino)
	return fs.checkpointIfDue()
}

// Rename moves oldName from oldParentIno to newParentIno under newName.
func (fs *FS) Rename(oldParentIno uint32, oldName string, newParentIno uint32, newName string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	oldParentIdx, err := fs.dirIdxFor(oldParentIno)
	if err != nil {
		return err
	}
	newParentIdx, err := fs.dirIdxFor(newParentIno)
	if err != nil {
		return err
	}
	childIdx, err := fs.tree.FindChild(oldParentIdx, oldName)
	if err != nil {
		return err
	}

	txID, err := fs.wal.BeginTx()
	if err != nil {
		return err
	}

	payload := recovery.EncodeRename(recovery.RenamePayload{
		OldParentIdx: oldParentIdx, NewParentIdx: newParentIdx, ChildIdx: childIdx,
		OldName: oldName, NewName: newName,
	})
	if _, err := fs.wal.LogRename(txID, payload); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}
	if err := fs.tree.Rename(oldParentIdx, newParentIdx, childIdx, newName); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}
	if _, err := fs.wal.CommitTx(txID); err != nil {
		fs.markReadOnly()
		return rfserrors.Wrap(rfserrors.KindIOFailure, "core.rename", "commit flush failed", err)
	}
	return fs.checkpointIfDue()
}

// Link creates a new name for an existing inode (hardlink): an INSERT
// record whose inode number is the target's, rather than a freshly
// allocated one.
func (fs *FS) Link(parentIno uint32, name string, targetIno uint32) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	parentIdx, err := fs.dirIdxFor(parentIno)
	if err != nil {
		return err
	}
	target, err := fs.inodes.Lookup(targetIno)
	if err != nil {
		return err
	}
	if target.IsDir() {
		return rfserrors.New(rfserrors.KindInvalidArgument, "core.link", "cannot hardlink a directory")
	}

	ts := now()
	txID, err := fs.wal.BeginTx()
	if err != nil {
		return err
	}

	if err := fs.inodes.Link(targetIno); err != nil {
		fs.wal.AbortTx(txID)
		return err
	}

	childIdx, err := fs.linkDentry(parentIdx, name, targetIno)
	if err != nil {
		fs.inodes.Unlink(targetIno)
		fs.wal.AbortTx(txID)
		return err
	}

	payload := recovery.EncodeInsert(recovery.InsertPayload{
		ParentIdx: parentIdx, ChildIdx: childIdx, Ino: targetIno,
		Mode: target.Mode, UID: target.UID, GID: target.GID, Now: ts, Name: name,
	})
	if _, err := fs.wal.LogInsert(txID, payload); err != nil {
		fs.tree.Delete(childIdx)
		fs.inodes.Unlink(targetIno)
		fs.wal.AbortTx(txID)
		return err
	}
	if _, err := fs.wal.CommitTx(txID); err != nil {
		fs.markReadOnly()
		return rfserrors.Wrap(rfserrors.KindIOFailure, "core.link", "commit flush failed", err)
	}
	return fs.checkpointIfDue()
}

// linkDentry inserts a dentry pointing at an already-existing inode,
// bypassing dtree.Insert (which always allocates a fresh inode).
func (fs *FS) linkDentry(parentIdx int32, name string, ino uint32) (int32, error) {
	childIdx := fs.tree.NodeCount()
	if err := fs.tree.ReplayInsert(parentIdx, childIdx, name, ino); err != nil {
		return dtree.NoIndex, err
	}
	return childIdx, nil
}

// --- open files ---------------------------------------------------------

// Open returns a descriptor bound to ino. flags is currently unused by
// core (access-mode enforcement is the adapter's concern); it is accepted
// to match spec §6.1's call shape.
func (fs *FS) Open(ino uint32, flags uint32) (Descriptor, error) {
	if _, err := fs.inodes.Lookup(ino); err != nil {
		return 0, err
	}
	d := Descriptor(atomic.AddUint64(&fs.nextDesc, 1))
	fs.open.Store(d, ino)
	return d, nil
}

// Release closes a descriptor. The inode itself is freed, if its link
// count already reached zero, by internal/inode.Unlink at the point the
// last dentry was removed — core has no separate "pending delete" state.
func (fs *FS) Release(d Descriptor) error {
	if _, ok := fs.open.Load(d); !ok {
		return rfserrors.New(rfserrors.KindInvalidArgument, "core.release", "unknown descriptor")
	}
	fs.open.Delete(d)
	return nil
}

func (fs *FS) descIno(d Descriptor) (uint32, error) {
	v, ok := fs.open.Load(d)
	if !ok {
		return 0, rfserrors.New(rfserrors.KindInvalidArgument, "core", "unknown descriptor")
	}
	return v.(uint32), nil
}

// Read fills buf from desc's inode content at off. Access time is updated
// best-effort, in memory only (not journaled — ATIME churn on every read
// is not a crash-consistency concern any POSIX filesystem actually makes
// durable on every call).
func (fs *FS) Read(d Descriptor, buf []byte, off int64) (int, error) {
	ino, err := fs.descIno(d)
	if err != nil {
		return 0, err
	}
	rec, err := fs.inodes.Lookup(ino)
	if err != nil {
		return 0, err
	}
	n, err := fs.extents.Read(rec, buf, off)
	if err == nil {
		rec.Atime = now()
	}
	return n, err
}

// Write stores buf at logical offset off in desc's inode, journaling one
// WRITE record per block touched (per spec §4.6/§4.7: WRITE payloads carry
// the written block's CRC32, not its data, so recovery validates rather
// than replays the bytes).
func (fs *FS) Write(d Descriptor, buf []byte, off int64) (int, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	ino, err := fs.descIno(d)
	if err != nil {
		return 0, err
	}
	rec, err := fs.inodes.Lookup(ino)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}

	txID, err := fs.wal.BeginTx()
	if err != nil {
		return 0, err
	}

	n, err := fs.extents.Write(rec, buf, off)
	if err != nil {
		fs.wal.AbortTx(txID)
		return 0, err
	}
	mtime := now()
	rec.Mtime = mtime

	if err := fs.logWrittenBlocks(txID, rec, ino, off, int64(n), mtime); err != nil {
		fs.wal.AbortTx(txID)
		return 0, err
	}

	if _, err := fs.wal.CommitTx(txID); err != nil {
		fs.markReadOnly()
		return 0, rfserrors.Wrap(rfserrors.KindIOFailure, "core.write", "commit flush failed", err)
	}
	if err := fs.checkpointIfDue(); err != nil {
		return 0, err
	}
	return n, nil
}

// logWrittenBlocks journals one WRITE record per physical block the range
// [off, off+n) touches, each carrying the resident block's CRC32 computed
// after the write. Inline-data writes (no backing block yet) log a single
// record with a zero CRC, matching internal/recovery.validateResidentBlock's
// "hole is not a mismatch" rule.
func (fs *FS) logWrittenBlocks(txID uint64, rec *inode.Record, ino uint32, off, n, mtime int64) error {
	bs := int64(fs.extents.BlockSize())
	firstBlock := off / bs
	lastBlock := (off + n - 1) / bs
	block := make([]byte, bs)

	for lb := firstBlock; lb <= lastBlock; lb++ {
		logicalOff := lb * bs
		var crc uint32
		phys, _, err := fs.extents.Map(rec, logicalOff)
		if err != nil {
			return err
		}
		if phys != blockalloc.BlockNone {
			if _, err := fs.extents.ReadBlock(phys, block); err != nil {
				return err
			}
			crc = crc32.ChecksumIEEE(block)
		}
		payload := recovery.EncodeWrite(recovery.WritePayload{
			Ino: ino, Size: rec.Size, Mtime: mtime, Offset: logicalOff, DataCRC32: crc,
		})
		if _, err := fs.wal.LogWrite(txID, payload); err != nil {
			return err
		}
	}
	return nil
}
