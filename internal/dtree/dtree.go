// Package dtree implements the n-ary directory tree (C5): a dynamic vector
// of dentry nodes, each carrying its own reader/writer lock, with children
// kept as a sorted-by-name-handle vector per directory.
//
// Grounded on direktiv-vorteil's pkg/vio/tree.go (TreeNode.Children as a
// name-sorted vector spliced via sort.Search, mapIn's insert/replace/merge
// logic) and pkg/ext4/dir.go's teaHash bucketing, generalized from
// string-keyed, single-writer-at-a-time trees to handle-keyed nodes with
// per-node concurrent locking and a documented global lock order.
package dtree

import (
	"sort"
	"sync"

	"github.com/razorfs/razorfs/internal/inode"
	"github.com/razorfs/razorfs/internal/rfserrors"
	"github.com/razorfs/razorfs/internal/strtab"
)

// NoIndex is the sentinel "no such dentry" index.
const NoIndex int32 = -1

// linearSearchCap is the child-count threshold below which find_child uses
// linear search instead of binary search, per spec §4.5.
const linearSearchCap = 8

type childEntry struct {
	handle uint32
	idx    int32
}

// dentryNode is sized to roughly two cache lines: one for content fields,
// one for the lock, so a reader spinning on the lock doesn't false-share
// the cache line a concurrent content reader is touching.
type dentryNode struct {
	// --- cache line 1: content ---
	nameHandle uint32
	inodeNum   uint32
	parentIdx  int32
	inUse      bool
	_          [3]byte
	children   []childEntry
	freeNext   int32
	_pad0      [24]byte

	// --- cache line 2: lock ---
	lock  sync.RWMutex
	_pad1 [32]byte
}

// Snapshot is a point-in-time, lock-free-to-read copy of a dentry's content.
type Snapshot struct {
	Idx        int32
	NameHandle uint32
	Ino        uint32
	ParentIdx  int32
	ChildCount int
}

// Tree is the directory tree. treeLock guards the nodes vector and its free
// list; each dentry's own lock guards that node's fields and children.
// Lookups take treeLock for read only long enough to fetch a node pointer,
// and release it before taking any dentry lock. Changing the slot set
// (allocSlot, ensureSlot, freeSlot, which may move the backing array) takes
// treeLock for write; ReplayInsert and Delete do so while holding dentry
// locks. No path holds treeLock while waiting on a dentry lock, so this
// cannot deadlock.
type Tree struct {
	treeLock sync.RWMutex
	nodes    []*dentryNode
	freeHead int32

	names  *strtab.Table
	inodes *inode.Table
}

// New constructs an empty tree (no root yet; call Bootstrap once).
func New(names *strtab.Table, inodes *inode.Table) *Tree {
	return &Tree{freeHead: NoIndex, names: names, inodes: inodes}
}

// Bootstrap installs the root dentry (index 0) over the already-bootstrapped
// root inode. Must be called at most once.
func (t *Tree) Bootstrap() int32 {
	idx, node := t.allocSlot()
	node.nameHandle = strtab.Invalid
	node.inodeNum = inode.Root
	node.parentIdx = NoIndex
	return idx
}

func (t *Tree) allocSlot() (int32, *dentryNode) {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()

	if t.freeHead != NoIndex {
		idx := t.freeHead
		n := t.nodes[idx]
		t.freeHead = n.freeNext
		*n = dentryNode{inUse: true}
		return idx, n
	}

	n := &dentryNode{inUse: true}
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1), n
}

func (t *Tree) nodeAt(idx int32) (*dentryNode, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()

	if idx < 0 || int(idx) >= len(t.nodes) || !t.nodes[idx].inUse {
		return nil, rfserrors.New(rfserrors.KindNoEntry, "dtree", "no such dentry")
	}
	return t.nodes[idx], nil
}

func searchChildren(children []childEntry, handle uint32) (int, bool) {
	if len(children) <= linearSearchCap {
		for i, c := range children {
			if c.handle == handle {
				return i, true
			}
			if c.handle > handle {
				return i, false
			}
		}
		return len(children), false
	}
	i := sort.Search(len(children), func(i int) bool { return children[i].handle >= handle })
	if i < len(children) && children[i].handle == handle {
		return i, true
	}
	return i, false
}

// FindChild looks up name under the directory at parentIdx.
func (t *Tree) FindChild(parentIdx int32, name string) (int32, error) {
	parent, err := t.nodeAt(parentIdx)
	if err != nil {
		return NoIndex, err
	}

	handle, err := t.names.Intern(name)
	if err != nil {
		return NoIndex, err
	}

	parent.lock.RLock()
	defer parent.lock.RUnlock()

	i, ok := searchChildren(parent.children, handle)
	if !ok {
		return NoIndex, rfserrors.New(rfserrors.KindNoEntry, "dtree.find_child", "no such entry")
	}
	return parent.children[i].idx, nil
}

// Insert creates a new dentry named name under parentIdx, allocating a
// backing inode with the given mode/uid/gid. Duplicate names are rejected.
func (t *Tree) Insert(parentIdx int32, name string, mode uint16, uid, gid uint32, now int64) (int32, error) {
	handle, err := t.names.Intern(name)
	if err != nil {
		return NoIndex, err
	}

	rec, err := t.inodes.Alloc(mode, uid, gid, now)
	if err != nil {
		return NoIndex, err
	}

	childIdx, child := t.allocSlot()
	child.nameHandle = handle
	child.inodeNum = rec.Ino
	child.parentIdx = parentIdx

	parent, err := t.nodeAt(parentIdx)
	if err != nil {
		t.rollbackInsert(childIdx, rec.Ino)
		return NoIndex, err
	}

	parent.lock.Lock()
	i, exists := searchChildren(parent.children, handle)
	if exists {
		parent.lock.Unlock()
		t.rollbackInsert(childIdx, rec.Ino)
		return NoIndex, rfserrors.New(rfserrors.KindExists, "dtree.insert", "name already exists")
	}

	parent.children = append(parent.children, childEntry{})
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = childEntry{handle: handle, idx: childIdx}
	parent.lock.Unlock()

	return childIdx, nil
}

// ensureSlot grows the nodes vector (and free list, for any newly created
// intermediate slots) so that idx is addressable, used only by recovery
// replay where a dentry must be recreated at its originally logged index.
func (t *Tree) ensureSlot(idx int32) *dentryNode {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()

	for int32(len(t.nodes)) <= idx {
		n := &dentryNode{freeNext: t.freeHead}
		t.freeHead = int32(len(t.nodes))
		t.nodes = append(t.nodes, n)
	}

	n := t.nodes[idx]
	if !n.inUse {
		// Splice this slot out of the free list wherever it sits.
		if t.freeHead == idx {
			t.freeHead = n.freeNext
		} else {
			for cur := t.freeHead; cur != NoIndex; cur = t.nodes[cur].freeNext {
				if t.nodes[cur].freeNext == idx {
					t.nodes[cur].freeNext = n.freeNext
					break
				}
			}
		}
	}
	return n
}

// ReplayInsert recreates the dentry at childIdx, named name and pointing at
// ino, under parentIdx — used by the recovery engine's Redo phase, which
// must reproduce the exact dentry index a crashed run had already handed
// out. It is idempotent: if a live entry with the same name already exists
// under parentIdx, it is left untouched and no new slot is consumed; the
// call returns nil when that entry is childIdx and EXISTS otherwise.
func (t *Tree) ReplayInsert(parentIdx, childIdx int32, name string, ino uint32) error {
	handle, err := t.names.Intern(name)
	if err != nil {
		return err
	}

	parent, err := t.nodeAt(parentIdx)
	if err != nil {
		return err
	}

	parent.lock.Lock()
	defer parent.lock.Unlock()

	if i, exists := searchChildren(parent.children, handle); exists {
		if parent.children[i].idx == childIdx {
			return nil
		}
		return rfserrors.New(rfserrors.KindExists, "dtree.replay_insert", "name already exists")
	}

	child := t.ensureSlot(childIdx)
	*child = dentryNode{inUse: true, nameHandle: handle, inodeNum: ino, parentIdx: parentIdx}

	i, _ := searchChildren(parent.children, handle)
	parent.children = append(parent.children, childEntry{})
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = childEntry{handle: handle, idx: childIdx}
	return nil
}

// IsLive reports whether idx currently names an in-use dentry.
func (t *Tree) IsLive(idx int32) bool {
	_, err := t.nodeAt(idx)
	return err == nil
}

// NodeCount returns the current size of the node vector (including freed
// slots), for callers that need to enumerate every index, e.g. the
// persistence binder's snapshot writer.
func (t *Tree) NodeCount() int32 {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	return int32(len(t.nodes))
}

func (t *Tree) rollbackInsert(childIdx int32, ino uint32) {
	_, _ = t.inodes.Unlink(ino)
	t.freeSlot(childIdx)
}

func (t *Tree) freeSlot(idx int32) {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()

	n := t.nodes[idx]
	n.inUse = false
	n.freeNext = t.freeHead
	t.freeHead = idx
}

// Delete removes the dentry at idx from its parent, refusing non-empty
// directories and the root. The backing inode's link count is decremented,
// which may release it; a backing inode that no longer exists does not
// block the removal.
func (t *Tree) Delete(idx int32) error {
	if idx == 0 {
		return rfserrors.New(rfserrors.KindInvalidArgument, "dtree.delete", "root is never deletable")
	}

	child, err := t.nodeAt(idx)
	if err != nil {
		return err
	}
	parentIdx := child.parentIdx

	parent, err := t.nodeAt(parentIdx)
	if err != nil {
		return err
	}

	// Lock ordering: parent (shallower) before child (deeper).
	parent.lock.Lock()
	defer parent.lock.Unlock()
	child.lock.Lock()
	defer child.lock.Unlock()

	if len(child.children) > 0 {
		return rfserrors.New(rfserrors.KindNotEmpty, "dtree.delete", "directory is not empty")
	}

	i, ok := searchChildren(parent.children, child.nameHandle)
	if !ok {
		return rfserrors.New(rfserrors.KindNoEntry, "dtree.delete", "dentry missing from parent")
	}

	if _, err := t.inodes.Unlink(child.inodeNum); err != nil && !rfserrors.Is(err, rfserrors.KindNoEntry) {
		return err
	}

	parent.children = append(parent.children[:i], parent.children[i+1:]...)
	t.freeSlot(idx)
	return nil
}

// ReadNode returns a point-in-time snapshot of the dentry at idx.
func (t *Tree) ReadNode(idx int32) (Snapshot, error) {
	n, err := t.nodeAt(idx)
	if err != nil {
		return Snapshot{}, err
	}

	n.lock.RLock()
	defer n.lock.RUnlock()

	return Snapshot{
		Idx:        idx,
		NameHandle: n.nameHandle,
		Ino:        n.inodeNum,
		ParentIdx:  n.parentIdx,
		ChildCount: len(n.children),
	}, nil
}

// Guard releases a lock taken by LockRead or LockWrite.
type Guard struct {
	node      *dentryNode
	forWrite  bool
}

// Unlock releases the guard's lock.
func (g *Guard) Unlock() {
	if g.forWrite {
		g.node.lock.Unlock()
	} else {
		g.node.lock.RUnlock()
	}
}

// LockRead acquires the dentry's reader lock for a multi-step operation
// spanning the directory tree and the inode/extent layers.
func (t *Tree) LockRead(idx int32) (*Guard, error) {
	n, err := t.nodeAt(idx)
	if err != nil {
		return nil, err
	}
	n.lock.RLock()
	return &Guard{node: n}, nil
}

// LockWrite acquires the dentry's writer lock.
func (t *Tree) LockWrite(idx int32) (*Guard, error) {
	n, err := t.nodeAt(idx)
	if err != nil {
		return nil, err
	}
	n.lock.Lock()
	return &Guard{node: n, forWrite: true}, nil
}

// Rename moves the dentry at childIdx from oldParentIdx to newParentIdx
// under newName, acquiring the two parents in ascending index order per
// spec §4.5's two-parent ordering rule.
func (t *Tree) Rename(oldParentIdx, newParentIdx, childIdx int32, newName string) error {
	newHandle, err := t.names.Intern(newName)
	if err != nil {
		return err
	}

	first, second := oldParentIdx, newParentIdx
	swapped := false
	if first > second {
		first, second = second, first
		swapped = true
	}

	nFirst, err := t.nodeAt(first)
	if err != nil {
		return err
	}
	nFirst.lock.Lock()
	defer nFirst.lock.Unlock()

	var nSecond *dentryNode
	if second != first {
		nSecond, err = t.nodeAt(second)
		if err != nil {
			return err
		}
		nSecond.lock.Lock()
		defer nSecond.lock.Unlock()
	} else {
		nSecond = nFirst
	}

	oldParent, newParent := nFirst, nSecond
	if swapped {
		oldParent, newParent = nSecond, nFirst
	}

	child, err := t.nodeAt(childIdx)
	if err != nil {
		return err
	}

	i, ok := searchChildren(oldParent.children, child.nameHandle)
	if !ok {
		return rfserrors.New(rfserrors.KindNoEntry, "dtree.rename", "source entry missing")
	}
	if _, exists := searchChildren(newParent.children, newHandle); exists {
		return rfserrors.New(rfserrors.KindExists, "dtree.rename", "destination name already exists")
	}

	oldParent.children = append(oldParent.children[:i], oldParent.children[i+1:]...)

	j, _ := searchChildren(newParent.children, newHandle)
	newParent.children = append(newParent.children, childEntry{})
	copy(newParent.children[j+1:], newParent.children[j:])
	newParent.children[j] = childEntry{handle: newHandle, idx: childIdx}

	child.parentIdx = newParentIdx
	child.nameHandle = newHandle
	return nil
}
