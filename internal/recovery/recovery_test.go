package recovery

import (
	"hash/crc32"
	"testing"

	"github.com/razorfs/razorfs/internal/blockalloc"
	"github.com/razorfs/razorfs/internal/dtree"
	"github.com/razorfs/razorfs/internal/extent"
	"github.com/razorfs/razorfs/internal/inode"
	"github.com/razorfs/razorfs/internal/strtab"
	"github.com/razorfs/razorfs/internal/wal"
)

const testMode = 0100644

type harness struct {
	tree     *dtree.Tree
	inodes   *inode.Table
	extents  *extent.Manager
	log      *wal.Log
	buf      []byte
	rootIdx  int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inodes := inode.New()
	inodes.Bootstrap(1000)
	names := strtab.New()
	tree := dtree.New(names, inodes)
	rootIdx := tree.Bootstrap()

	data := make([]byte, 64*4096)
	alloc := blockalloc.New(64, 4096, data)
	extents := extent.New(alloc, extent.NewStore())

	buf := make([]byte, wal.MinSize)
	log, err := wal.NewFresh(buf, nil)
	if err != nil {
		t.Fatalf("new fresh wal: %v", err)
	}
	return &harness{tree: tree, inodes: inodes, extents: extents, log: log, buf: buf, rootIdx: rootIdx}
}

func (h *harness) engine() *Engine {
	return New(h.tree, h.inodes, h.extents)
}

// logInsert appends a full BEGIN/INSERT/COMMIT (or leaves it open, for
// in-flight / aborted scenarios) transaction, returning the assigned
// (parentIdx, childIdx, ino) triple without applying it to the live tree —
// recovery is exercised against a log describing state the tree does not
// yet hold.
func (h *harness) logInsert(t *testing.T, parentIdx, childIdx int32, ino uint32, name string) InsertPayload {
	t.Helper()
	p := InsertPayload{ParentIdx: parentIdx, ChildIdx: childIdx, Ino: ino, Mode: testMode, UID: 0, GID: 0, Now: 1000, Name: name}
	tx, err := h.log.BeginTx()
	if err != nil {
		t.Fatalf("begin_tx: %v", err)
	}
	if _, err := h.log.LogInsert(tx, EncodeInsert(p)); err != nil {
		t.Fatalf("log_insert: %v", err)
	}
	if _, err := h.log.CommitTx(tx); err != nil {
		t.Fatalf("commit_tx: %v", err)
	}
	return p
}

func TestRedoRecreatesMissingDentryAndInode(t *testing.T) {
	h := newHarness(t)
	h.logInsert(t, h.rootIdx, 1, 2, "hello.txt")

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.OpsRedone != 1 {
		t.Fatalf("expected 1 redone op, got %d", stats.OpsRedone)
	}

	idx, err := h.tree.FindChild(h.rootIdx, "hello.txt")
	if err != nil {
		t.Fatalf("find_child: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected child at index 1, got %d", idx)
	}
	if _, err := h.inodes.Lookup(2); err != nil {
		t.Fatalf("expected inode 2 to exist after redo: %v", err)
	}
}

func TestRedoIsIdempotentWhenAlreadyApplied(t *testing.T) {
	h := newHarness(t)
	p := h.logInsert(t, h.rootIdx, 1, 2, "hello.txt")

	// Apply it once up front, as if the crash happened after the in-memory
	// mutation but the checkpoint never advanced.
	if err := h.tree.ReplayInsert(p.ParentIdx, p.ChildIdx, p.Name, p.Ino); err != nil {
		t.Fatalf("pre-apply replay insert: %v", err)
	}
	if _, err := h.inodes.ReplayAlloc(p.Ino, p.Mode, p.UID, p.GID, p.Now); err != nil {
		t.Fatalf("pre-apply replay alloc: %v", err)
	}

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.OpsRedone != 0 {
		t.Fatalf("expected the already-applied insert to be skipped, got %d redone", stats.OpsRedone)
	}
	if stats.OpsSkipped != 1 {
		t.Fatalf("expected 1 skipped op, got %d", stats.OpsSkipped)
	}
}

func TestInFlightTransactionIsUndone(t *testing.T) {
	h := newHarness(t)

	p := InsertPayload{ParentIdx: h.rootIdx, ChildIdx: 1, Ino: 2, Mode: testMode, Now: 1000, Name: "orphan.txt"}
	tx, err := h.log.BeginTx()
	if err != nil {
		t.Fatalf("begin_tx: %v", err)
	}
	if _, err := h.log.LogInsert(tx, EncodeInsert(p)); err != nil {
		t.Fatalf("log_insert: %v", err)
	}
	// No CommitTx: the transaction is left in flight, as if the process
	// crashed mid-operation.

	// Simulate that the in-memory mutation had already happened before the
	// crash (a WAL record always precedes the mutation it describes, but
	// the mutation can still land before the crash cuts off the commit).
	if err := h.tree.ReplayInsert(p.ParentIdx, p.ChildIdx, p.Name, p.Ino); err != nil {
		t.Fatalf("pre-apply replay insert: %v", err)
	}
	if _, err := h.inodes.ReplayAlloc(p.Ino, p.Mode, p.UID, p.GID, p.Now); err != nil {
		t.Fatalf("pre-apply replay alloc: %v", err)
	}

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.OpsRedone != 0 {
		t.Fatalf("expected no redo for an in-flight transaction, got %d", stats.OpsRedone)
	}
	if stats.OpsUndone != 1 {
		t.Fatalf("expected 1 undone op, got %d", stats.OpsUndone)
	}
	if _, err := h.tree.FindChild(h.rootIdx, "orphan.txt"); err == nil {
		t.Fatalf("expected the in-flight insert to be rolled back")
	}
}

func TestAbortedTransactionIsUndone(t *testing.T) {
	h := newHarness(t)

	p := InsertPayload{ParentIdx: h.rootIdx, ChildIdx: 1, Ino: 2, Mode: testMode, Now: 1000, Name: "gone.txt"}
	tx, _ := h.log.BeginTx()
	if _, err := h.log.LogInsert(tx, EncodeInsert(p)); err != nil {
		t.Fatalf("log_insert: %v", err)
	}
	if _, err := h.log.AbortTx(tx); err != nil {
		t.Fatalf("abort_tx: %v", err)
	}
	if err := h.tree.ReplayInsert(p.ParentIdx, p.ChildIdx, p.Name, p.Ino); err != nil {
		t.Fatalf("pre-apply replay insert: %v", err)
	}

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.OpsUndone != 1 {
		t.Fatalf("expected 1 undone op for the aborted transaction, got %d", stats.OpsUndone)
	}
	if _, err := h.tree.FindChild(h.rootIdx, "gone.txt"); err == nil {
		t.Fatalf("expected the aborted insert to be rolled back")
	}
}

func TestUpdateRedoIsLastWriterWins(t *testing.T) {
	h := newHarness(t)
	rec, err := h.inodes.ReplayAlloc(2, testMode, 0, 0, 1000)
	if err != nil {
		t.Fatalf("replay_alloc: %v", err)
	}
	rec.Size = 10
	rec.Mtime = 5000

	older := UpdatePayload{Ino: 2, Size: 999, Mtime: 1}
	tx, _ := h.log.BeginTx()
	if _, err := h.log.LogUpdate(tx, EncodeUpdate(older)); err != nil {
		t.Fatalf("log_update: %v", err)
	}
	if _, err := h.log.CommitTx(tx); err != nil {
		t.Fatalf("commit_tx: %v", err)
	}

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.OpsSkipped != 1 {
		t.Fatalf("expected the stale update to be skipped, got %d skipped", stats.OpsSkipped)
	}
	if rec.Size != 10 {
		t.Fatalf("expected the newer in-memory size to survive, got %d", rec.Size)
	}
}

func TestWriteRedoValidatesResidentBlockCRC(t *testing.T) {
	h := newHarness(t)
	rec, err := h.inodes.ReplayAlloc(2, testMode, 0, 0, 1000)
	if err != nil {
		t.Fatalf("replay_alloc: %v", err)
	}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := h.extents.Write(rec, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	block, _, err := h.extents.Map(rec, 0)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	full := make([]byte, h.extents.BlockSize())
	if _, err := h.extents.ReadBlock(block, full); err != nil {
		t.Fatalf("read_block: %v", err)
	}
	goodCRC := crc32.ChecksumIEEE(full)

	p := WritePayload{Ino: 2, Size: rec.Size, Mtime: rec.Mtime, Offset: 0, DataCRC32: goodCRC}
	tx, _ := h.log.BeginTx()
	if _, err := h.log.LogWrite(tx, EncodeWrite(p)); err != nil {
		t.Fatalf("log_write: %v", err)
	}
	if _, err := h.log.CommitTx(tx); err != nil {
		t.Fatalf("commit_tx: %v", err)
	}

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.NeedsFsck {
		t.Fatalf("expected a matching CRC to not require fsck")
	}
	if stats.OpsRedone != 1 {
		t.Fatalf("expected 1 redone write, got %d", stats.OpsRedone)
	}
}

func TestWriteRedoZeroesBlockOnCRCMismatch(t *testing.T) {
	h := newHarness(t)
	rec, err := h.inodes.ReplayAlloc(2, testMode, 0, 0, 1000)
	if err != nil {
		t.Fatalf("replay_alloc: %v", err)
	}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := h.extents.Write(rec, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := WritePayload{Ino: 2, Size: rec.Size, Mtime: rec.Mtime, Offset: 0, DataCRC32: 0xDEADBEEF}
	tx, _ := h.log.BeginTx()
	if _, err := h.log.LogWrite(tx, EncodeWrite(p)); err != nil {
		t.Fatalf("log_write: %v", err)
	}
	if _, err := h.log.CommitTx(tx); err != nil {
		t.Fatalf("commit_tx: %v", err)
	}

	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !stats.NeedsFsck {
		t.Fatalf("expected a CRC mismatch to require fsck")
	}

	block, _, err := h.extents.Map(rec, 0)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	full := make([]byte, h.extents.BlockSize())
	if _, err := h.extents.ReadBlock(block, full); err != nil {
		t.Fatalf("read_block: %v", err)
	}
	for i, b := range full {
		if b != 0 {
			t.Fatalf("expected the mismatched block to be zeroed, byte %d = %d", i, b)
		}
	}
}

func TestTruncatedScanSetsNeedsFsck(t *testing.T) {
	h := newHarness(t)
	h.logInsert(t, h.rootIdx, 1, 2, "hello.txt")

	// Start from a checkpointed log so the scan sees only the transaction
	// below.
	h.log.Checkpoint()
	tx, _ := h.log.BeginTx()
	if _, err := h.log.LogInsert(tx, EncodeInsert(InsertPayload{ParentIdx: h.rootIdx, ChildIdx: 2, Ino: 3, Mode: testMode, Now: 1, Name: "a"})); err != nil {
		t.Fatalf("log_insert: %v", err)
	}
	if _, err := h.log.CommitTx(tx); err != nil {
		t.Fatalf("commit_tx: %v", err)
	}

	entries, truncated := h.log.Scan()
	if truncated {
		t.Fatalf("did not expect a healthy log to already report truncation")
	}
	if len(entries) == 0 {
		t.Fatalf("expected at least one entry to scan")
	}

	// Corrupt the first payload byte of the logged INSERT (after the
	// 64-byte WAL header and the 36-byte entry header) so Scan stops short
	// and reports truncation.
	var ins *wal.Entry
	for i := range entries {
		if entries[i].Op == wal.OpInsert {
			ins = &entries[i]
		}
	}
	if ins == nil {
		t.Fatalf("expected the scan to include the INSERT entry")
	}
	h.buf[64+int(ins.Offset)+36] ^= 0xFF

	if _, truncated := h.log.Scan(); !truncated {
		t.Fatalf("expected the corrupted log to report truncation")
	}
	stats, err := h.engine().Run(h.log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !stats.NeedsFsck {
		t.Fatalf("expected a truncated scan to set NeedsFsck")
	}
}

func TestCheckpointAdvancesAfterRun(t *testing.T) {
	h := newHarness(t)
	h.logInsert(t, h.rootIdx, 1, 2, "hello.txt")

	before := h.log.CheckpointLSN()
	if _, err := h.engine().Run(h.log); err != nil {
		t.Fatalf("run: %v", err)
	}
	after := h.log.CheckpointLSN()
	if after <= before {
		t.Fatalf("expected checkpoint LSN to advance past %d, got %d", before, after)
	}
	if h.log.NeedsRecovery() {
		t.Fatalf("expected the log to be clean after a full recovery run")
	}
}
