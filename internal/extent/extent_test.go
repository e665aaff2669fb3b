package extent

import (
	"bytes"
	"testing"

	"github.com/razorfs/razorfs/internal/blockalloc"
	"github.com/razorfs/razorfs/internal/inode"
)

func newTestManager(totalBlocks uint32) (*Manager, *inode.Table) {
	alloc := blockalloc.New(totalBlocks, 16, make([]byte, int(totalBlocks)*16))
	return New(alloc, NewStore()), inode.New()
}

func TestInlineDataRoundTrip(t *testing.T) {
	m, tbl := newTestManager(16)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)

	payload := []byte("hello")
	n, err := m.Write(rec, payload, 0)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}
	if rec.ExtentMode != inode.ExtentModeInlineData {
		t.Fatalf("expected inline-data regime for a short write")
	}

	out := make([]byte, len(payload))
	if _, err := m.Read(rec, out, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", out, payload)
	}
}

func TestPromotionToInlineExtents(t *testing.T) {
	m, tbl := newTestManager(16)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)

	payload := bytes.Repeat([]byte("x"), inode.InlineDataCap+8)
	if _, err := m.Write(rec, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.ExtentMode != inode.ExtentModeInlineExtents {
		t.Fatalf("expected promotion to inline-extents regime, got mode %d", rec.ExtentMode)
	}

	out := make([]byte, len(payload))
	if _, err := m.Read(rec, out, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch after promotion")
	}
}

func TestPromotionToExtentTree(t *testing.T) {
	m, tbl := newTestManager(64)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)
	bs := m.alloc.BlockSize()

	// Write far enough apart that each write lands in its own block and
	// none of them can merge, forcing promotion past the inline cap.
	for i := 0; i < inode.InlineExtentCap+2; i++ {
		off := int64(i * bs * 2)
		if _, err := m.Write(rec, []byte("z"), off); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if rec.ExtentMode != inode.ExtentModeTree {
		t.Fatalf("expected promotion to extent-tree regime, got mode %d", rec.ExtentMode)
	}
	if got := len(m.Iter(rec)); got != inode.InlineExtentCap+2 {
		t.Fatalf("expected %d extents, got %d", inode.InlineExtentCap+2, got)
	}
}

func TestReadGapReturnsZeros(t *testing.T) {
	m, tbl := newTestManager(64)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)
	bs := m.alloc.BlockSize()

	if _, err := m.Write(rec, []byte("a"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.Write(rec, []byte("b"), int64(bs*4)); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, bs)
	if _, err := m.Read(rec, out, int64(bs)); err != nil {
		t.Fatalf("read hole: %v", err)
	}
	for _, b := range out {
		if b != 0 {
			t.Fatalf("expected zero-filled hole, found byte %d", b)
		}
	}
}

func TestTruncateSmallerFreesBlocks(t *testing.T) {
	m, tbl := newTestManager(16)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)

	payload := bytes.Repeat([]byte("y"), inode.InlineDataCap+16)
	if _, err := m.Write(rec, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	before, _, _ := m.alloc.Stats()
	_ = before

	if err := m.Truncate(rec, 4); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if rec.Size != 4 {
		t.Fatalf("expected size 4 after truncate, got %d", rec.Size)
	}

	_, free, _ := m.alloc.Stats()
	if free == 0 {
		t.Fatalf("expected truncate to free at least one block")
	}
}

func TestTruncateLargerIsSparse(t *testing.T) {
	m, tbl := newTestManager(16)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)

	if err := m.Truncate(rec, 1<<20); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if rec.Size != 1<<20 {
		t.Fatalf("expected size to grow, got %d", rec.Size)
	}
	_, free, _ := m.alloc.Stats()
	if free != 16 {
		t.Fatalf("expected truncate-larger to allocate no blocks, free=%d", free)
	}
}

func TestFreeAllReleasesBlocks(t *testing.T) {
	m, tbl := newTestManager(16)
	rec, _ := tbl.Alloc(inode.ModeTypeFile|0644, 0, 0, 1)

	payload := bytes.Repeat([]byte("w"), inode.InlineDataCap+16)
	if _, err := m.Write(rec, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := m.FreeAll(rec); err != nil {
		t.Fatalf("free_all: %v", err)
	}

	_, free, _ := m.alloc.Stats()
	if free != 16 {
		t.Fatalf("expected all blocks free, got %d free", free)
	}
	if rec.Size != 0 {
		t.Fatalf("expected size reset to 0, got %d", rec.Size)
	}
}
