package blockalloc

import "testing"

func newTestAllocator(total uint32) *Allocator {
	return New(total, 64, make([]byte, int(total)*64))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(16)

	first, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	buf := []byte("hello, block!")
	if _, err := a.Write(first, 0, buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, len(buf))
	if _, err := a.Read(first, 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != string(buf) {
		t.Fatalf("round trip mismatch: got %q want %q", out, buf)
	}

	if err := a.Free(first, 4); err != nil {
		t.Fatalf("free: %v", err)
	}

	_, total, frag := noopStats(a)
	if total != 16 {
		t.Fatalf("expected 16 free blocks after freeing all, got %d (frag=%f)", total, frag)
	}
}

func noopStats(a *Allocator) (uint32, uint32, float64) {
	return a.Stats()
}

func TestAllocOutOfSpace(t *testing.T) {
	a := newTestAllocator(4)

	if _, err := a.Alloc(4); err != nil {
		t.Fatalf("expected full allocation to succeed: %v", err)
	}

	if _, err := a.Alloc(1); err == nil {
		t.Fatalf("expected OUT_OF_SPACE when allocator is full")
	}
}

func TestAllocWrapsAroundHint(t *testing.T) {
	a := newTestAllocator(8)

	first, err := a.Alloc(8)
	if err != nil {
		t.Fatalf("alloc all: %v", err)
	}
	if err := a.Free(first, 8); err != nil {
		t.Fatalf("free: %v", err)
	}

	// Put the hint inside the freed run, too close to its end for 4 blocks:
	// the scan should wrap and still find the run.
	a.hint = 6
	b, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("alloc with wraparound: %v", err)
	}
	if b+4 > 8 && b < 6 {
		t.Fatalf("unexpected allocation start %d", b)
	}
}

func TestFragmentationReporting(t *testing.T) {
	a := newTestAllocator(10)

	b1, _ := a.Alloc(2)
	_, _ = a.Alloc(2)
	b3, _ := a.Alloc(2)

	// Free two non-adjacent runs, leaving fragmented free space.
	_ = a.Free(b1, 2)
	_ = a.Free(b3, 2)

	total, free, frag := a.Stats()
	if total != 10 {
		t.Fatalf("expected total 10, got %d", total)
	}
	if free != 8 {
		t.Fatalf("expected 8 free blocks, got %d", free)
	}
	if frag <= 0 {
		t.Fatalf("expected nonzero fragmentation, got %f", frag)
	}
}
