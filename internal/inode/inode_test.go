package inode

import "testing"

func TestBootstrapRoot(t *testing.T) {
	tbl := New()
	root := tbl.Bootstrap(1000)

	if root.Ino != Root {
		t.Fatalf("expected root inode %d, got %d", Root, root.Ino)
	}
	if !root.IsDir() {
		t.Fatalf("expected root to be a directory")
	}
}

func TestAllocSkipsReservedRange(t *testing.T) {
	tbl := New()
	rec, err := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if rec.Ino <= reservedMax {
		t.Fatalf("expected inode number above reserved range, got %d", rec.Ino)
	}
}

func TestLookupRoundTrip(t *testing.T) {
	tbl := New()
	rec, _ := tbl.Alloc(ModeTypeFile|0644, 42, 42, 1000)

	got, err := tbl.Lookup(rec.Ino)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.UID != 42 {
		t.Fatalf("expected UID 42, got %d", got.UID)
	}
}

func TestLookupMissing(t *testing.T) {
	tbl := New()
	if _, err := tbl.Lookup(999); err == nil {
		t.Fatalf("expected NO_ENTRY for missing inode")
	}
}

func TestLinkAndUnlink(t *testing.T) {
	tbl := New()
	rec, _ := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)

	if err := tbl.Link(rec.Ino); err != nil {
		t.Fatalf("link: %v", err)
	}
	if rec.Links() != 2 {
		t.Fatalf("expected link count 2, got %d", rec.Links())
	}

	n, err := tbl.Unlink(rec.Ino)
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected link count 1 after one unlink, got %d", n)
	}

	if _, err := tbl.Unlink(rec.Ino); err != nil {
		t.Fatalf("final unlink: %v", err)
	}
	if _, err := tbl.Lookup(rec.Ino); err == nil {
		t.Fatalf("expected inode to be released after link count reached zero")
	}
}

func TestUnlinkAlreadyReleased(t *testing.T) {
	tbl := New()
	rec, _ := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)
	_, _ = tbl.Unlink(rec.Ino)

	if _, err := tbl.Unlink(rec.Ino); err == nil {
		t.Fatalf("expected error unlinking an already-released inode")
	}
}

func TestSlotReuseAfterFree(t *testing.T) {
	tbl := New()
	first, _ := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)
	firstIno := first.Ino
	_, _ = tbl.Unlink(firstIno)

	second, _ := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)
	if second.Ino == firstIno {
		t.Fatalf("expected a fresh inode number, inode numbers are not reused")
	}

	if _, err := tbl.Lookup(firstIno); err == nil {
		t.Fatalf("expected freed inode to be unreachable")
	}
	if _, err := tbl.Lookup(second.Ino); err != nil {
		t.Fatalf("expected new inode to be reachable: %v", err)
	}
}

func TestTableFull(t *testing.T) {
	tbl := NewFixed(2)
	if _, err := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000); err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	if _, err := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000); err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if _, err := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000); err == nil {
		t.Fatalf("expected TABLE_FULL on third alloc of a 2-slot table")
	}
}

func TestUpdate(t *testing.T) {
	tbl := New()
	rec, _ := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)

	if err := tbl.Update(rec.Ino, 4096, 2000); err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Size != 4096 || rec.Mtime != 2000 {
		t.Fatalf("update did not apply: size=%d mtime=%d", rec.Size, rec.Mtime)
	}
}

func TestManyAllocationsStayDistinct(t *testing.T) {
	tbl := New()
	seen := make(map[uint32]bool)
	for i := 0; i < 2000; i++ {
		rec, err := tbl.Alloc(ModeTypeFile|0644, 0, 0, 1000)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[rec.Ino] {
			t.Fatalf("inode number %d reused while still live", rec.Ino)
		}
		seen[rec.Ino] = true
	}
}
