package strtab

import "testing"

func TestInternIsIdempotent(t *testing.T) {
	tbl := New()

	h1, err := tbl.Intern("hello.txt")
	if err != nil {
		t.Fatalf("intern: %v", err)
	}

	h2, err := tbl.Intern("hello.txt")
	if err != nil {
		t.Fatalf("intern second time: %v", err)
	}

	if h1 != h2 {
		t.Fatalf("expected stable handle, got %d and %d", h1, h2)
	}

	name, err := tbl.Lookup(h1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if name != "hello.txt" {
		t.Fatalf("expected 'hello.txt', got %q", name)
	}
}

func TestInternDistinctNamesDistinctHandles(t *testing.T) {
	tbl := New()

	h1, _ := tbl.Intern("a")
	h2, _ := tbl.Intern("b")
	if h1 == h2 {
		t.Fatalf("expected distinct handles for distinct names")
	}
}

func TestInternNameTooLong(t *testing.T) {
	tbl := New()
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}

	_, err := tbl.Intern(string(long))
	if err == nil {
		t.Fatalf("expected NAME_TOO_LONG error")
	}
}

func TestBinderOwnedOutOfSpace(t *testing.T) {
	tbl := NewBinderOwned(16)

	_, err := tbl.Intern("short")
	if err != nil {
		t.Fatalf("unexpected error on first intern: %v", err)
	}

	_, err = tbl.Intern("this-name-is-too-long-for-16-bytes")
	if err == nil {
		t.Fatalf("expected OUT_OF_SPACE error")
	}
}

func TestInternManyNamesStayDistinct(t *testing.T) {
	tbl := New()
	seen := make(map[uint32]string)

	for i := 0; i < 500; i++ {
		name := string(rune('a'+i%26)) + string(rune('A'+i%26)) + string(rune(i))
		h, err := tbl.Intern(name)
		if err != nil {
			t.Fatalf("intern %q: %v", name, err)
		}
		if prev, ok := seen[h]; ok && prev != name {
			t.Fatalf("handle collision: %q and %q both map to %d", prev, name, h)
		}
		seen[h] = name
	}
}
