package slotindex

import "testing"

func TestPutGetRemove(t *testing.T) {
	idx := New(32)
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", idx.Len())
	}

	idx.Put("email", Descriptor{InodeLoc: 112, MTime: 1000, Type: 1})
	d, ok := idx.Get("email")
	if !ok {
		t.Fatalf("Get(%q) not found", "email")
	}
	if d.InodeLoc != 112 || d.MTime != 1000 || d.Type != 1 {
		t.Fatalf("Get(%q) = %+v, want {112 1000 1}", "email", d)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}

	idx.Remove("email")
	if _, ok := idx.Get("email"); ok {
		t.Fatalf("Get(%q) after Remove: want not found", "email")
	}
	if idx.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", idx.Len())
	}
}

func TestKeysReflectsContents(t *testing.T) {
	idx := New(8)
	idx.Put("a", Descriptor{})
	idx.Put("b", Descriptor{})
	idx.Put("c", Descriptor{})
	idx.Remove("b")

	got := map[string]bool{}
	for _, k := range idx.Keys() {
		got[k] = true
	}
	if len(got) != 2 || !got["a"] || !got["c"] || got["b"] {
		t.Fatalf("Keys() = %v, want {a, c}", idx.Keys())
	}
}

func TestTrimKeyDropsNulPadding(t *testing.T) {
	if got := trimKey([]byte("email\x00\x00\x00")); got != "email" {
		t.Fatalf("trimKey() = %q, want %q", got, "email")
	}
	if got := trimKey([]byte("email")); got != "email" {
		t.Fatalf("trimKey() = %q, want %q", got, "email")
	}
}
