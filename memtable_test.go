package kv

import "testing"

func TestMemTableInsertAndGet(t *testing.T) {
	mt := NewMemTable(1024)
	mt.Insert([]byte("foo"), []byte("bar"), 1)

	res := mt.Get([]byte("foo"))
	if !res.Found || res.Deleted {
		t.Fatalf("expected live entry, got %+v", res)
	}
	if string(res.Value) != "bar" {
		t.Fatalf("got value %q, want %q", res.Value, "bar")
	}
}

func TestMemTableOverwrite(t *testing.T) {
	mt := NewMemTable(1024)
	mt.Insert([]byte("k"), []byte("v1"), 1)
	mt.Insert([]byte("k"), []byte("v2"), 2)

	res := mt.Get([]byte("k"))
	if !res.Found || string(res.Value) != "v2" || res.Seq != 2 {
		t.Fatalf("got %+v, want live v2 at seq 2", res)
	}
}

func TestMemTableTombstoneMasksOlderValue(t *testing.T) {
	mt := NewMemTable(1024)
	mt.Insert([]byte("k"), []byte("v"), 1)
	mt.Delete([]byte("k"), 2)

	res := mt.Get([]byte("k"))
	if !res.Found || !res.Deleted {
		t.Fatalf("got %+v, want tombstone", res)
	}
}

func TestMemTableUsedBytesOverwriteAccounting(t *testing.T) {
	mt := NewMemTable(1024)
	mt.Insert([]byte("k"), []byte("short"), 1)
	firstSize := mt.BytesUsed()

	mt.Insert([]byte("k"), []byte("short"), 2)
	if mt.BytesUsed() != firstSize {
		t.Fatalf("overwriting with an identically-sized value changed used_bytes: %d != %d", mt.BytesUsed(), firstSize)
	}

	mt.Insert([]byte("k"), []byte("a-much-longer-value"), 3)
	want := encodedLen([]byte("k"), []byte("a-much-longer-value"))
	if mt.BytesUsed() != want {
		t.Fatalf("used_bytes = %d after overwrite, want %d (old entry size not subtracted)", mt.BytesUsed(), want)
	}
}

func TestMemTableCapacityBoundary(t *testing.T) {
	mt := NewMemTable(64)
	mt.Insert([]byte("key1"), []byte("abcdefgh"), 1) // encodedLen = 8+4+8=20
	mt.Insert([]byte("key2"), []byte("abcdefgh"), 2) // running total 40
	mt.Delete([]byte("key1"), 3)                     // tombstone overwrite, encodedLen(key1,"")=8+4=12, total becomes 40-20+12=32

	if !mt.HasCapacity(encodedLen([]byte("key3"), []byte("abcdefgh"))) {
		t.Fatalf("expected capacity for key3 insert at used_bytes=%d, max=64", mt.BytesUsed())
	}
	mt.Insert([]byte("key3"), []byte("abcdefgh"), 4)
	// key3 brings used_bytes to 32+20=52, within max_bytes. The memtable never
	// rotates by itself; that decision belongs to the engine.
	if mt.BytesUsed() > 64 {
		t.Fatalf("used_bytes %d exceeded max_bytes 64", mt.BytesUsed())
	}
}

func TestMemTableFlushOrdering(t *testing.T) {
	mt := NewMemTable(4096)
	mt.Insert([]byte("banana"), []byte("1"), 1)
	mt.Insert([]byte("apple"), []byte("2"), 2)
	mt.Insert([]byte("cherry"), []byte("3"), 3)

	entries := mt.Flush()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	want := []string{"apple", "banana", "cherry"}
	for i, e := range entries {
		if string(e.Key) != want[i] {
			t.Fatalf("entries[%d].Key = %q, want %q", i, e.Key, want[i])
		}
	}
}
