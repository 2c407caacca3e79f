package kv

import (
	"path/filepath"
	"testing"
)

func TestWALAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	if err := w.Append([]byte("k1"), []byte("v1"), 1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append([]byte("k2"), []byte("v2"), 2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.AppendDelete([]byte("k1"), 3); err != nil {
		t.Fatalf("AppendDelete: %v", err)
	}

	entries, err := w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Type != RecordPut || string(entries[0].Key) != "k1" || string(entries[0].Value) != "v1" || entries[0].Seq != 1 {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[2].Type != RecordDelete || string(entries[2].Key) != "k1" || entries[2].Seq != 3 {
		t.Fatalf("entries[2] = %+v", entries[2])
	}
}

func TestWALSkipsUnparseableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}

	if err := w.Append([]byte("good"), []byte("v"), 1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.file.WriteString("{not json\n"); err != nil {
		t.Fatalf("inject garbage: %v", err)
	}
	if err := w.Append([]byte("good2"), []byte("v2"), 2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	w2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	entries, err := w2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (garbage line skipped)", len(entries))
	}
	if string(entries[1].Key) != "good2" {
		t.Fatalf("entries[1].Key = %q, want good2", entries[1].Key)
	}
}

func TestWALTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	if err := w.Append([]byte("k"), []byte("v"), 1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	entries, err := w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries after truncate, want 0", len(entries))
	}
}
