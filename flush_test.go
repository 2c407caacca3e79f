package kv

import (
	"path/filepath"
	"testing"
)

type fakeSealedSnapshot struct {
	tables map[uint64]*MemTable
}

func (f *fakeSealedSnapshot) snapshotSealed() map[uint64]*MemTable { return f.tables }

func TestFlushWorkerFlushAllWritesOneSSTPerSealedTable(t *testing.T) {
	dir := t.TempDir()

	mt1 := NewMemTable(1024)
	mt1.Insert([]byte("a"), []byte("1"), 1)
	mt2 := NewMemTable(1024)
	mt2.Insert([]byte("b"), []byte("2"), 2)

	snap := &fakeSealedSnapshot{tables: map[uint64]*MemTable{10: mt1, 20: mt2}}
	cmds := make(chan FlushCommand, 1)
	results := make(chan FlushResult, 2)
	worker := NewFlushWorker(dir, snap, cmds, results)

	go worker.Run()
	cmds <- FlushCommand{Kind: FlushAll}
	close(cmds)

	seen := map[uint64]string{}
	for i := 0; i < 2; i++ {
		res := <-results
		if res.Err != nil {
			t.Fatalf("flush %d failed: %v", res.SealedID, res.Err)
		}
		if filepath.Dir(res.Path) != dir {
			t.Fatalf("path %q not under %q", res.Path, dir)
		}
		seen[res.SealedID] = res.Path
	}
	if len(seen) != 2 {
		t.Fatalf("got %d results, want 2", len(seen))
	}

	for id, path := range seen {
		sst, err := OpenSSTable(path)
		if err != nil {
			t.Fatalf("OpenSSTable(%d): %v", id, err)
		}
		defer sst.Close()
		wantKey := "a"
		if id == 20 {
			wantKey = "b"
		}
		if string(sst.FirstKey()) != wantKey {
			t.Fatalf("sealed table %d flushed sst has first key %q, want %q", id, sst.FirstKey(), wantKey)
		}
	}
}

func TestFlushWorkerOneFailureDoesNotAbortOthers(t *testing.T) {
	dir := t.TempDir()

	good := NewMemTable(1 << 20)
	good.Insert([]byte("ok"), []byte("v"), 1)
	// A value alone larger than BlockSize can never be packed, so this
	// sealed table's flush must fail with ErrCapacityExceeded without
	// affecting the other table's flush.
	bad := NewMemTable(1 << 20)
	bad.Insert([]byte("bad"), make([]byte, BlockSize+1), 2)

	snap := &fakeSealedSnapshot{tables: map[uint64]*MemTable{1: good, 2: bad}}
	cmds := make(chan FlushCommand, 1)
	results := make(chan FlushResult, 2)
	worker := NewFlushWorker(dir, snap, cmds, results)

	go worker.Run()
	cmds <- FlushCommand{Kind: FlushAll}
	close(cmds)

	okCount, errCount := 0, 0
	for i := 0; i < 2; i++ {
		res := <-results
		switch {
		case res.Err == nil:
			okCount++
		case res.SealedID == 2:
			errCount++
		default:
			t.Fatalf("unexpected failure for sealed table %d: %v", res.SealedID, res.Err)
		}
	}
	if okCount != 1 || errCount != 1 {
		t.Fatalf("got %d ok, %d err, want 1 and 1", okCount, errCount)
	}
}
