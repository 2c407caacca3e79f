package kv

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/google/uuid"
)

// FlushCommandKind enumerates the flush worker's command set. FlushAll is
// the only variant today; the type exists as an extension point per
// spec.md §4.6.
type FlushCommandKind int

const (
	FlushAll FlushCommandKind = iota
)

// FlushCommand is sent on the engine's flush channel to request work.
type FlushCommand struct {
	Kind FlushCommandKind
}

// FlushResult is emitted by the worker for each sealed table it attempted
// to flush. Err is nil on success, in which case Path names the new
// level-0 SST.
type FlushResult struct {
	SealedID uint64
	Path     string
	Err      error
}

// sealedSnapshotter is the engine-side view the flush worker needs: a
// point-in-time, shallow copy of id -> sealed table. Sealed tables are
// immutable once inserted, so handing out the same *MemTable pointers is
// safe without additional locking on the worker's side.
type sealedSnapshotter interface {
	snapshotSealed() map[uint64]*MemTable
}

// FlushWorker is the long-running task described in spec.md §4.6: it
// receives commands on cmds and emits one FlushResult per sealed table
// per FlushAll on results.
type FlushWorker struct {
	dir     string
	sealed  sealedSnapshotter
	cmds    <-chan FlushCommand
	results chan<- FlushResult
}

// NewFlushWorker constructs a worker that writes new SSTs under dir.
func NewFlushWorker(dir string, sealed sealedSnapshotter, cmds <-chan FlushCommand, results chan<- FlushResult) *FlushWorker {
	return &FlushWorker{dir: dir, sealed: sealed, cmds: cmds, results: results}
}

// Run consumes commands until cmds is closed. It is meant to be launched
// with `go worker.Run()`.
func (w *FlushWorker) Run() {
	for cmd := range w.cmds {
		switch cmd.Kind {
		case FlushAll:
			w.flushAll()
		default:
			log.Printf("flush: ignoring unknown command kind %d", cmd.Kind)
		}
	}
}

func (w *FlushWorker) flushAll() {
	snapshot := w.sealed.snapshotSealed()
	for id, table := range snapshot {
		path, err := w.flushOne(id, table)
		if err != nil {
			log.Printf("flush: sealed table %d failed: %v", id, err)
			w.results <- FlushResult{SealedID: id, Err: err}
			continue
		}
		w.results <- FlushResult{SealedID: id, Path: path}
	}
}

func (w *FlushWorker) flushOne(id uint64, table *MemTable) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("L0_%s.sst", uuid.New().String()))
	entries := table.Flush()
	if _, err := WriteSST(path, entries); err != nil {
		return "", fmt.Errorf("flush: write sst for sealed table %d: %w", id, err)
	}
	return path, nil
}
