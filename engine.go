package kv

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Config tunes an Engine. Every field defaults the way NewEngine fills in
// a zero value, matching the teacher's own NewWithConfig convention.
type Config struct {
	// Path is the directory the engine's WAL and SSTs live under.
	Path string
	// MemTableBytes bounds the active memtable's byte budget. Defaults to
	// DefaultMaxMemTableBytes.
	MemTableBytes int64
	// FlushChanCapacity bounds the flush command/result channels.
	// Defaults to DefaultFlushChanCapacity.
	FlushChanCapacity int
}

// DefaultFlushChanCapacity is the flush command channel capacity used
// when Config.FlushChanCapacity is left zero, per spec.md §5/§6.
const DefaultFlushChanCapacity = 16

var defaultEnginePath = "./data/kv"

// Engine is the front-of-house described in spec.md §4.9: it owns
// sequence-number issuance, the WAL+memtable write path, the layered
// read path, and rotation/flush dispatch.
type Engine struct {
	dir              string
	maxMemTableBytes int64

	wal *WAL

	activeMu sync.RWMutex
	active   *MemTable

	sealedMu sync.RWMutex
	sealed   map[uint64]*MemTable

	seq atomic.Uint64

	flushCmds    chan FlushCommand
	flushResults chan FlushResult
	workerDone   chan struct{}
	eventLoopDone chan struct{}

	lsm *LSMManager

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewEngine opens (creating if necessary) the engine rooted at cfg.Path,
// replaying the WAL and loading any existing level-0 SSTs before
// returning.
func NewEngine(cfg Config) (*Engine, error) {
	dir := cfg.Path
	if dir == "" {
		dir = defaultEnginePath
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", dir, err)
	}

	maxBytes := cfg.MemTableBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMemTableBytes
	}
	flushCap := cfg.FlushChanCapacity
	if flushCap <= 0 {
		flushCap = DefaultFlushChanCapacity
	}

	wal, err := OpenWAL(filepath.Join(dir, "wal.log"))
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	lsm := NewLSMManager(dir)
	if err := lsm.Initialize(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("engine: load ssts: %w", err)
	}

	e := &Engine{
		dir:              dir,
		maxMemTableBytes: maxBytes,
		wal:              wal,
		active:           NewMemTable(maxBytes),
		sealed:           make(map[uint64]*MemTable),
		flushCmds:        make(chan FlushCommand, flushCap),
		flushResults:     make(chan FlushResult, flushCap),
		workerDone:       make(chan struct{}),
		eventLoopDone:    make(chan struct{}),
		lsm:              lsm,
	}

	if err := e.replayWAL(); err != nil {
		wal.Close()
		lsm.Close()
		return nil, fmt.Errorf("engine: replay wal: %w", err)
	}

	worker := NewFlushWorker(dir, e, e.flushCmds, e.flushResults)
	go func() {
		worker.Run()
		close(e.workerDone)
	}()
	go e.runEventLoop()

	return e, nil
}

// replayWAL installs every previously-accepted record directly into the
// active memtable under its original sequence number, then advances the
// engine's counter past the maximum sequence number observed. This fixes
// the documented bug where recovery re-allocates fresh sequence numbers
// through the normal write path, which would make a key's SN unstable
// across restarts.
func (e *Engine) replayWAL() error {
	entries, err := e.wal.ReadAll()
	if err != nil {
		return err
	}
	var maxSeq uint64
	for _, rec := range entries {
		switch rec.Type {
		case RecordDelete:
			e.active.Delete(rec.Key, rec.Seq)
		default:
			e.active.Insert(rec.Key, rec.Value, rec.Seq)
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	if len(entries) > 0 {
		e.seq.Store(maxSeq)
		log.Printf("engine: wal replay restored %d entries, resuming at seq %d", len(entries), maxSeq+1)
	}
	return nil
}

// Put durably records value for key and returns the sequence number
// assigned to the mutation.
func (e *Engine) Put(key, value []byte) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	seq := e.seq.Add(1)
	if err := e.wal.Append(key, value, seq); err != nil {
		return 0, fmt.Errorf("engine: put: %w", err)
	}

	e.activeMu.Lock()
	if !e.active.HasCapacity(encodedLen(key, value)) {
		e.rotateLocked(seq)
	}
	e.active.Insert(key, value, seq)
	e.activeMu.Unlock()

	return seq, nil
}

// Delete durably records a tombstone for key and reports the value the
// key held immediately before the tombstone, per spec.md §6's
// delete(key) -> (Option<(key, old_value)>, seq) contract. The prior
// value is read and the tombstone is written under the same activeMu
// critical section Put uses for its mutation, so a concurrent Put cannot
// land between "read the old value" and "write the tombstone" and make
// oldValue stale.
func (e *Engine) Delete(key []byte) (oldValue []byte, hadValue bool, seq uint64, err error) {
	if e.closed.Load() {
		return nil, false, 0, ErrClosed
	}

	seq = e.seq.Add(1)
	if err = e.wal.AppendDelete(key, seq); err != nil {
		return nil, false, 0, fmt.Errorf("engine: delete: %w", err)
	}

	e.activeMu.Lock()
	prior, lookupErr := e.lookupLocked(key)
	if lookupErr != nil {
		log.Printf("engine: delete %q: prior-value lookup failed: %v", key, lookupErr)
	}
	if !e.active.HasCapacity(encodedLen(key, nil)) {
		e.rotateLocked(seq)
	}
	e.active.Delete(key, seq)
	e.activeMu.Unlock()

	if prior.Found && !prior.Deleted {
		return prior.Value, true, seq, nil
	}
	return nil, false, seq, nil
}

// rotateLocked seals the current active memtable under flush_id = seq and
// dispatches a best-effort FlushAll. Callers must hold activeMu.
func (e *Engine) rotateLocked(flushID uint64) {
	old := e.active
	e.active = NewMemTable(e.maxMemTableBytes)

	e.sealedMu.Lock()
	e.sealed[flushID] = old
	e.sealedMu.Unlock()

	select {
	case e.flushCmds <- FlushCommand{Kind: FlushAll}:
	default:
		log.Printf("engine: flush channel full, dropping dispatch for sealed table %d (FlushAll is idempotent, next rotation retries)", flushID)
	}
}

// lookupLocked performs the layered active -> sealed -> LSM lookup that
// both Get and Delete need. Callers must hold activeMu (Lock or RLock)
// for the duration, so the active-table probe is consistent with
// whatever the caller does immediately after.
func (e *Engine) lookupLocked(key []byte) (GetResult, error) {
	if res := e.active.Get(key); res.Found {
		return res, nil
	}

	e.sealedMu.RLock()
	var best GetResult
	for _, table := range e.sealed {
		r := table.Get(key)
		if r.Found && (!best.Found || r.Seq > best.Seq) {
			best = r
		}
	}
	e.sealedMu.RUnlock()
	if best.Found {
		return best, nil
	}

	return e.lsm.Get(key)
}

// Get implements spec.md §4.9's read path: active memtable, then sealed
// memtables (highest SN among hits wins), then the LSM manager.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.activeMu.RLock()
	res, err := e.lookupLocked(key)
	e.activeMu.RUnlock()
	if err != nil {
		return nil, false, fmt.Errorf("engine: get: %w", err)
	}
	if !res.Found {
		return nil, false, nil
	}
	return valueOf(res)
}

func valueOf(res GetResult) ([]byte, bool, error) {
	if res.Deleted {
		return nil, false, nil
	}
	return res.Value, true, nil
}

// KV is one (key, value) pair returned by GetAll.
type KV struct {
	Key   []byte
	Value []byte
}

// GetAll returns the active memtable's live entries only; sealed tables
// and on-disk SSTs are excluded. This is a diagnostic operation, not a
// full scan, per spec.md §4.9.
func (e *Engine) GetAll() []KV {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()

	var out []KV
	e.active.Iter(func(key []byte, ent memEntry) bool {
		if !ent.deleted {
			out = append(out, KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), ent.value...)})
		}
		return true
	})
	return out
}

// snapshotSealed implements sealedSnapshotter for the flush worker.
func (e *Engine) snapshotSealed() map[uint64]*MemTable {
	e.sealedMu.RLock()
	defer e.sealedMu.RUnlock()
	out := make(map[uint64]*MemTable, len(e.sealed))
	for id, table := range e.sealed {
		out[id] = table
	}
	return out
}

// runEventLoop consumes flush results: a successful flush drops the
// sealed table from the map and hands the new SST to the LSM manager; a
// failure is logged and the sealed table is retried on the next
// FlushAll.
func (e *Engine) runEventLoop() {
	defer close(e.eventLoopDone)
	for res := range e.flushResults {
		if res.Err != nil {
			log.Printf("engine: flush failed for sealed table %d: %v", res.SealedID, res.Err)
			continue
		}
		sst, err := OpenSSTable(res.Path)
		if err != nil {
			log.Printf("engine: failed to open flushed sst %s: %v", res.Path, err)
			continue
		}
		e.lsm.AddSST(0, sst)
		e.sealedMu.Lock()
		delete(e.sealed, res.SealedID)
		e.sealedMu.Unlock()
	}
}

// FlushNow requests a flush of every currently sealed table without
// waiting for it to run: the FlushAll command is queued with a
// non-blocking send and silently dropped if the flush channel is full.
func (e *Engine) FlushNow() {
	select {
	case e.flushCmds <- FlushCommand{Kind: FlushAll}:
	default:
	}
}

// Close stops the flush worker and event loop, then closes the WAL and
// every open SST.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.flushCmds)
		<-e.workerDone
		close(e.flushResults)
		<-e.eventLoopDone

		if walErr := e.wal.Close(); walErr != nil {
			err = walErr
		}
		if lsmErr := e.lsm.Close(); lsmErr != nil && err == nil {
			err = lsmErr
		}
	})
	return err
}

// CompactLevel0 merges every SST currently in level 0 into a single new
// level-1 SST via the k-way merge compactor, then registers the result
// and removes the inputs. The engine never compacts on its own: no
// background goroutine or timer calls this, so level 0 is only merged
// when a caller invokes it.
func (e *Engine) CompactLevel0() error {
	inputs := e.lsm.Level(0)
	if len(inputs) < 2 {
		return nil
	}
	outPath := filepath.Join(e.dir, fmt.Sprintf("L1_%d.sst", e.seq.Load()))
	path, err := Compact(inputs, outPath)
	if err != nil {
		return fmt.Errorf("engine: compact level 0: %w", err)
	}
	sst, err := OpenSSTable(path)
	if err != nil {
		return fmt.Errorf("engine: open compacted sst: %w", err)
	}
	e.lsm.AddSST(1, sst)
	if err := e.lsm.RemoveFromLevel(0, inputs); err != nil {
		return fmt.Errorf("engine: retire compacted level-0 ssts: %w", err)
	}
	return nil
}
