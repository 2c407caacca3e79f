package kv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LSMManager tracks the ordered collection of on-disk levels and routes
// lookups across them. Level 0 may hold overlapping key ranges (one SST
// per flushed memtable); levels 1+ are expected to hold non-overlapping,
// key-ordered SSTs once compaction starts populating them.
type LSMManager struct {
	mu     sync.RWMutex
	dir    string
	levels [][]*SSTable
}

// NewLSMManager constructs a manager rooted at dir. Call Initialize to
// load any SSTs already on disk.
func NewLSMManager(dir string) *LSMManager {
	return &LSMManager{dir: dir, levels: make([][]*SSTable, 1)}
}

// Initialize loads existing level-0 SSTs from dir at startup. The SST
// directory layout is flat today (level 0 only); per-level subdirectories
// are a forward-compatible extension spec.md §6 leaves unexercised.
func (m *LSMManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lsm: read dir %s: %w", m.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "L0_") && strings.HasSuffix(e.Name(), ".sst") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sst, err := OpenSSTable(filepath.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("lsm: open %s: %w", name, err)
		}
		m.levels[0] = append(m.levels[0], sst)
	}
	return nil
}

// AddSST records a newly-produced SST at the given level, growing the
// level list as needed. Level 0 additions come from the flush worker;
// additions at level >= 1 come from the compactor.
func (m *LSMManager) AddSST(level int, sst *SSTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for level >= len(m.levels) {
		m.levels = append(m.levels, nil)
	}
	m.levels[level] = append(m.levels[level], sst)
	if level >= 1 {
		sort.Slice(m.levels[level], func(i, j int) bool {
			return bytes.Compare(m.levels[level][i].FirstKey(), m.levels[level][j].FirstKey()) < 0
		})
	}
}

// Get probes levels from newest (level 0) to oldest. Within level 0,
// every overlapping SST is consulted and the highest-SN match wins.
// Within a non-overlapping level, the single SST whose key range could
// contain the probe key is located by binary search over first_keys.
func (m *LSMManager) Get(key []byte) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for level, ssts := range m.levels {
		if len(ssts) == 0 {
			continue
		}
		if level == 0 {
			res, err := m.getOverlapping(ssts, key)
			if err != nil {
				return notFoundResult, err
			}
			if res.Found {
				return res, nil
			}
			continue
		}
		res, err := m.getNonOverlapping(ssts, key)
		if err != nil {
			return notFoundResult, err
		}
		if res.Found {
			return res, nil
		}
	}
	return notFoundResult, nil
}

func (m *LSMManager) getOverlapping(ssts []*SSTable, key []byte) (GetResult, error) {
	best := notFoundResult
	for _, sst := range ssts {
		res, err := sst.Get(key)
		if err != nil {
			return notFoundResult, fmt.Errorf("lsm: get from %s: %w", sst.Path, err)
		}
		if res.Found && (!best.Found || res.Seq > best.Seq) {
			best = res
		}
	}
	return best, nil
}

func (m *LSMManager) getNonOverlapping(ssts []*SSTable, key []byte) (GetResult, error) {
	idx := sort.Search(len(ssts), func(i int) bool {
		return bytes.Compare(ssts[i].FirstKey(), key) > 0
	}) - 1
	if idx < 0 {
		return notFoundResult, nil
	}
	sst := ssts[idx]
	if bytes.Compare(key, sst.LastKey()) > 0 {
		return notFoundResult, nil
	}
	res, err := sst.Get(key)
	if err != nil {
		return notFoundResult, fmt.Errorf("lsm: get from %s: %w", sst.Path, err)
	}
	return res, nil
}

// Level returns a snapshot slice of the SSTs currently in level, used by
// the compactor to pick inputs.
func (m *LSMManager) Level(level int) []*SSTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if level >= len(m.levels) {
		return nil
	}
	out := make([]*SSTable, len(m.levels[level]))
	copy(out, m.levels[level])
	return out
}

// RemoveFromLevel drops the given SSTs from level (by pointer identity),
// closing each one. The compactor calls this once its merged output has
// been registered, so a key present in both a removed input and the new
// output is no longer consulted twice.
func (m *LSMManager) RemoveFromLevel(level int, toRemove []*SSTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level >= len(m.levels) {
		return nil
	}
	dead := make(map[*SSTable]bool, len(toRemove))
	for _, sst := range toRemove {
		dead[sst] = true
	}
	kept := m.levels[level][:0]
	var firstErr error
	for _, sst := range m.levels[level] {
		if dead[sst] {
			if err := sst.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		kept = append(kept, sst)
	}
	m.levels[level] = kept
	return firstErr
}

// Close closes every SST currently tracked.
func (m *LSMManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, level := range m.levels {
		for _, sst := range level {
			if err := sst.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
