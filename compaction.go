package kv

import (
	"bytes"
	"container/heap"
	"fmt"
)

// Compact merges inputs — which may have overlapping key ranges — into a
// single new SST at outPath containing one entry per key: the entry with
// the highest sequence number across all inputs. Callers must keep every
// input SSTable open for the duration of the call, since entry views
// returned by SSTable.Iter reference the underlying mmap.
//
// The merge is driven by a min-heap keyed (key ascending, seq
// descending), per spec.md §4.7: popping the minimum always yields the
// highest-SN entry for the next distinct key first, so later pops of the
// same key are simply skipped.
func Compact(inputs []*SSTable, outPath string) (string, error) {
	cursors := make([]*entryCursor, len(inputs))
	for i, sst := range inputs {
		var entries []decodedBlockEntry
		sst.Iter(func(e decodedBlockEntry) bool {
			entries = append(entries, e)
			return true
		})
		cursors[i] = &entryCursor{entries: entries}
	}

	h := make(mergeHeap, 0, len(cursors))
	heap.Init(&h)
	for i, c := range cursors {
		if e, ok := c.next(); ok {
			heap.Push(&h, mergeHeapItem{entry: e, source: i})
		}
	}

	writer, err := newSSTWriter(outPath)
	if err != nil {
		return "", fmt.Errorf("compaction: %w", err)
	}

	var lastEmitted []byte
	emittedAny := false
	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeHeapItem)

		if !emittedAny || !bytes.Equal(item.entry.Key, lastEmitted) {
			if err := writer.Append(item.entry.Key, item.entry.Value, item.entry.Seq, item.entry.Deleted); err != nil {
				return "", fmt.Errorf("compaction: append: %w", err)
			}
			lastEmitted = item.entry.Key
			emittedAny = true
		}

		if next, ok := cursors[item.source].next(); ok {
			heap.Push(&h, mergeHeapItem{entry: next, source: item.source})
		}
	}

	path, err := writer.Finalize()
	if err != nil {
		return "", fmt.Errorf("compaction: finalize: %w", err)
	}
	return path, nil
}

// entryCursor walks one input's already-ascending entry list.
type entryCursor struct {
	entries []decodedBlockEntry
	pos     int
}

func (c *entryCursor) next() (decodedBlockEntry, bool) {
	if c.pos >= len(c.entries) {
		return decodedBlockEntry{}, false
	}
	e := c.entries[c.pos]
	c.pos++
	return e, true
}

type mergeHeapItem struct {
	entry  decodedBlockEntry
	source int
}

// mergeHeap orders by (key ascending, seq descending): for equal keys the
// highest sequence number sorts first, so "first-wins-per-key" during the
// pop loop keeps the newest version.
type mergeHeap []mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].entry.Key, h[j].entry.Key)
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].entry.Seq > h[j].entry.Seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(mergeHeapItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
