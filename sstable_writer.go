package kv

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// TrailerSize is the fixed 8-byte trailer appended after the block region
// of every SST file: metadata_offset (u32) | version (u32).
const TrailerSize = 8

// SSTFormatVersion is written into every trailer produced by this writer.
const SSTFormatVersion = 1

// WriteSST streams entries, which must already be in ascending key order,
// into a new block-aligned SST file at path. It writes through a temp
// file in the same directory and renames into place so a reader never
// observes a partially-written file, matching the atomic-publish pattern
// SST construction requires.
func WriteSST(path string, entries []FlushedEntry) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, fmt.Errorf("sstable: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	builder := newBlockBuilder()
	for _, e := range entries {
		if err := builder.Add(e.Key, e.Value, e.Seq, e.Deleted); err != nil {
			tmp.Close()
			return 0, err
		}
	}
	blocks := builder.Finish()

	var written int64
	for _, block := range blocks {
		n, err := tmp.Write(block)
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("sstable: write block: %w", err)
		}
		written += int64(n)
	}

	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(written))
	binary.LittleEndian.PutUint32(trailer[4:8], SSTFormatVersion)
	if _, err := tmp.Write(trailer[:]); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sstable: write trailer: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("sstable: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("sstable: publish: %w", err)
	}
	return written + TrailerSize, nil
}

// sstWriter is the streaming counterpart to WriteSST: Append entries one
// at a time in ascending key order, then Finalize to publish the file.
type sstWriter struct {
	path    string
	tmp     *os.File
	tmpName string
	builder *blockBuilder
	written int64
}

// newSSTWriter opens a temp file alongside path ready to accept streamed
// entries via Append.
func newSSTWriter(path string) (*sstWriter, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("sstable: create temp: %w", err)
	}
	return &sstWriter{path: path, tmp: tmp, tmpName: tmp.Name(), builder: newBlockBuilder()}, nil
}

// Append packs one more entry, flushing completed blocks to disk as they
// fill so the writer's memory footprint stays bounded by BlockSize.
func (w *sstWriter) Append(key, value []byte, seq uint64, deleted bool) error {
	before := len(w.builder.blocks)
	if err := w.builder.Add(key, value, seq, deleted); err != nil {
		return err
	}
	for _, block := range w.builder.blocks[before:] {
		n, err := w.tmp.Write(block)
		if err != nil {
			return fmt.Errorf("sstable: write block: %w", err)
		}
		w.written += int64(n)
	}
	w.builder.blocks = w.builder.blocks[:0]
	return nil
}

// Finalize flushes the trailing partial block, writes the trailer,
// fsyncs, and atomically publishes the file at the writer's path.
func (w *sstWriter) Finalize() (string, error) {
	for _, block := range w.builder.Finish() {
		n, err := w.tmp.Write(block)
		if err != nil {
			w.tmp.Close()
			return "", fmt.Errorf("sstable: write final block: %w", err)
		}
		w.written += int64(n)
	}

	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(w.written))
	binary.LittleEndian.PutUint32(trailer[4:8], SSTFormatVersion)
	if _, err := w.tmp.Write(trailer[:]); err != nil {
		w.tmp.Close()
		return "", fmt.Errorf("sstable: write trailer: %w", err)
	}

	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		return "", fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		return "", fmt.Errorf("sstable: close temp: %w", err)
	}
	if err := os.Rename(w.tmpName, w.path); err != nil {
		return "", fmt.Errorf("sstable: publish: %w", err)
	}
	return w.path, nil
}
