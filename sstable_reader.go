package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SSTable is a read-only, memory-mapped view over one on-disk SST file.
// Get returns a copy of the value. Entry views passed to Iter's callback
// reference slices inside the mmap, so the SSTable must stay open (Close
// not yet called) for as long as any such view is in use.
type SSTable struct {
	Path string

	file *os.File
	mmap []byte

	metadataOffset uint32
	version        uint32

	firstKey []byte
	lastKey  []byte

	// blockStarts[i] is the offset of block i within the mmapped block
	// region; Get and Iter walk the blocks in this order.
	blockStarts []int
}

// OpenSSTable memory-maps path read-only, decodes the trailer, and caches
// first_key/last_key per spec.md §4.5.
func OpenSSTable(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	size := stat.Size()
	if size < TrailerSize {
		file.Close()
		return nil, fmt.Errorf("%w: %s: file shorter than trailer", ErrCorruptSST, path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: mmap %s: %w", path, err)
	}

	trailer := data[len(data)-TrailerSize:]
	metadataOffset := binary.LittleEndian.Uint32(trailer[0:4])
	version := binary.LittleEndian.Uint32(trailer[4:8])
	if int64(metadataOffset) > size-TrailerSize || metadataOffset%BlockSize != 0 {
		unix.Munmap(data)
		file.Close()
		return nil, fmt.Errorf("%w: %s: bad metadata_offset %d", ErrCorruptSST, path, metadataOffset)
	}

	sst := &SSTable{
		Path:           path,
		file:           file,
		mmap:           data,
		metadataOffset: metadataOffset,
		version:        version,
	}

	numBlocks := int(metadataOffset) / BlockSize
	sst.blockStarts = make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		sst.blockStarts[i] = i * BlockSize
	}

	if numBlocks > 0 {
		firstBlock := decodeBlock(data[0:BlockSize])
		if len(firstBlock) > 0 {
			sst.firstKey = firstBlock[0].Key
		}
		lastBlock := decodeBlock(data[sst.blockStarts[numBlocks-1] : sst.blockStarts[numBlocks-1]+BlockSize])
		if len(lastBlock) > 0 {
			sst.lastKey = lastBlock[len(lastBlock)-1].Key
		}
	}

	return sst, nil
}

// Get looks up key, returning NotFound when absent. Per spec.md §4.5, a
// probe outside [firstKey, lastKey] returns without scanning any block.
// Each SST guarantees key uniqueness within itself, so at most one match
// is possible.
func (sst *SSTable) Get(key []byte) (GetResult, error) {
	if len(sst.blockStarts) == 0 {
		return notFoundResult, nil
	}
	if bytes.Compare(key, sst.firstKey) < 0 || bytes.Compare(key, sst.lastKey) > 0 {
		return notFoundResult, nil
	}

	for _, start := range sst.blockStarts {
		block := sst.mmap[start : start+BlockSize]
		for offset := 0; ; {
			e, next, ok := decodeBlockEntryAt(block, offset)
			if !ok {
				break
			}
			if bytes.Equal(e.Key, key) {
				if e.Deleted {
					return GetResult{Found: true, Deleted: true, Seq: e.Seq}, nil
				}
				return GetResult{Found: true, Value: append([]byte(nil), e.Value...), Seq: e.Seq}, nil
			}
			offset = next
		}
	}
	return notFoundResult, nil
}

// Iter calls fn for every entry in the file in on-disk (block, then
// intra-block) order, which is ascending key order for any SST produced
// by this package's writer or compactor.
func (sst *SSTable) Iter(fn func(decodedBlockEntry) bool) {
	for _, start := range sst.blockStarts {
		block := sst.mmap[start : start+BlockSize]
		for _, e := range decodeBlock(block) {
			if !fn(e) {
				return
			}
		}
	}
}

// FirstKey returns the cached first key of the file, or nil if empty.
func (sst *SSTable) FirstKey() []byte { return sst.firstKey }

// LastKey returns the cached last key of the file, or nil if empty.
func (sst *SSTable) LastKey() []byte { return sst.lastKey }

// Close unmaps the file. Callers must not retain any entry view obtained
// from Iter past Close; values returned by Get are copies and stay valid.
func (sst *SSTable) Close() error {
	if err := unix.Munmap(sst.mmap); err != nil {
		return fmt.Errorf("sstable: munmap: %w", err)
	}
	return sst.file.Close()
}
