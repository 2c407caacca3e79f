package kv

import "encoding/binary"

// BlockSize is the fixed size of every SST block, zero-padded at the tail.
const BlockSize = 4096

// entryMinHeader is the smallest prefix a parser must be able to read
// before it can decide whether a block has ended.
const entryMinHeader = 4

// tombstone flag byte following the seq field in an encoded entry, per the
// supplemented tombstone marker (spec.md §9): a deleted entry is no longer
// indistinguishable from a present-but-empty value.
const (
	flagLive      byte = 0
	flagTombstone byte = 1
)

// blockEntrySize returns the number of bytes encodeBlockEntry writes for
// the given key/value pair: two length prefixes, the key and value bytes,
// the 8-byte sequence number, and the 1-byte tombstone flag.
func blockEntrySize(key, value []byte) int {
	return 4 + len(key) + 4 + len(value) + 8 + 1
}

// encodeBlockEntry appends the little-endian encoding of one entry to dst
// and returns the extended slice.
func encodeBlockEntry(dst []byte, key, value []byte, seq uint64, deleted bool) []byte {
	var hdr [4]byte

	binary.LittleEndian.PutUint32(hdr[:], uint32(len(key)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, key...)

	binary.LittleEndian.PutUint32(hdr[:], uint32(len(value)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, value...)

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], seq)
	dst = append(dst, seqBuf[:]...)

	flag := flagLive
	if deleted {
		flag = flagTombstone
	}
	dst = append(dst, flag)
	return dst
}

// decodedBlockEntry is one entry recovered from a block, with its byte
// views still referencing the caller-supplied buffer (the mmap, for a
// reader; a plain []byte, for tests).
type decodedBlockEntry struct {
	Key     []byte
	Value   []byte
	Seq     uint64
	Deleted bool
}

// decodeBlockEntryAt parses a single entry starting at offset within buf.
// It returns the entry, the offset immediately following it, and whether
// parsing should continue: ok is false when the remaining bytes cannot
// hold a minimal header, when a declared length overruns buf, or when
// key_len == 0 (end-of-block padding), matching spec.md §4.3.
func decodeBlockEntryAt(buf []byte, offset int) (decodedBlockEntry, int, bool) {
	if offset+entryMinHeader > len(buf) {
		return decodedBlockEntry{}, offset, false
	}
	keyLen := int(binary.LittleEndian.Uint32(buf[offset:]))
	if keyLen == 0 {
		return decodedBlockEntry{}, offset, false
	}
	pos := offset + 4
	if pos+keyLen > len(buf) {
		return decodedBlockEntry{}, offset, false
	}
	key := buf[pos : pos+keyLen]
	pos += keyLen

	if pos+4 > len(buf) {
		return decodedBlockEntry{}, offset, false
	}
	valueLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if valueLen < 0 || pos+valueLen > len(buf) {
		return decodedBlockEntry{}, offset, false
	}
	value := buf[pos : pos+valueLen]
	pos += valueLen

	if pos+8+1 > len(buf) {
		return decodedBlockEntry{}, offset, false
	}
	seq := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	deleted := buf[pos] == flagTombstone
	pos++

	return decodedBlockEntry{Key: key, Value: value, Seq: seq, Deleted: deleted}, pos, true
}

// decodeBlock parses every entry packed into a single BlockSize slab.
func decodeBlock(block []byte) []decodedBlockEntry {
	var out []decodedBlockEntry
	offset := 0
	for {
		e, next, ok := decodeBlockEntryAt(block, offset)
		if !ok {
			break
		}
		out = append(out, e)
		offset = next
	}
	return out
}

// blockBuilder packs entries into BlockSize slabs, zero-padding the tail
// of each block when the next entry would overflow it.
type blockBuilder struct {
	current []byte
	blocks  [][]byte
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{current: make([]byte, 0, BlockSize)}
}

// Add packs key/value/seq into the current block, rolling over to a new
// block first if it would not fit. Returns ErrCapacityExceeded if the
// entry alone exceeds BlockSize.
func (b *blockBuilder) Add(key, value []byte, seq uint64, deleted bool) error {
	size := blockEntrySize(key, value)
	if size > BlockSize {
		return ErrCapacityExceeded
	}
	if len(b.current)+size > BlockSize {
		b.rollOver()
	}
	b.current = encodeBlockEntry(b.current, key, value, seq, deleted)
	return nil
}

func (b *blockBuilder) rollOver() {
	padded := make([]byte, BlockSize)
	copy(padded, b.current)
	b.blocks = append(b.blocks, padded)
	b.current = b.current[:0]
}

// Finish flushes any partially-filled trailing block and returns every
// block produced so far.
func (b *blockBuilder) Finish() [][]byte {
	if len(b.current) > 0 {
		b.rollOver()
	}
	return b.blocks
}
