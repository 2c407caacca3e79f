package kv

import "errors"

// Sentinel errors returned across package boundaries. Compare with errors.Is.
var (
	// ErrNotFound names the case where a key has no live value anywhere in
	// the engine. No function in this package returns it: Engine.Get
	// reports a missing key through its found result and a nil error.
	ErrNotFound = errors.New("kv: key not found")

	// ErrCapacityExceeded is returned when a single entry's encoded length
	// exceeds BlockSize; such an entry can never be packed into a block.
	ErrCapacityExceeded = errors.New("kv: entry exceeds block capacity")

	// ErrCorruptSST is returned when an SST file's trailer or block layout
	// cannot be parsed.
	ErrCorruptSST = errors.New("kv: corrupt sstable")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("kv: engine closed")
)
