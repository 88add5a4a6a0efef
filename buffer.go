package plfsio

import (
	"bytes"
	"sort"
)

// writeBuffer accumulates entries in a single byte arena with a
// parallel offset list. Finish sorts the offsets by the keys they
// point at; the entries themselves never move.
type writeBuffer struct {
	buf      []byte
	offsets  []uint32
	finished bool
}

// Reserve pre-sizes the arena and the offset list.
func (b *writeBuffer) Reserve(numEntries int, bufferSize int) {
	if cap(b.buf) < bufferSize {
		b.buf = make([]byte, 0, bufferSize)
	}
	if cap(b.offsets) < numEntries {
		b.offsets = make([]uint32, 0, numEntries)
	}
}

// Add appends an entry. Keys must be non-empty.
func (b *writeBuffer) Add(key, value []byte) {
	offset := uint32(len(b.buf))
	b.buf = appendLengthPrefixedSlice(b.buf, key)
	b.buf = appendLengthPrefixedSlice(b.buf, value)
	b.offsets = append(b.offsets, offset)
}

// CurrentBufferSize returns the number of arena bytes in use.
func (b *writeBuffer) CurrentBufferSize() int {
	return len(b.buf)
}

// NumEntries returns the number of entries added since the last
// Reset.
func (b *writeBuffer) NumEntries() int {
	return len(b.offsets)
}

func (b *writeBuffer) keyAt(offset uint32) []byte {
	key, _, _ := getLengthPrefixedSlice(b.buf[offset:])
	return key
}

// Finish sorts the entries by key. Entries with equal keys keep their
// insertion order.
func (b *writeBuffer) Finish() {
	sort.SliceStable(b.offsets, func(i, j int) bool {
		return bytes.Compare(b.keyAt(b.offsets[i]), b.keyAt(b.offsets[j])) < 0
	})
	b.finished = true
}

// Reset clears the buffer for reuse.
func (b *writeBuffer) Reset() {
	b.buf = b.buf[:0]
	b.offsets = b.offsets[:0]
	b.finished = false
}

// NewIterator yields the entries in sorted order.
// REQUIRES: Finish() has been called.
func (b *writeBuffer) NewIterator() *bufferIter {
	return &bufferIter{b: b, cursor: -1}
}

// bufferIter walks a finished write buffer by index. It supports
// forward and backward movement only; Seek is a no-op.
type bufferIter struct {
	b      *writeBuffer
	cursor int
}

func (i *bufferIter) Valid() bool {
	return i.cursor >= 0 && i.cursor < len(i.b.offsets)
}

func (i *bufferIter) SeekToFirst() { i.cursor = 0 }
func (i *bufferIter) SeekToLast()  { i.cursor = len(i.b.offsets) - 1 }
func (i *bufferIter) Next()        { i.cursor++ }
func (i *bufferIter) Prev()        { i.cursor-- }

func (i *bufferIter) Seek(target []byte) {
	// Not supported
}

func (i *bufferIter) Key() []byte {
	key, _, _ := getLengthPrefixedSlice(i.b.buf[i.b.offsets[i.cursor]:])
	return key
}

func (i *bufferIter) Value() []byte {
	rest := i.b.buf[i.b.offsets[i.cursor]:]
	_, rest, _ = getLengthPrefixedSlice(rest)
	value, _, _ := getLengthPrefixedSlice(rest)
	return value
}

func (i *bufferIter) Err() error { return nil }
