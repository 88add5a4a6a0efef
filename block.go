package plfsio

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// blockBuilder assembles key/value blocks with shared-prefix
// compression and restart points. Finalized blocks accumulate in a
// single output store so that several data blocks can be committed to
// the log in one write.
type blockBuilder struct {
	restartInterval int

	buf   []byte // output store, may hold previously finalized blocks
	start int    // start of the current block within buf
	snp   []byte // snappy scratch buffer

	restarts []uint32
	counter  int
	lastKey  []byte
	finished bool
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	b := &blockBuilder{restartInterval: restartInterval}
	b.Reset()
	return b
}

// Reset starts a fresh block at the current end of the output store.
func (b *blockBuilder) Reset() {
	b.start = len(b.buf)
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// ResetStore drops the output store contents along with any block
// under construction.
func (b *blockBuilder) ResetStore() {
	b.buf = b.buf[:0]
	b.Reset()
}

func (b *blockBuilder) empty() bool {
	return len(b.buf) == b.start
}

func (b *blockBuilder) storeLen() int {
	return len(b.buf)
}

// finishedLen returns the number of finalized block bytes sitting in
// the output store.
func (b *blockBuilder) finishedLen() int {
	return b.start
}

func (b *blockBuilder) finishedStore() []byte {
	return b.buf[:b.start]
}

// CompactStore drops the finalized blocks from the store, keeping any
// block still under construction. Restart offsets are relative to the
// block start, so the pending block moves without adjustment.
func (b *blockBuilder) CompactStore() {
	n := copy(b.buf, b.buf[b.start:])
	b.buf = b.buf[:n]
	b.start = 0
}

// Reserve pre-sizes the output store.
func (b *blockBuilder) Reserve(n int) {
	if cap(b.buf) < n {
		buf := make([]byte, len(b.buf), n)
		copy(buf, b.buf)
		b.buf = buf
	}
}

// Add appends an entry to the current block. Keys must be added in
// nondescending order.
func (b *blockBuilder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		n := len(b.lastKey)
		if len(key) < n {
			n = len(key)
		}
		for shared < n && key[shared] == b.lastKey[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)-b.start))
		b.counter = 0
	}

	b.buf = appendUvarint(b.buf, uint64(shared))
	b.buf = appendUvarint(b.buf, uint64(len(key)-shared))
	b.buf = appendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// CurrentSizeEstimate returns the payload size of the block under
// construction, restart array included.
func (b *blockBuilder) CurrentSizeEstimate() int {
	return (len(b.buf) - b.start) + 4*len(b.restarts) + 4
}

// Finish appends the restart array and count, sealing the block
// payload.
func (b *blockBuilder) Finish() int {
	for _, o := range b.restarts {
		b.buf = appendFixed32(b.buf, o)
	}
	b.buf = appendFixed32(b.buf, uint32(len(b.restarts)))
	b.finished = true
	return len(b.buf) - b.start
}

// Finalize appends the block trailer, compressing the payload first
// when requested and worthwhile. With a non-zero padTo the stored
// block is zero-padded after the trailer to exactly padTo bytes. It
// returns the stored block and the stored payload length recorded in
// block handles.
func (b *blockBuilder) Finalize(compression Compression, padTo int) (stored []byte, payloadLen int) {
	payload := b.buf[b.start:]
	typ := byte(blockNoCompression)

	if compression == SnappyCompression {
		b.snp = snappy.Encode(b.snp[:cap(b.snp)], payload)
		if len(b.snp) < len(payload)-len(payload)/4 {
			b.buf = append(b.buf[:b.start], b.snp...)
			payload = b.buf[b.start:]
			typ = blockSnappyCompression
		}
	}

	payloadLen = len(payload)
	crc := blockCRC(payload, typ)
	b.buf = append(b.buf, typ)
	b.buf = appendFixed32(b.buf, crc)

	if padTo > 0 {
		for len(b.buf)-b.start < padTo {
			b.buf = append(b.buf, 0)
		}
	}
	return b.buf[b.start:], payloadLen
}

// sealContents appends the standard trailer to a standalone block
// payload, such as a finished bloom filter.
func sealContents(payload []byte) []byte {
	crc := blockCRC(payload, blockNoCompression)
	payload = append(payload, blockNoCompression)
	return appendFixed32(payload, crc)
}

// --------------------------------------------------------------------

// blockContents is a parsed block payload ready for iteration.
type blockContents struct {
	data        []byte
	restarts    int // offset of the restart array
	numRestarts int
}

func newBlockContents(data []byte) (*blockContents, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrCorruption, "block too short")
	}
	n := int(decodeFixed32(data[len(data)-4:]))
	restarts := len(data) - 4 - 4*n
	if n < 1 || restarts < 0 {
		return nil, errors.Wrap(ErrCorruption, "bad restart count")
	}
	return &blockContents{data: data, restarts: restarts, numRestarts: n}, nil
}

func (b *blockContents) restartPoint(i int) int {
	return int(decodeFixed32(b.data[b.restarts+4*i:]))
}

func (b *blockContents) NewIterator() *blockIter {
	return &blockIter{block: b}
}

// blockIter iterates the entries of a single block, recovering shared
// key prefixes as it advances.
type blockIter struct {
	block *blockContents

	offset int // offset of the entry following the current one
	key    []byte
	value  []byte
	valid  bool
	err    error
}

func (i *blockIter) Valid() bool   { return i.valid && i.err == nil }
func (i *blockIter) Key() []byte   { return i.key }
func (i *blockIter) Value() []byte { return i.value }
func (i *blockIter) Err() error    { return i.err }

func (i *blockIter) SeekToFirst() {
	i.offset = 0
	i.key = i.key[:0]
	i.valid = false
	i.err = nil
	i.Next()
}

func (i *blockIter) Next() {
	if i.err != nil || i.offset >= i.block.restarts {
		i.valid = false
		return
	}
	i.parseEntry()
}

func (i *blockIter) parseEntry() {
	p := i.block.data[i.offset:i.block.restarts]
	shared, p, ok1 := getUvarint(p)
	nonShared, p, ok2 := getUvarint(p)
	valueLen, p, ok3 := getUvarint(p)
	if !ok1 || !ok2 || !ok3 || uint64(len(p)) < nonShared+valueLen {
		i.err = errors.Wrap(ErrCorruption, "bad block entry")
		i.valid = false
		return
	}
	if uint64(len(i.key)) < shared {
		i.err = errors.Wrap(ErrCorruption, "bad shared key length")
		i.valid = false
		return
	}
	i.key = append(i.key[:shared], p[:nonShared]...)
	i.value = p[nonShared : nonShared+valueLen]
	i.offset = i.block.restarts - len(p) + int(nonShared) + int(valueLen)
	i.valid = true
}

// Seek positions the iterator at the first entry with a key >= target
// using a binary search over the restart points followed by a linear
// scan within the restart interval.
func (i *blockIter) Seek(target []byte) {
	if i.block.restarts == 0 {
		i.valid = false
		return
	}
	left, right := 0, i.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		key, ok := i.restartKey(mid)
		if !ok {
			return
		}
		if bytes.Compare(key, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	i.offset = i.block.restartPoint(left)
	i.key = i.key[:0]
	i.valid = false
	i.err = nil
	for {
		i.Next()
		if !i.Valid() || bytes.Compare(i.key, target) >= 0 {
			return
		}
	}
}

// restartKey reads the full key stored at a restart point.
func (i *blockIter) restartKey(n int) ([]byte, bool) {
	p := i.block.data[i.block.restartPoint(n):i.block.restarts]
	_, p, ok1 := getUvarint(p) // shared length, zero at restarts
	nonShared, p, ok2 := getUvarint(p)
	_, p, ok3 := getUvarint(p)
	if !ok1 || !ok2 || !ok3 || uint64(len(p)) < nonShared {
		i.err = errors.Wrap(ErrCorruption, "bad restart entry")
		i.valid = false
		return nil, false
	}
	return p[:nonShared], true
}
