package plfsio

import (
	"fmt"

	"github.com/pkg/errors"
)

// blockHandle locates a stored block within one of the two logs. The
// size excludes the 5-byte trailer and any padding.
type blockHandle struct {
	offset uint64
	size   uint64
}

// Worst-case length of an encoded block handle: two max-length
// varints.
const maxBlockHandleLen = 10 + 10

func (h blockHandle) encodeTo(dst []byte) []byte {
	dst = appendUvarint(dst, h.offset)
	return appendUvarint(dst, h.size)
}

func (h *blockHandle) decodeFrom(p []byte) (rest []byte, err error) {
	var ok bool
	if h.offset, p, ok = getUvarint(p); ok {
		if h.size, p, ok = getUvarint(p); ok {
			return p, nil
		}
	}
	return p, errors.Wrap(ErrCorruption, "bad block handle")
}

// tableHandle describes one table: its key range, the location of its
// index block, and the location of its bloom filter within the index
// log. A filter size of zero means no filter was written.
type tableHandle struct {
	smallestKey  []byte
	largestKey   []byte
	filterOffset uint64
	filterSize   uint64
	index        blockHandle
}

func (h tableHandle) encodeTo(dst []byte) []byte {
	dst = appendLengthPrefixedSlice(dst, h.smallestKey)
	dst = appendLengthPrefixedSlice(dst, h.largestKey)
	dst = appendUvarint(dst, h.filterOffset)
	dst = appendUvarint(dst, h.filterSize)
	return h.index.encodeTo(dst)
}

func (h *tableHandle) decodeFrom(p []byte) (rest []byte, err error) {
	var ok bool
	if h.smallestKey, p, ok = getLengthPrefixedSlice(p); ok {
		if h.largestKey, p, ok = getLengthPrefixedSlice(p); ok {
			if h.filterOffset, p, ok = getUvarint(p); ok {
				if h.filterSize, p, ok = getUvarint(p); ok {
					return h.index.decodeFrom(p)
				}
			}
		}
	}
	return p, errors.Wrap(ErrCorruption, "bad table handle")
}

// --------------------------------------------------------------------

// footer seals the index log. Its encoding has a fixed total length
// so that readers can locate it at the tail without a scan.
type footer struct {
	epochIndex blockHandle
	numEpochs  uint32
}

const footerLen = maxBlockHandleLen + 4 + 8

func (f footer) encodeTo(dst []byte) []byte {
	handle := f.epochIndex.encodeTo(nil)
	for len(handle) < maxBlockHandleLen {
		handle = append(handle, 0)
	}
	dst = append(dst, handle...)
	dst = appendFixed32(dst, f.numEpochs)
	return appendFixed64(dst, footerMagic)
}

func (f *footer) decodeFrom(p []byte) error {
	if len(p) < footerLen {
		return errors.Wrap(ErrCorruption, "index log too short to be valid")
	}
	p = p[len(p)-footerLen:]
	if decodeFixed64(p[maxBlockHandleLen+4:]) != footerMagic {
		return errors.Wrap(ErrCorruption, "bad footer magic")
	}
	if _, err := f.epochIndex.decodeFrom(p[:maxBlockHandleLen]); err != nil {
		return err
	}
	f.numEpochs = decodeFixed32(p[maxBlockHandleLen:])
	return nil
}

// epochKey returns the fixed-width meta index key for table t of
// epoch e. Lexicographic order over these keys equals numeric order
// over (e, t) for all values below the caps, and the key stays
// printable for debugging.
func epochKey(epoch, table uint32) []byte {
	return []byte(fmt.Sprintf("%04d|%04d", epoch, table))
}

// --------------------------------------------------------------------

// findShortestSeparator returns the shortest byte string s with
// start <= s < limit, used to keep index blocks small. Falls back to
// start when no shorter separator exists.
func findShortestSeparator(start, limit []byte) []byte {
	n := len(start)
	if len(limit) < n {
		n = len(limit)
	}
	i := 0
	for i < n && start[i] == limit[i] {
		i++
	}
	if i < n && start[i] < 0xff && start[i]+1 < limit[i] {
		sep := append([]byte(nil), start[:i+1]...)
		sep[i]++
		return sep
	}
	return append([]byte(nil), start...)
}

// findShortSuccessor returns the shortest byte string s >= key.
func findShortSuccessor(key []byte) []byte {
	for i := 0; i < len(key); i++ {
		if key[i] != 0xff {
			succ := append([]byte(nil), key[:i+1]...)
			succ[i]++
			return succ
		}
	}
	return append([]byte(nil), key...)
}
