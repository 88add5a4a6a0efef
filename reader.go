package plfsio

import (
	"bytes"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Reader answers point queries against a sealed directory partition.
// It parses the trailing footer on open and keeps the epoch index
// block in memory; table indexes, filters, and data blocks are read
// on demand. A Reader is not safe for concurrent use.
type Reader struct {
	opt *DirOptions

	data  *LogSource
	index *LogSource

	numEpochs  uint32
	epochIndex *blockContents
	epochIter  *blockIter
}

// OpenReader opens a reader over the two log sources of a partition.
// The index log must end with a well-formed footer.
func OpenReader(opt *DirOptions, data, index *LogSource) (*Reader, error) {
	if opt == nil {
		opt = DefaultDirOptions()
	} else {
		opt = opt.norm()
	}

	if index.Size() < footerLen {
		return nil, errors.Wrap(ErrCorruption, "index too short to be valid")
	}
	raw, err := index.Read(uint64(index.Size()-footerLen), footerLen, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) != footerLen {
		return nil, errors.Wrap(ErrCorruption, "truncated footer read")
	}

	var tail footer
	if err := tail.decodeFrom(raw); err != nil {
		return nil, err
	}

	contents, err := readBlock(index, opt, tail.epochIndex)
	if err != nil {
		return nil, err
	}
	epochIndex, err := newBlockContents(contents)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		opt:        opt,
		data:       data,
		index:      index,
		numEpochs:  tail.numEpochs,
		epochIndex: epochIndex,
	}
	r.data.Ref()
	r.index.Ref()
	return r, nil
}

// NumEpochs returns the number of sealed epochs.
func (r *Reader) NumEpochs() int { return int(r.numEpochs) }

// Close releases the underlying log sources.
func (r *Reader) Close() error {
	r.index.Unref()
	r.data.Unref()
	return nil
}

// Gets looks key up across all epochs, appending every matching value
// to dst in epoch order. A missing key leaves dst unmodified and is
// not an error.
func (r *Reader) Gets(dst, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return dst, errors.Wrap(ErrInvalidArgument, "empty key")
	}
	if r.numEpochs == 0 {
		return dst, nil
	}
	if r.epochIter == nil {
		r.epochIter = r.epochIndex.NewIterator()
	}

	for epoch := uint32(0); ; epoch++ {
		var err error
		dst, err = r.getEpoch(dst, key, epoch)
		if err != nil {
			return dst, err
		}
		if epoch >= r.numEpochs-1 {
			return dst, nil
		}
	}
}

// Get is a shortcut for Gets(nil, key).
func (r *Reader) Get(key []byte) ([]byte, error) {
	return r.Gets(nil, key)
}

// getEpoch scans the tables of one epoch in insertion order.
func (r *Reader) getEpoch(dst, key []byte, epoch uint32) ([]byte, error) {
	for table := uint32(0); ; table++ {
		ek := epochKey(epoch, table)
		if !r.epochIter.Valid() || !bytes.Equal(r.epochIter.Key(), ek) {
			r.epochIter.Seek(ek)
			if !r.epochIter.Valid() || !bytes.Equal(r.epochIter.Key(), ek) {
				break
			}
		}

		var handle tableHandle
		if _, err := handle.decodeFrom(r.epochIter.Value()); err != nil {
			return dst, err
		}

		var found bool
		var err error
		dst, found, err = r.getTable(dst, key, handle)
		if err != nil {
			return dst, err
		}
		if found && r.opt.UniqueKeys {
			break
		}

		r.epochIter.Next()
	}
	return dst, r.epochIter.Err()
}

// getTable checks the key range and the bloom filter, then walks the
// table's index block and scans every candidate data block.
func (r *Reader) getTable(dst, key []byte, handle tableHandle) ([]byte, bool, error) {
	if bytes.Compare(key, handle.smallestKey) < 0 ||
		bytes.Compare(key, handle.largestKey) > 0 {
		return dst, false, nil
	}
	if handle.filterSize != 0 {
		filterHandle := blockHandle{offset: handle.filterOffset, size: handle.filterSize}
		if !r.keyMayMatch(key, filterHandle) {
			return dst, false, nil
		}
	}

	contents, err := readBlock(r.index, r.opt, handle.index)
	if err != nil {
		return dst, false, err
	}
	defer releaseBuffer(contents)

	indexBlock, err := newBlockContents(contents)
	if err != nil {
		return dst, false, err
	}
	iter := indexBlock.NewIterator()
	if r.opt.UniqueKeys {
		iter.Seek(key)
	} else {
		iter.SeekToFirst()
		for iter.Valid() && bytes.Compare(key, iter.Key()) > 0 {
			iter.Next()
		}
	}

	var found, eok bool
	for !eok && iter.Valid() {
		var bh blockHandle
		if _, err := bh.decodeFrom(iter.Value()); err != nil {
			return dst, found, err
		}
		dst, err = r.getBlock(dst, key, bh, &found, &eok)
		if err != nil {
			return dst, found, err
		}
		iter.Next()
	}
	return dst, found, iter.Err()
}

// getBlock scans one data block for the key, appending every match to
// dst. eok is set once a key past the target has been observed.
func (r *Reader) getBlock(dst, key []byte, handle blockHandle, found, eok *bool) ([]byte, error) {
	contents, err := readBlock(r.data, r.opt, handle)
	if err != nil {
		return dst, err
	}
	defer releaseBuffer(contents)

	dataBlock, err := newBlockContents(contents)
	if err != nil {
		return dst, err
	}
	iter := dataBlock.NewIterator()
	if r.opt.UniqueKeys {
		iter.Seek(key)
	} else {
		iter.SeekToFirst()
		for iter.Valid() && bytes.Compare(key, iter.Key()) > 0 {
			iter.Next()
		}
	}

	for !*eok && iter.Valid() {
		if bytes.Equal(iter.Key(), key) {
			dst = append(dst, iter.Value()...)
			*found = true
			if r.opt.UniqueKeys {
				*eok = true
			}
		} else {
			*eok = true
		}
		iter.Next()
	}
	return dst, iter.Err()
}

// keyMayMatch probes a table's bloom filter. Filters that cannot be
// read are treated as a match so that the block scan decides.
func (r *Reader) keyMayMatch(key []byte, handle blockHandle) bool {
	contents, err := readBlock(r.index, r.opt, handle)
	if err != nil {
		return true
	}
	match := bloomMayMatch(key, contents)
	releaseBuffer(contents)
	return match
}

// --------------------------------------------------------------------

// readBlock fetches a stored block, validates its trailer, and
// returns the decoded payload. The payload may come from the shared
// buffer pool; callers release it when done.
func readBlock(src *LogSource, opt *DirOptions, handle blockHandle) ([]byte, error) {
	n := int(handle.size)
	m := n + blockTrailerLen

	raw, err := src.Read(handle.offset, m, fetchBuffer(m))
	if err != nil {
		releaseBuffer(raw)
		return nil, err
	}
	if len(raw) != m {
		releaseBuffer(raw)
		return nil, errors.Wrap(ErrCorruption, "truncated block read")
	}

	if opt.VerifyChecksums && !verifyBlockCRC(raw) {
		releaseBuffer(raw)
		return nil, errors.Wrap(ErrCorruption, "block checksum mismatch")
	}

	switch raw[n] {
	case blockNoCompression:
		return raw[:n], nil
	case blockSnappyCompression:
		defer releaseBuffer(raw)

		sz, err := snappy.DecodedLen(raw[:n])
		if err != nil {
			return nil, errors.Wrap(ErrCorruption, "bad snappy block")
		}
		plain, err := snappy.Decode(fetchBuffer(sz), raw[:n])
		if err != nil {
			return nil, errors.Wrap(ErrCorruption, "bad snappy block")
		}
		return plain, nil
	default:
		releaseBuffer(raw)
		return nil, errors.Wrap(ErrCorruption, "bad compression type")
	}
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
