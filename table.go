package plfsio

import (
	"bytes"

	"github.com/pkg/errors"
)

// tableLogger turns sorted runs of entries into data blocks on the
// data log and index, filter, and meta blocks on the index log. The
// first error encountered is sticky: every later operation
// short-circuits with it.
type tableLogger struct {
	opt       *DirOptions
	dataSink  *LogSink
	indexSink *LogSink

	dataBlock  *blockBuilder
	indexBlock *blockBuilder
	metaBlock  *blockBuilder

	// Handles recorded at flush time are relative to the data-block
	// output store; commit rebases them by the data log offset.
	uncommitted         []byte
	numUncommittedIndex int
	numUncommittedData  int

	pendingIndexEntry  bool
	pendingIndexHandle blockHandle
	pendingMetaEntry   bool
	pendingMetaHandle  tableHandle

	smallestKey []byte
	largestKey  []byte
	lastKey     []byte

	numTables uint32
	numEpochs uint32

	finished bool
	err      error
}

func newTableLogger(opt *DirOptions, data, index *LogSink) *tableLogger {
	t := &tableLogger{
		opt:        opt,
		dataSink:   data,
		indexSink:  index,
		dataBlock:  newBlockBuilder(opt.BlockRestartInterval),
		indexBlock: newBlockBuilder(1),
		metaBlock:  newBlockBuilder(1),
	}
	t.dataBlock.Reserve(opt.BlockBuffer)
	t.indexBlock.Reserve(4 << 10)
	t.metaBlock.Reserve(16 << 10)
	t.uncommitted = make([]byte, 0, 1<<10)
	return t
}

func (t *tableLogger) ok() bool      { return t.err == nil }
func (t *tableLogger) status() error { return t.err }

// add appends an entry to the current table. Keys must arrive in
// nondescending order, strictly ascending under UniqueKeys.
func (t *tableLogger) add(key, value []byte) {
	if t.finished && t.ok() {
		t.err = errors.Wrap(ErrAssertion, "table logger already finished")
		return
	}
	if !t.ok() {
		return
	}
	if len(key) == 0 {
		t.err = errors.Wrap(ErrAssertion, "empty key")
		return
	}
	if len(t.lastKey) != 0 {
		switch cmp := bytes.Compare(key, t.lastKey); {
		case cmp < 0:
			t.err = errors.Wrap(ErrAssertion, "out-of-order key")
			return
		case cmp == 0 && t.opt.UniqueKeys:
			t.err = errors.Wrap(ErrAssertion, "duplicate key")
			return
		}
	}

	if len(t.smallestKey) == 0 {
		t.smallestKey = append(t.smallestKey[:0], key...)
	}
	t.largestKey = append(t.largestKey[:0], key...)

	// Add an index entry if one is pending insertion.
	if t.pendingIndexEntry {
		sep := findShortestSeparator(t.lastKey, key)
		t.uncommitted = appendLengthPrefixedSlice(t.uncommitted, sep)
		t.uncommitted = t.pendingIndexHandle.encodeTo(t.uncommitted)
		t.pendingIndexEntry = false
		t.numUncommittedIndex++
	}

	// Commit all flushed data blocks.
	if t.dataBlock.storeLen() >= t.opt.BlockBuffer {
		t.commit()
		if !t.ok() {
			return
		}
	}

	t.lastKey = append(t.lastKey[:0], key...)
	t.dataBlock.Add(key, value)
	if t.dataBlock.CurrentSizeEstimate()+blockTrailerLen >=
		int(float64(t.opt.BlockSize)*t.opt.BlockUtil) {
		t.flush()
	}
}

// flush finalizes the current data block into the output store. The
// recorded handle offset is relative to the store until commit.
func (t *tableLogger) flush() {
	if t.dataBlock.empty() {
		return
	}
	if !t.ok() {
		return
	}

	t.dataBlock.Finish()
	padTo := 0
	if t.opt.BlockPadding {
		padTo = t.opt.BlockSize
	}
	stored, payloadLen := t.dataBlock.Finalize(t.opt.Compression, padTo)

	t.pendingIndexHandle = blockHandle{
		offset: uint64(t.dataBlock.storeLen() - len(stored)),
		size:   uint64(payloadLen),
	}
	t.pendingIndexEntry = true
	t.numUncommittedData++
	t.dataBlock.Reset()
}

// commit writes every finalized data block to the data log in one
// append and rebases the uncommitted index handles by the log offset.
func (t *tableLogger) commit() {
	if t.dataBlock.finishedLen() == 0 {
		return // Empty commit
	}
	if !t.ok() {
		return
	}

	base := t.dataSink.Ltell()
	if err := t.dataSink.Lwrite(t.dataBlock.finishedStore()); err != nil {
		t.err = err
		return
	}

	input := t.uncommitted
	committed := 0
	for len(input) > 0 {
		sep, rest, ok := getLengthPrefixedSlice(input)
		if !ok {
			break
		}
		var handle blockHandle
		rest, err := handle.decodeFrom(rest)
		if err != nil {
			t.err = err
			return
		}
		handle.offset += base
		t.indexBlock.Add(sep, handle.encodeTo(nil))
		committed++
		input = rest
	}

	if committed != t.numUncommittedIndex {
		t.err = errors.Wrap(ErrAssertion, "uncommitted index entries out of sync")
		return
	}
	t.numUncommittedData = 0
	t.numUncommittedIndex = 0
	t.uncommitted = t.uncommitted[:0]
	t.dataBlock.CompactStore()
}

// endTable seals the current table: the index block and the optional
// filter block go to the index log and the table handle is recorded
// in the meta block.
func (t *tableLogger) endTable(filter *bloomBlock) {
	if t.finished && t.ok() {
		t.err = errors.Wrap(ErrAssertion, "table logger already finished")
		return
	}

	t.flush()
	if !t.ok() {
		return
	}
	if t.pendingIndexEntry {
		succ := findShortSuccessor(t.lastKey)
		t.uncommitted = appendLengthPrefixedSlice(t.uncommitted, succ)
		t.uncommitted = t.pendingIndexHandle.encodeTo(t.uncommitted)
		t.pendingIndexEntry = false
		t.numUncommittedIndex++
	}

	t.commit()
	if !t.ok() {
		return
	}
	if t.indexBlock.empty() {
		return // Empty table
	}

	t.indexBlock.Finish()
	stored, payloadLen := t.indexBlock.Finalize(NoCompression, 0)
	offset := t.indexSink.Ltell()
	if err := t.indexSink.Lwrite(stored); err != nil {
		t.err = err
		return
	}

	filterOffset := t.indexSink.Ltell()
	filterSize := 0
	if filter != nil {
		contents := filter.Finish()
		filterSize = len(contents)
		if err := t.indexSink.Lwrite(sealContents(contents)); err != nil {
			t.err = err
			return
		}
	}

	t.indexBlock.ResetStore()
	t.pendingMetaHandle.filterOffset = filterOffset
	t.pendingMetaHandle.filterSize = uint64(filterSize)
	t.pendingMetaHandle.index = blockHandle{offset: offset, size: uint64(payloadLen)}
	t.pendingMetaEntry = true

	if t.numTables >= maxTablesPerEpoch {
		t.err = errors.Wrap(ErrAssertion, "too many tables")
	} else {
		t.pendingMetaHandle.smallestKey = append([]byte(nil), t.smallestKey...)
		t.pendingMetaHandle.largestKey = findShortSuccessor(t.largestKey)
		t.metaBlock.Add(epochKey(t.numEpochs, t.numTables), t.pendingMetaHandle.encodeTo(nil))
		t.pendingMetaEntry = false
	}

	if t.ok() {
		t.smallestKey = t.smallestKey[:0]
		t.largestKey = t.largestKey[:0]
		t.lastKey = t.lastKey[:0]
		t.numTables++
	}
}

// endEpoch seals the current epoch. An epoch without tables is a
// no-op and does not advance the epoch counter.
func (t *tableLogger) endEpoch() {
	t.endTable(nil)
	if !t.ok() {
		return
	}
	if t.numTables == 0 {
		return // Empty epoch
	}
	if t.numEpochs >= maxEpochs {
		t.err = errors.Wrap(ErrAssertion, "too many epochs")
		return
	}
	t.numTables = 0
	t.numEpochs++
}

// finish seals the directory: the meta block, optional tail padding,
// and the footer are written to the index log. A second finish is
// rejected.
func (t *tableLogger) finish() error {
	if t.finished {
		if t.ok() {
			t.err = errors.Wrap(ErrAssertion, "finish already called")
		}
		return t.err
	}

	t.endEpoch()
	t.finished = true
	if !t.ok() {
		return t.err
	}

	t.metaBlock.Finish()
	stored, payloadLen := t.metaBlock.Finalize(NoCompression, 0)
	offset := t.indexSink.Ltell()
	if err := t.indexSink.Lwrite(stored); err != nil {
		t.err = err
		return t.err
	}

	tail := footer{
		epochIndex: blockHandle{offset: offset, size: uint64(payloadLen)},
		numEpochs:  t.numEpochs,
	}.encodeTo(nil)

	if t.opt.TailPadding {
		// Pad so the final size of the index log is a multiple of the
		// physical write size.
		total := t.indexSink.Ltell() + uint64(len(tail))
		if overflow := total % uint64(t.opt.IndexBuffer); overflow != 0 {
			pad := make([]byte, uint64(t.opt.IndexBuffer)-overflow)
			if err := t.indexSink.Lwrite(pad); err != nil {
				t.err = err
				return t.err
			}
		}
	}

	if err := t.indexSink.Lwrite(tail); err != nil {
		t.err = err
	}
	return t.err
}
