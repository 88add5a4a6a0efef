package plfsio

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CompactionStats accumulate the bytes and time spent by background
// compactions.
type CompactionStats struct {
	DataBytes     uint64
	IndexBytes    uint64
	WriteDuration time.Duration
}

// Writer is the write half of a directory partition: a double-buffered
// ingest path in front of a table logger. Entries are accepted into
// the active write buffer; once a buffer fills, or an epoch flush is
// requested, the buffer is snapshotted and compacted into a table on
// a background thread while the other buffer keeps accepting writes.
type Writer struct {
	opt *DirOptions

	mu   sync.Mutex
	bgCv *sync.Cond

	data  *LogSink
	index *LogSink
	tb    *tableLogger

	buf0, buf1 writeBuffer
	memBuf     *writeBuffer // active ingest target
	immBuf     *writeBuffer // snapshot under compaction, nil if none

	immIsEpochFlush bool
	immIsFinish     bool

	hasBgCompaction   bool
	pendingEpochFlush bool
	pendingFinish     bool

	// Table logger status mirrored under mu; the compactor mutates the
	// table logger itself with mu dropped.
	lastErr     error
	dirFinished bool

	entriesPerTable int
	tbBytes         int
	bfBits          int
	bfBytes         int

	stats  CompactionStats
	closed bool
}

// NewWriter creates a writer over the two log sinks of a partition.
// Nil options select the defaults.
func NewWriter(opt *DirOptions, data, index *LogSink) *Writer {
	if opt == nil {
		opt = DefaultDirOptions()
	} else {
		opt = opt.norm()
	}

	w := &Writer{
		opt:   opt,
		data:  data,
		index: index,
	}
	w.bgCv = sync.NewCond(&w.mu)
	w.data.Ref()
	w.index.Ref()
	w.tb = newTableLogger(opt, data, index)

	// Derive the per-table entry budget from the memtable budget. The
	// estimate works best when key and value sizes are fixed;
	// underestimating them starves the filter, overestimating wastes
	// buffer memory.
	overhead := 4 + varintLength(uint64(opt.KeySize)) + varintLength(uint64(opt.ValueSize))
	bytesPerEntry := opt.KeySize + opt.ValueSize + overhead
	totalBitsPerEntry := 8*bytesPerEntry + opt.BFBitsPerKey

	w.entriesPerTable = int(math.Ceil(8 * float64(opt.MemTableBuffer) / float64(totalBitsPerEntry)))
	w.entriesPerTable /= 1 << opt.LgParts // data partitioning
	w.entriesPerTable /= 2                // double buffering

	w.tbBytes = w.entriesPerTable * bytesPerEntry
	w.bfBits = w.entriesPerTable * opt.BFBitsPerKey
	// Small filters see very high false positive rates; enforce a
	// minimum length.
	if w.bfBits > 0 && w.bfBits < 64 {
		w.bfBits = 64
	}
	w.bfBytes = (w.bfBits + 7) / 8
	w.bfBits = w.bfBytes * 8

	w.buf0.Reserve(w.entriesPerTable, w.tbBytes)
	w.buf1.Reserve(w.entriesPerTable, w.tbBytes)
	w.memBuf = &w.buf0

	return w
}

// Add appends an entry to the active write buffer, waiting for buffer
// space unless NonBlocking is set, in which case ErrBufferFull asks
// the caller to retry.
func (w *Writer) Add(key, value []byte) error {
	if len(key) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty key")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirFinished {
		return errors.Wrap(ErrAssertion, "directory already finished")
	}
	err := w.prepare(false, false)
	if err == nil {
		w.memBuf.Add(key, value)
	}
	return err
}

// MakeEpoch seals the current epoch: the active buffer is flushed as
// the epoch's final table. With dryRun set only status checks are
// performed and no compaction is scheduled.
func (w *Writer) MakeEpoch(dryRun bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.pendingEpochFlush || // The previous job is still in progress
		w.immBuf != nil { // There is an ongoing compaction
		if dryRun || w.opt.NonBlocking {
			return ErrBufferFull
		}
		w.bgCv.Wait()
	}
	if w.dirFinished {
		return errors.Wrap(ErrAssertion, "directory already finished")
	}

	if dryRun {
		return w.lastErr
	}

	w.pendingEpochFlush = true
	err := w.prepare(true, false)
	if err != nil {
		w.pendingEpochFlush = false // Avoid blocking future attempts
	} else if !w.opt.NonBlocking {
		for w.pendingEpochFlush {
			w.bgCv.Wait()
		}
	}
	return err
}

// Finish seals the final epoch, writes the meta index and the footer,
// and rejects all further mutation.
func (w *Writer) Finish(dryRun bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.pendingFinish || w.pendingEpochFlush ||
		w.immBuf != nil {
		if dryRun || w.opt.NonBlocking {
			return ErrBufferFull
		}
		w.bgCv.Wait()
	}
	if w.dirFinished {
		return errors.Wrap(ErrAssertion, "directory already finished")
	}

	if dryRun {
		return w.lastErr
	}

	w.pendingFinish = true
	w.pendingEpochFlush = true
	err := w.prepare(true, true)
	if err != nil {
		w.pendingEpochFlush = false
		w.pendingFinish = false
	} else if !w.opt.NonBlocking {
		for w.pendingEpochFlush || w.pendingFinish {
			w.bgCv.Wait()
		}
	}
	return err
}

// Wait blocks until no compaction is running.
func (w *Writer) Wait() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.hasBgCompaction {
		w.bgCv.Wait()
	}
	return nil
}

// Sync drains pending compactions and forces both logs to durable
// storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.hasBgCompaction {
		w.bgCv.Wait()
	}
	if err := w.data.Lsync(); err != nil {
		return err
	}
	return w.index.Lsync()
}

// Stats returns a snapshot of the compaction statistics.
func (w *Writer) Stats() CompactionStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close waits out any running compaction and closes the data log,
// then the index log.
func (w *Writer) Close() error {
	w.mu.Lock()
	for w.hasBgCompaction {
		w.bgCv.Wait()
	}
	w.closed = true
	w.mu.Unlock()

	err := w.data.Lclose(false)
	if err == nil {
		err = w.index.Lclose(false)
	}

	w.mu.Lock()
	w.data.Unref()
	w.index.Unref()
	w.mu.Unlock()
	return err
}

// prepare makes room in the active buffer, swapping buffers and
// scheduling a compaction when the active one is full or a flush is
// forced.
// REQUIRES: w.mu held.
func (w *Writer) prepare(flush, finish bool) error {
	for {
		if w.lastErr != nil {
			return w.lastErr
		} else if !flush && w.memBuf.CurrentBufferSize() < w.tbBytes {
			// There is room in the current write buffer.
			return nil
		} else if w.immBuf != nil {
			if w.opt.NonBlocking {
				return ErrBufferFull
			}
			w.bgCv.Wait()
		} else {
			// Switch to the other write buffer.
			w.immBuf = w.memBuf
			if flush {
				w.immIsEpochFlush = true
				flush = false
			}
			if finish {
				w.immIsFinish = true
				finish = false
			}
			current := w.memBuf
			w.maybeScheduleCompaction()
			if current == &w.buf0 {
				w.memBuf = &w.buf1
			} else {
				w.memBuf = &w.buf0
			}
		}
	}
}

// REQUIRES: w.mu held.
func (w *Writer) maybeScheduleCompaction() {
	if w.hasBgCompaction {
		return // Skip if one is already scheduled
	}
	if w.immBuf == nil {
		return // Nothing to schedule
	}

	w.hasBgCompaction = true
	if w.opt.CompactionPool != nil {
		w.opt.CompactionPool.Schedule(w.bgWork)
	} else {
		go w.bgWork()
	}
}

func (w *Writer) bgWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doCompaction()
}

// REQUIRES: w.mu held.
func (w *Writer) doCompaction() {
	w.compactWriteBuffer()
	w.immBuf.Reset()
	w.immIsEpochFlush = false
	w.immIsFinish = false
	w.immBuf = nil
	w.hasBgCompaction = false
	w.maybeScheduleCompaction()
	w.bgCv.Broadcast()
}

// compactWriteBuffer sorts the immutable buffer and feeds it into the
// table logger. The mutex is dropped for the duration of the sort and
// the I/O; nobody else touches the immutable buffer in that window
// because a non-nil immBuf blocks the swap branch of prepare.
// REQUIRES: w.mu held on entry and on return.
func (w *Writer) compactWriteBuffer() {
	buffer := w.immBuf
	isFinish := w.immIsFinish
	isEpochFlush := w.immIsEpochFlush
	pendingFinish := w.pendingFinish
	pendingEpochFlush := w.pendingEpochFlush
	dest := w.tb
	bfBitsPerKey := w.opt.BFBitsPerKey
	bfBytes := w.bfBytes
	dataOffset := w.data.Ltell()
	indexOffset := w.index.Ltell()

	w.mu.Unlock()
	start := time.Now()

	var filter *bloomBlock
	if bfBitsPerKey != 0 && bfBytes != 0 {
		filter = newBloomBlock(bfBitsPerKey, bfBytes)
	}
	buffer.Finish()
	iter := buffer.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if filter != nil {
			filter.AddKey(iter.Key())
		}
		dest.add(iter.Key(), iter.Value())
		if !dest.ok() {
			break
		}
	}

	if dest.ok() {
		dest.endTable(filter)
	}
	if isEpochFlush {
		dest.endEpoch()
	}
	if isFinish {
		_ = dest.finish()
	}

	elapsed := time.Since(start)
	w.mu.Lock()
	w.stats.DataBytes += w.data.Ltell() - dataOffset
	w.stats.IndexBytes += w.index.Ltell() - indexOffset
	w.stats.WriteDuration += elapsed
	w.lastErr = dest.status()
	if isFinish {
		w.dirFinished = true
	}
	if isEpochFlush && pendingEpochFlush {
		w.pendingEpochFlush = false
	}
	if isFinish && pendingFinish {
		w.pendingFinish = false
	}
}
