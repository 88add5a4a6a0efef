package plfsio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// LogType distinguishes the two append-only streams of a partition.
type LogType int

const (
	// DataLog holds data blocks and is optimized for random reads.
	DataLog LogType = iota
	// IndexLog holds table indexes, filters, and the footer; reads are
	// expected to be sequential.
	IndexLog
)

// RotationType controls physical log file rotation.
type RotationType int

const (
	// NoRotation keeps a single physical file per log.
	NoRotation RotationType = iota
	// RotationControlled lets user code drive rotation via Lrotate.
	RotationControlled
)

// LogOptions configure a single log sink.
type LogOptions struct {
	// Name is the path of the initial physical log file.
	Name string

	// MinBuf and MaxBuf bound the in-memory buffer collapsing small
	// writes. Zero disables buffering.
	MinBuf int
	MaxBuf int

	// Rotation selects the rotation policy.
	Rotation RotationType

	// Mu, when set, serializes access among multiple writer threads.
	// Every public sink operation acquires it.
	Mu *sync.Mutex

	// Type of the log. Informational.
	Type LogType
}

func (o *LogOptions) norm() *LogOptions {
	var oo LogOptions
	if o != nil {
		oo = *o
	}
	if oo.MaxBuf < oo.MinBuf {
		oo.MaxBuf = oo.MinBuf
	}
	return &oo
}

// DataLogName returns the data log path for a directory partition.
func DataLogName(dir string) string { return filepath.Join(dir, "DATA") }

// IndexLogName returns the index log path for a directory partition.
func IndexLogName(dir string) string { return filepath.Join(dir, "INDEX") }

// WritableFile is the low-level append-only storage abstraction
// underneath a LogSink.
type WritableFile interface {
	Append(p []byte) error
	Flush() error
	Sync() error
	Close() error
}

// --------------------------------------------------------------------

// LogSink writes data, append-only, into an underlying storage
// object. Writes go through an optional min/max buffering layer; the
// logical offset counts caller bytes only and keeps increasing across
// rotations.
type LogSink struct {
	opts     *LogOptions
	mu       *sync.Mutex
	file     WritableFile
	count    *countingFile
	buffered *bufferedFile // nil when buffering is disabled
	reopen   func(index int) (WritableFile, error)

	offset uint64 // logical write offset
	refs   int32
	closed bool
	err    error
}

// NewLogSink wraps an already-open storage object. Rotation requires
// a reopen callback returning the next physical file; pass nil when
// rotation is disabled.
func NewLogSink(opts *LogOptions, f WritableFile, reopen func(index int) (WritableFile, error)) *LogSink {
	opts = opts.norm()
	count := &countingFile{f: f}
	var file WritableFile = count
	var buffered *bufferedFile
	if opts.MaxBuf > 0 {
		buffered = newBufferedFile(count, opts.MinBuf, opts.MaxBuf)
		file = buffered
	}
	return &LogSink{
		opts:     opts,
		mu:       opts.Mu,
		file:     file,
		count:    count,
		buffered: buffered,
		reopen:   reopen,
	}
}

// OpenLogSink creates the named log file and returns a sink over it.
// An existing file is a collision and yields ErrAlreadyExists.
func OpenLogSink(opts *LogOptions) (*LogSink, error) {
	opts = opts.norm()
	f, err := openLogFile(opts.Name)
	if err != nil {
		return nil, err
	}
	reopen := func(index int) (WritableFile, error) {
		return openLogFile(fmt.Sprintf("%s.%d", opts.Name, index))
	}
	if opts.Rotation == NoRotation {
		reopen = nil
	}
	return NewLogSink(opts, f, reopen), nil
}

func openLogFile(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrAlreadyExists, name)
		}
		return nil, errors.Wrapf(ErrIO, "open %s: %v", name, err)
	}
	return osFile{f}, nil
}

func (s *LogSink) lock() {
	if s.mu != nil {
		s.mu.Lock()
	}
}

func (s *LogSink) unlock() {
	if s.mu != nil {
		s.mu.Unlock()
	}
}

// Lwrite appends data to the log and bumps the logical offset. Data
// may be lost until the next Lsync.
func (s *LogSink) Lwrite(p []byte) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return errors.Wrap(ErrClosed, "log sink")
	}
	if err := s.file.Append(p); err != nil {
		s.err = errors.Wrapf(ErrIO, "append %s: %v", s.opts.Name, err)
		return s.err
	}
	// Flush is a barrier only: the min/max buffering layer is free to
	// keep bytes in memory until its policy says otherwise.
	if err := s.file.Flush(); err != nil {
		s.err = errors.Wrapf(ErrIO, "flush %s: %v", s.opts.Name, err)
		return s.err
	}
	s.offset += uint64(len(p))
	return nil
}

// Ltell returns the logical write offset: the number of bytes
// accepted from callers, in-memory buffering excluded.
func (s *LogSink) Ltell() uint64 {
	s.lock()
	defer s.unlock()
	return s.offset
}

// Ptell returns the physical offset within the current log file.
// Bytes still sitting in the in-memory buffer are not counted.
func (s *LogSink) Ptell() uint64 {
	s.lock()
	defer s.unlock()
	return s.count.n
}

// Lsync forces buffered data down to durable storage.
func (s *LogSink) Lsync() error {
	s.lock()
	defer s.unlock()
	return s.syncLocked()
}

func (s *LogSink) syncLocked() error {
	if s.closed {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "sync %s: %v", s.opts.Name, err)
	}
	return nil
}

// Lrotate closes the current physical file and redirects all future
// writes to a fresh file named after the rotation index. The logical
// offset continues monotonically.
func (s *LogSink) Lrotate(index int, sync bool) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return errors.Wrap(ErrClosed, "log sink")
	}
	if s.opts.Rotation == NoRotation || s.reopen == nil {
		return errors.Wrap(ErrInvalidArgument, "log rotation not enabled")
	}
	// Drain buffered bytes into the old segment before switching.
	if s.buffered != nil {
		if err := s.buffered.flushBuf(); err != nil {
			return errors.Wrapf(ErrIO, "flush %s: %v", s.opts.Name, err)
		}
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return errors.Wrapf(ErrIO, "sync %s: %v", s.opts.Name, err)
		}
	}
	if err := s.count.f.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close %s: %v", s.opts.Name, err)
	}

	next, err := s.reopen(index)
	if err != nil {
		return err
	}
	s.count.f = next
	s.count.n = 0
	return nil
}

// Lclose finalizes the log. With sync set, data is forced to durable
// storage first.
func (s *LogSink) Lclose(sync bool) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return nil
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return errors.Wrapf(ErrIO, "sync %s: %v", s.opts.Name, err)
		}
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close %s: %v", s.opts.Name, err)
	}
	return nil
}

// Ref and Unref manage sharing between a writer and in-process
// readers. REQUIRES: external synchronization (the writer calls both
// under its own mutex).
func (s *LogSink) Ref() { s.refs++ }

func (s *LogSink) Unref() {
	s.refs--
	if s.refs == 0 && !s.closed {
		_ = s.Lclose(false)
	}
}

// --------------------------------------------------------------------

// countingFile tracks the physical bytes appended to the current
// segment.
type countingFile struct {
	f WritableFile
	n uint64
}

func (c *countingFile) Append(p []byte) error {
	if err := c.f.Append(p); err != nil {
		return err
	}
	c.n += uint64(len(p))
	return nil
}

func (c *countingFile) Flush() error { return c.f.Flush() }
func (c *countingFile) Sync() error  { return c.f.Sync() }
func (c *countingFile) Close() error { return c.f.Close() }

// bufferedFile collapses small appends into larger physical writes.
// Appends below min accumulate; the buffer never exceeds max.
type bufferedFile struct {
	f        WritableFile
	min, max int
	buf      []byte
}

func newBufferedFile(f WritableFile, min, max int) *bufferedFile {
	return &bufferedFile{f: f, min: min, max: max, buf: make([]byte, 0, max)}
}

func (b *bufferedFile) Append(p []byte) error {
	if len(b.buf)+len(p) > b.max {
		if err := b.flushBuf(); err != nil {
			return err
		}
	}
	if len(p) >= b.min && len(b.buf) == 0 {
		return b.f.Append(p)
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) >= b.min {
		return b.flushBuf()
	}
	return nil
}

func (b *bufferedFile) flushBuf() error {
	if len(b.buf) == 0 {
		return nil
	}
	err := b.f.Append(b.buf)
	b.buf = b.buf[:0]
	return err
}

// Flush is a write barrier; bytes stay in the buffer until the
// min/max policy, a sync, or a close pushes them down.
func (b *bufferedFile) Flush() error { return nil }

func (b *bufferedFile) Sync() error {
	if err := b.flushBuf(); err != nil {
		return err
	}
	return b.f.Sync()
}

func (b *bufferedFile) Close() error {
	if err := b.flushBuf(); err != nil {
		return err
	}
	return b.f.Close()
}

// osFile adapts *os.File to the WritableFile interface.
type osFile struct{ f *os.File }

func (o osFile) Append(p []byte) error {
	_, err := o.f.Write(p)
	return err
}

func (o osFile) Flush() error { return nil }
func (o osFile) Sync() error  { return o.f.Sync() }
func (o osFile) Close() error { return o.f.Close() }

// --------------------------------------------------------------------

// LogSource provides random read access to a sealed log. It is
// read-only after open.
type LogSource struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
	refs   int32
}

// NewLogSource wraps an in-memory or already-open random access
// reader.
func NewLogSource(r io.ReaderAt, size int64) *LogSource {
	return &LogSource{r: r, size: size}
}

// OpenLogSource opens the named log file for reading.
func OpenLogSource(name string) (*LogSource, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, name)
		}
		return nil, errors.Wrapf(ErrIO, "open %s: %v", name, err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", name, err)
	}
	return &LogSource{r: f, size: stat.Size(), closer: f}, nil
}

// Read returns n bytes starting at offset. The result may borrow from
// scratch. Reads past the end of the log return a truncated slice;
// callers detect truncation by checking the length.
func (s *LogSource) Read(offset uint64, n int, scratch []byte) ([]byte, error) {
	if cap(scratch) < n {
		scratch = make([]byte, n)
	}
	scratch = scratch[:n]
	m, err := s.r.ReadAt(scratch, int64(offset))
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "read: %v", err)
	}
	return scratch[:m], nil
}

// Size returns the total log size in bytes.
func (s *LogSource) Size() int64 { return s.size }

// Ref and Unref manage sharing; the underlying file is closed when
// the last reference is dropped.
func (s *LogSource) Ref() { s.refs++ }

func (s *LogSource) Unref() {
	s.refs--
	if s.refs == 0 && s.closer != nil {
		_ = s.closer.Close()
		s.closer = nil
	}
}
