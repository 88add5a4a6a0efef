package plfsio

// Compression is the block compression codec.
type Compression byte

// Supported compression codecs. Only data blocks are ever compressed;
// index, meta, and filter blocks must stay directly addressable.
const (
	NoCompression Compression = iota
	SnappyCompression
)

// CompactionPool runs background compaction jobs. A shared pool may
// serialize compactions across several writers but must guarantee
// that every writer eventually makes progress.
type CompactionPool interface {
	Schedule(job func())
}

// DirOptions control a single directory partition.
type DirOptions struct {
	// BlockSize is the target size in bytes of each stored data block,
	// trailer included.
	// Default: 4KiB.
	BlockSize int

	// BlockUtil is the fraction of BlockSize filled with entries
	// before a data block is cut.
	// Default: 0.996.
	BlockUtil float64

	// BlockPadding zero-pads each stored data block to BlockSize.
	// Default: true.
	BlockPadding bool

	// BlockBuffer is the number of data-block bytes accumulated in
	// memory before they are committed to the data log in one write.
	// Default: 2MiB.
	BlockBuffer int

	// BlockRestartInterval is the number of keys between restart
	// points in data blocks.
	// Default: 16.
	BlockRestartInterval int

	// MemTableBuffer is the total write buffer budget in bytes,
	// covering both buffers of every partition.
	// Default: 32MiB.
	MemTableBuffer int

	// LgParts is the log2 of the number of directory partitions the
	// budget is split across.
	// Default: 0.
	LgParts int

	// UniqueKeys promises every key is inserted at most once. Readers
	// then stop at the first match.
	// Default: true.
	UniqueKeys bool

	// BFBitsPerKey sizes the per-table bloom filters. Zero disables
	// filters entirely.
	// Default: 8.
	BFBitsPerKey int

	// VerifyChecksums validates block trailers on every read.
	// Default: false.
	VerifyChecksums bool

	// NonBlocking turns every wait on buffer space into an immediate
	// ErrBufferFull.
	// Default: false.
	NonBlocking bool

	// TailPadding pads the index log so its final size is a multiple
	// of IndexBuffer.
	// Default: false.
	TailPadding bool

	// IndexBuffer is the physical write size the index log tail is
	// aligned to when TailPadding is set.
	// Default: 2MiB.
	IndexBuffer int

	// KeySize and ValueSize are sizing hints used to derive the
	// per-table entry budget and filter size.
	// Defaults: 8 and 32.
	KeySize   int
	ValueSize int

	// Compression selects the data block codec.
	// Default: NoCompression.
	Compression Compression

	// CompactionPool runs compactions. When nil every compaction runs
	// on its own goroutine.
	CompactionPool CompactionPool
}

func (o *DirOptions) norm() *DirOptions {
	var oo DirOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if oo.BlockUtil <= 0 || oo.BlockUtil > 1 {
		oo.BlockUtil = 0.996
	}
	if oo.BlockBuffer < 1 {
		oo.BlockBuffer = 1 << 21
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if oo.MemTableBuffer < 1 {
		oo.MemTableBuffer = 32 << 20
	}
	if oo.LgParts < 0 {
		oo.LgParts = 0
	}
	if oo.BFBitsPerKey < 0 {
		oo.BFBitsPerKey = 0
	}
	if oo.IndexBuffer < 1 {
		oo.IndexBuffer = 1 << 21
	}
	if oo.KeySize < 1 {
		oo.KeySize = 8
	}
	if oo.ValueSize < 1 {
		oo.ValueSize = 32
	}
	return &oo
}

// DefaultDirOptions returns the defaults used when nil options are
// passed to NewWriter or OpenReader. UniqueKeys and BlockPadding
// default to true, which zero values cannot express.
func DefaultDirOptions() *DirOptions {
	o := (&DirOptions{}).norm()
	o.UniqueKeys = true
	o.BlockPadding = true
	o.BFBitsPerKey = 8
	return o
}
