package plfsio

// iterator is the capability set shared by block and buffer
// iterators. Structural iterators over unsorted storage may implement
// Seek as a no-op.
type iterator interface {
	Valid() bool
	SeekToFirst()
	Seek(target []byte)
	Next()
	Key() []byte
	Value() []byte
	Err() error
}

var (
	_ iterator = (*blockIter)(nil)
	_ iterator = (*bufferIter)(nil)
)
