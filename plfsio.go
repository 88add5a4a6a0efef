package plfsio

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

// Magic number sealing the index log footer.
const footerMagic uint64 = 0x9f2bce4a8b7e01d5

const (
	blockNoCompression     = 0
	blockSnappyCompression = 1

	// Every stored block carries a 1-byte compression type followed by
	// a masked crc32c of the payload and the type byte.
	blockTrailerLen = 1 + 4
)

// Hard caps baked into the meta index key encoding. Variables only so
// tests can exercise the boundaries without ~10k inserts.
var (
	maxEpochs         uint32 = 9999
	maxTablesPerEpoch uint32 = 9999
)

// Sentinel errors. Use errors.Is to test for a kind; most returned
// errors carry additional context on top of one of these.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("plfsio: not found")
	// ErrCorruption indicates a bad checksum, a truncated read, or a
	// malformed block or footer.
	ErrCorruption = errors.New("plfsio: corruption")
	// ErrIO indicates a sink or source failure.
	ErrIO = errors.New("plfsio: io error")
	// ErrInvalidArgument indicates bad options or a wrong handle.
	ErrInvalidArgument = errors.New("plfsio: invalid argument")
	// ErrAssertion indicates an exceeded cap, a duplicate key under
	// UniqueKeys, or a violated precondition.
	ErrAssertion = errors.New("plfsio: assertion failed")
	// ErrBufferFull is the non-blocking backpressure signal. The caller
	// is expected to retry.
	ErrBufferFull = errors.New("plfsio: buffer full")
	// ErrAlreadyExists is returned on create-if-missing collisions.
	ErrAlreadyExists = errors.New("plfsio: already exists")
	// ErrClosed is returned on operations against a closed log.
	ErrClosed = errors.New("plfsio: is closed")
)

// --------------------------------------------------------------------

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const crcMaskDelta = 0xa282ead8

// crcMask rotates the checksum and adds a constant so that CRCs of
// data containing embedded CRCs stay well distributed.
func crcMask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + crcMaskDelta
}

func crcUnmask(masked uint32) uint32 {
	rot := masked - crcMaskDelta
	return (rot >> 17) | (rot << 15)
}

// blockCRC computes the masked checksum of a stored block payload
// including its type byte.
func blockCRC(payload []byte, typ byte) uint32 {
	crc := crc32.Checksum(payload, castagnoli)
	crc = crc32.Update(crc, castagnoli, []byte{typ})
	return crcMask(crc)
}

// verifyBlockCRC checks a stored block, where raw holds the payload
// followed by the 5-byte trailer.
func verifyBlockCRC(raw []byte) bool {
	n := len(raw) - blockTrailerLen
	if n < 0 {
		return false
	}
	want := decodeFixed32(raw[n+1:])
	return blockCRC(raw[:n], raw[n]) == want
}
