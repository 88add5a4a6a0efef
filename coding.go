package plfsio

import "encoding/binary"

// Little-endian fixed-width and varint codecs shared by all on-disk
// structures.

func encodeFixed32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

func decodeFixed32(p []byte) uint32 {
	return binary.LittleEndian.Uint32(p)
}

func encodeFixed64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

func decodeFixed64(p []byte) uint64 {
	return binary.LittleEndian.Uint64(p)
}

func appendFixed32(dst []byte, v uint32) []byte {
	var tmp [4]byte
	encodeFixed32(tmp[:], v)
	return append(dst, tmp[:]...)
}

func appendFixed64(dst []byte, v uint64) []byte {
	var tmp [8]byte
	encodeFixed64(tmp[:], v)
	return append(dst, tmp[:]...)
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// getUvarint decodes a varint from p, returning the value and the
// remainder of p. ok is false when p is truncated or malformed.
func getUvarint(p []byte) (v uint64, rest []byte, ok bool) {
	v, n := binary.Uvarint(p)
	if n <= 0 {
		return 0, p, false
	}
	return v, p[n:], true
}

// varintLength returns the number of bytes the varint encoding of v
// occupies.
func varintLength(v uint64) int {
	n := 1
	for v >= 128 {
		v >>= 7
		n++
	}
	return n
}

// appendLengthPrefixedSlice appends varint(len(s)) followed by s.
func appendLengthPrefixedSlice(dst, s []byte) []byte {
	dst = appendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// getLengthPrefixedSlice decodes a length-prefixed byte string from p,
// returning the string and the remainder of p.
func getLengthPrefixedSlice(p []byte) (s, rest []byte, ok bool) {
	n, rest, ok := getUvarint(p)
	if !ok || uint64(len(rest)) < n {
		return nil, p, false
	}
	return rest[:n], rest[n:], true
}
