package plfsio

// bloomBlock builds a double-hashing bloom filter over the keys of a
// single table. The number of probes k is stored as the final byte of
// the filter so that readers can probe filters built with different
// parameters.
type bloomBlock struct {
	space    []byte
	bits     uint32
	k        uint32
	finished bool
}

func newBloomBlock(bitsPerKey, size int) *bloomBlock {
	k := uint32(float64(bitsPerKey) * 0.69) // 0.69 =~ ln(2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	space := make([]byte, size, size+1+blockTrailerLen)
	space = append(space, byte(k))
	return &bloomBlock{
		space: space,
		bits:  uint32(8 * size),
		k:     k,
	}
}

func (b *bloomBlock) AddKey(key []byte) {
	// Double-hashing generates the probe sequence from a single hash.
	h := bloomHash(key)
	delta := (h >> 17) | (h << 15) // rotate right 17 bits
	for j := uint32(0); j < b.k; j++ {
		bitpos := h % b.bits
		b.space[bitpos/8] |= 1 << (bitpos % 8)
		h += delta
	}
}

// Finish seals the filter and returns its contents without the
// trailer.
func (b *bloomBlock) Finish() []byte {
	b.finished = true
	return b.space
}

// bloomMayMatch probes a finished filter. Filters shorter than two
// bytes, and filters with an unknown probe count, are considered a
// match.
func bloomMayMatch(key, filter []byte) bool {
	if len(filter) < 2 {
		return true
	}

	bits := uint32((len(filter) - 1) * 8)

	// Use the encoded k so that filters generated with different
	// parameters remain readable.
	k := uint32(filter[len(filter)-1])
	if k > 30 {
		// Reserved for future encodings of short filters.
		return true
	}

	h := bloomHash(key)
	delta := (h >> 17) | (h << 15)
	for j := uint32(0); j < k; j++ {
		bitpos := h % bits
		if filter[bitpos/8]&(1<<(bitpos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
