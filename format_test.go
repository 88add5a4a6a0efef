package plfsio

import (
	"bytes"
	"sort"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("coding", func() {
	It("should round-trip varints", func() {
		for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<42 + 7, 1<<63 + 11} {
			buf := appendUvarint(nil, v)
			Expect(buf).To(HaveLen(varintLength(v)))

			got, rest, ok := getUvarint(buf)
			Expect(ok).To(BeTrue())
			Expect(rest).To(BeEmpty())
			Expect(got).To(Equal(v))
		}
	})

	It("should round-trip length-prefixed slices", func() {
		buf := appendLengthPrefixedSlice(nil, []byte("alpha"))
		buf = appendLengthPrefixedSlice(buf, nil)
		buf = appendLengthPrefixedSlice(buf, []byte("bravo"))

		s, buf, ok := getLengthPrefixedSlice(buf)
		Expect(ok).To(BeTrue())
		Expect(string(s)).To(Equal("alpha"))

		s, buf, ok = getLengthPrefixedSlice(buf)
		Expect(ok).To(BeTrue())
		Expect(s).To(BeEmpty())

		s, buf, ok = getLengthPrefixedSlice(buf)
		Expect(ok).To(BeTrue())
		Expect(string(s)).To(Equal("bravo"))
		Expect(buf).To(BeEmpty())
	})

	It("should reject truncated slices", func() {
		buf := appendUvarint(nil, 100)
		_, _, ok := getLengthPrefixedSlice(buf)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("format", func() {
	It("should round-trip block handles", func() {
		h := blockHandle{offset: 1 << 33, size: 4096}
		enc := h.encodeTo(nil)

		var got blockHandle
		rest, err := got.decodeFrom(enc)
		Expect(err).NotTo(HaveOccurred())
		Expect(rest).To(BeEmpty())
		Expect(got).To(Equal(h))
	})

	It("should round-trip table handles", func() {
		h := tableHandle{
			smallestKey:  []byte("aardvark"),
			largestKey:   []byte("zebra"),
			filterOffset: 777,
			filterSize:   128,
			index:        blockHandle{offset: 512, size: 99},
		}
		enc := h.encodeTo(nil)

		var got tableHandle
		rest, err := got.decodeFrom(enc)
		Expect(err).NotTo(HaveOccurred())
		Expect(rest).To(BeEmpty())
		Expect(got.smallestKey).To(Equal(h.smallestKey))
		Expect(got.largestKey).To(Equal(h.largestKey))
		Expect(got.filterOffset).To(Equal(h.filterOffset))
		Expect(got.filterSize).To(Equal(h.filterSize))
		Expect(got.index).To(Equal(h.index))
	})

	It("should round-trip footers at a fixed length", func() {
		f := footer{epochIndex: blockHandle{offset: 12345, size: 678}, numEpochs: 42}
		enc := f.encodeTo(nil)
		Expect(enc).To(HaveLen(footerLen))

		var got footer
		Expect(got.decodeFrom(enc)).To(Succeed())
		Expect(got.epochIndex).To(Equal(f.epochIndex))
		Expect(got.numEpochs).To(Equal(uint32(42)))
	})

	It("should reject a bad footer magic", func() {
		f := footer{epochIndex: blockHandle{offset: 1, size: 2}}
		enc := f.encodeTo(nil)
		enc[footerLen-1]++

		var got footer
		Expect(got.decodeFrom(enc)).To(MatchError(ErrCorruption))
	})

	It("should order epoch keys like their numeric pairs", func() {
		pairs := [][2]uint32{{0, 0}, {0, 1}, {0, 99}, {1, 0}, {1, 2}, {12, 0}, {123, 45}, {9999, 9999}}
		keys := make([]string, len(pairs))
		for i, p := range pairs {
			keys[i] = string(epochKey(p[0], p[1]))
		}
		Expect(sort.StringsAreSorted(keys)).To(BeTrue())

		for i := range keys {
			Expect(keys[i]).To(HaveLen(len(keys[0])))
		}
	})

	It("should find shortest separators", func() {
		sep := findShortestSeparator([]byte("abcdef"), []byte("abzz"))
		Expect(bytes.Compare(sep, []byte("abcdef"))).To(BeNumerically(">=", 0))
		Expect(bytes.Compare(sep, []byte("abzz"))).To(BeNumerically("<", 0))
		Expect(sep).To(Equal([]byte("abd")))

		// Prefix keys cannot be shortened.
		Expect(findShortestSeparator([]byte("abc"), []byte("abcd"))).To(Equal([]byte("abc")))
	})

	It("should find short successors", func() {
		succ := findShortSuccessor([]byte("abcdef"))
		Expect(succ).To(Equal([]byte("b")))
		Expect(bytes.Compare(succ, []byte("abcdef"))).To(BeNumerically(">=", 0))

		Expect(findShortSuccessor([]byte{0xff, 0xff})).To(Equal([]byte{0xff, 0xff}))
	})
})

var _ = Describe("crc", func() {
	It("should mask reversibly", func() {
		for _, crc := range []uint32{0, 1, 0xdeadbeef, 0xffffffff} {
			Expect(crcUnmask(crcMask(crc))).To(Equal(crc))
		}
	})

	It("should verify sealed payloads", func() {
		sealed := sealContents([]byte("payload"))
		Expect(verifyBlockCRC(sealed)).To(BeTrue())

		sealed[1] ^= 0x40
		Expect(verifyBlockCRC(sealed)).To(BeFalse())
	})
})
