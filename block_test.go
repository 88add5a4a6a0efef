package plfsio

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func buildBlock(restartInterval int, entries [][2]string) ([]byte, int) {
	b := newBlockBuilder(restartInterval)
	for _, kv := range entries {
		b.Add([]byte(kv[0]), []byte(kv[1]))
	}
	b.Finish()
	stored, payloadLen := b.Finalize(NoCompression, 0)
	return stored, payloadLen
}

var _ = Describe("blockBuilder", func() {
	var entries [][2]string

	BeforeEach(func() {
		entries = nil
		for i := 0; i < 100; i++ {
			entries = append(entries, [2]string{
				fmt.Sprintf("key-%04d", i*4),
				fmt.Sprintf("val-%04d", i*4),
			})
		}
	})

	It("should seal blocks with a valid trailer", func() {
		stored, payloadLen := buildBlock(16, entries)
		Expect(stored).To(HaveLen(payloadLen + blockTrailerLen))
		Expect(verifyBlockCRC(stored)).To(BeTrue())
	})

	It("should pad stored blocks after the trailer", func() {
		b := newBlockBuilder(16)
		b.Add([]byte("k"), []byte("v"))
		b.Finish()
		stored, payloadLen := b.Finalize(NoCompression, 512)
		Expect(stored).To(HaveLen(512))
		Expect(verifyBlockCRC(stored[:payloadLen+blockTrailerLen])).To(BeTrue())
		for _, c := range stored[payloadLen+blockTrailerLen:] {
			Expect(c).To(Equal(byte(0)))
		}
	})

	It("should compress when worthwhile", func() {
		var repetitive [][2]string
		for i := 0; i < 100; i++ {
			repetitive = append(repetitive, [2]string{
				fmt.Sprintf("key-%04d", i),
				"abcabcabcabcabcabcabcabcabcabcabcabc",
			})
		}
		b := newBlockBuilder(16)
		for _, kv := range repetitive {
			b.Add([]byte(kv[0]), []byte(kv[1]))
		}
		plainLen := b.Finish()
		stored, payloadLen := b.Finalize(SnappyCompression, 0)
		Expect(payloadLen).To(BeNumerically("<", plainLen))
		Expect(stored[payloadLen]).To(Equal(byte(blockSnappyCompression)))
		Expect(verifyBlockCRC(stored)).To(BeTrue())
	})

	It("should accumulate finalized blocks in the store", func() {
		b := newBlockBuilder(16)
		b.Add([]byte("a"), []byte("1"))
		b.Finish()
		_, firstLen := b.Finalize(NoCompression, 0)
		b.Reset()
		b.Add([]byte("b"), []byte("2"))
		b.Finish()
		_, _ = b.Finalize(NoCompression, 0)
		b.Reset()

		Expect(b.finishedLen()).To(BeNumerically(">", firstLen))
		Expect(b.finishedLen()).To(Equal(b.storeLen()))

		b.CompactStore()
		Expect(b.storeLen()).To(Equal(0))
	})

	It("should preserve a partial block across CompactStore", func() {
		b := newBlockBuilder(16)
		b.Add([]byte("a"), []byte("1"))
		b.Finish()
		b.Finalize(NoCompression, 0)
		b.Reset()
		b.Add([]byte("b"), []byte("2"))

		partial := b.storeLen() - b.finishedLen()
		b.CompactStore()
		Expect(b.finishedLen()).To(Equal(0))
		Expect(b.storeLen()).To(Equal(partial))

		b.Finish()
		stored, payloadLen := b.Finalize(NoCompression, 0)
		blk, err := newBlockContents(stored[:payloadLen])
		Expect(err).NotTo(HaveOccurred())

		iter := blk.NewIterator()
		iter.SeekToFirst()
		Expect(iter.Valid()).To(BeTrue())
		Expect(string(iter.Key())).To(Equal("b"))
	})

	Describe("blockIter", func() {
		var blk *blockContents

		BeforeEach(func() {
			stored, payloadLen := buildBlock(16, entries)
			var err error
			blk, err = newBlockContents(stored[:payloadLen])
			Expect(err).NotTo(HaveOccurred())
		})

		It("should iterate in insertion order", func() {
			iter := blk.NewIterator()
			n := 0
			for iter.SeekToFirst(); iter.Valid(); iter.Next() {
				Expect(string(iter.Key())).To(Equal(entries[n][0]))
				Expect(string(iter.Value())).To(Equal(entries[n][1]))
				n++
			}
			Expect(iter.Err()).NotTo(HaveOccurred())
			Expect(n).To(Equal(len(entries)))
		})

		It("should seek to existing keys", func() {
			iter := blk.NewIterator()
			iter.Seek([]byte("key-0200"))
			Expect(iter.Valid()).To(BeTrue())
			Expect(string(iter.Key())).To(Equal("key-0200"))
			Expect(string(iter.Value())).To(Equal("val-0200"))
		})

		It("should seek to the next greater key", func() {
			iter := blk.NewIterator()
			iter.Seek([]byte("key-0201"))
			Expect(iter.Valid()).To(BeTrue())
			Expect(string(iter.Key())).To(Equal("key-0204"))
		})

		It("should invalidate past the last key", func() {
			iter := blk.NewIterator()
			iter.Seek([]byte("zzz"))
			Expect(iter.Valid()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should seek to the first key", func() {
			iter := blk.NewIterator()
			iter.Seek([]byte("a"))
			Expect(iter.Valid()).To(BeTrue())
			Expect(string(iter.Key())).To(Equal("key-0000"))
		})

		It("should reject malformed contents", func() {
			_, err := newBlockContents([]byte{1, 2})
			Expect(err).To(MatchError(ErrCorruption))
		})
	})

	Describe("restart interval one", func() {
		It("should store every key in full", func() {
			stored, payloadLen := buildBlock(1, entries[:10])
			blk, err := newBlockContents(stored[:payloadLen])
			Expect(err).NotTo(HaveOccurred())
			Expect(blk.numRestarts).To(Equal(10))

			iter := blk.NewIterator()
			iter.Seek([]byte("key-0024"))
			Expect(iter.Valid()).To(BeTrue())
			Expect(string(iter.Key())).To(Equal("key-0024"))
		})
	})
})
