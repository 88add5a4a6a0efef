package plfsio

import (
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("writeBuffer", func() {
	var subject *writeBuffer

	BeforeEach(func() {
		subject = new(writeBuffer)
		subject.Reserve(16, 1<<10)
	})

	It("should track entries and bytes", func() {
		Expect(subject.CurrentBufferSize()).To(Equal(0))
		subject.Add([]byte("bravo"), []byte("2"))
		subject.Add([]byte("alpha"), []byte("1"))
		Expect(subject.NumEntries()).To(Equal(2))
		Expect(subject.CurrentBufferSize()).To(Equal(2 + 5 + 1 + 2 + 5 + 1))
	})

	It("should iterate in sorted order after finish", func() {
		keys := rand.New(rand.NewSource(7)).Perm(100)
		for _, k := range keys {
			subject.Add([]byte(fmt.Sprintf("k%04d", k)), []byte(fmt.Sprintf("v%04d", k)))
		}
		subject.Finish()

		iter := subject.NewIterator()
		n := 0
		for iter.SeekToFirst(); iter.Valid(); iter.Next() {
			Expect(string(iter.Key())).To(Equal(fmt.Sprintf("k%04d", n)))
			Expect(string(iter.Value())).To(Equal(fmt.Sprintf("v%04d", n)))
			n++
		}
		Expect(n).To(Equal(100))
	})

	It("should keep insertion order for equal keys", func() {
		subject.Add([]byte("k"), []byte("A"))
		subject.Add([]byte("k"), []byte("B"))
		subject.Add([]byte("k"), []byte("C"))
		subject.Finish()

		iter := subject.NewIterator()
		var got []byte
		for iter.SeekToFirst(); iter.Valid(); iter.Next() {
			got = append(got, iter.Value()...)
		}
		Expect(string(got)).To(Equal("ABC"))
	})

	It("should iterate backwards", func() {
		subject.Add([]byte("a"), []byte("1"))
		subject.Add([]byte("b"), []byte("2"))
		subject.Finish()

		iter := subject.NewIterator()
		iter.SeekToLast()
		Expect(string(iter.Key())).To(Equal("b"))
		iter.Prev()
		Expect(string(iter.Key())).To(Equal("a"))
		iter.Prev()
		Expect(iter.Valid()).To(BeFalse())
	})

	It("should reset for reuse", func() {
		subject.Add([]byte("a"), []byte("1"))
		subject.Finish()
		subject.Reset()
		Expect(subject.NumEntries()).To(Equal(0))
		Expect(subject.CurrentBufferSize()).To(Equal(0))

		subject.Add([]byte("b"), []byte("2"))
		subject.Finish()
		iter := subject.NewIterator()
		iter.SeekToFirst()
		Expect(string(iter.Key())).To(Equal("b"))
	})
})
