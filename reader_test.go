package waytable_test

import (
	"bytes"

	"github.com/bsm/waytable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/types"
)

var _ = Describe("Reader", func() {
	var subject *waytable.Reader

	HavePos := func(n int) types.GomegaMatcher {
		return WithTransform(func(x interface{ Pos() int }) int {
			return x.Pos()
		}, Equal(n))
	}

	// seeds 100 ways with IDs 0, 4, ..., 396
	BeforeEach(func() {
		var err error
		subject, err = seedReader(100, waytable.NoCompression)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should init", func() {
		Expect(subject.NumBlocks()).To(BeNumerically(">", 2))

		r10k, err := seedReader(10000, waytable.NoCompression)
		Expect(err).NotTo(HaveOccurred())
		Expect(r10k.NumBlocks()).To(BeNumerically(">", 100*subject.NumBlocks()/2))
	})

	It("should reject bad tables", func() {
		_, err := waytable.NewReader(bytes.NewReader([]byte("short")), 5)
		Expect(err).To(HaveOccurred())

		_, err = waytable.NewReader(bytes.NewReader(make([]byte, 64)), 64)
		Expect(err).To(HaveOccurred())
	})

	It("should At/Append", func() {
		for i := uint64(0); i <= 396; i += 4 {
			Expect(subject.At(waytable.WayID(i))).To(Equal(seedCoords(i, 12)), "for %d", i)
		}

		prefix := []waytable.Coordinate{{Latp: 1}}
		Expect(subject.Append(prefix, 8)).To(Equal(append(prefix, seedCoords(8, 12)...)))

		_, err := subject.At(1)
		Expect(err).To(MatchError(waytable.ErrNotFound))
		_, err = subject.At(395)
		Expect(err).To(MatchError(waytable.ErrNotFound))
		_, err = subject.At(400)
		Expect(err).To(MatchError(waytable.ErrNotFound))
	})

	It("should read compressed tables", func() {
		for _, c := range []waytable.Compression{waytable.SnappyCompression, waytable.ZstdCompression, waytable.LZ4Compression} {
			r, err := seedReader(500, c)
			Expect(err).NotTo(HaveOccurred())

			for i := uint64(0); i < 2000; i += 4 {
				Expect(r.At(waytable.WayID(i))).To(Equal(seedCoords(i, 12)), "for %d with %v", i, c)
			}
			_, err = r.At(2000)
			Expect(err).To(MatchError(waytable.ErrNotFound))
		}
	})

	It("should retrieve blocks", func() {
		b0, err := subject.GetBlock(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(b0.Pos()).To(Equal(0))

		b1, err := subject.GetBlock(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b1.Pos()).To(Equal(1))

		b0, err = subject.GetBlock(-1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b0.Pos()).To(Equal(0))

		n := subject.NumBlocks()
		Expect(subject.GetBlock(n + 5)).To(HavePos(n))
	})

	It("should seek blocks", func() {
		Expect(subject.SeekBlock(0)).To(HavePos(0))
		Expect(subject.SeekBlock(396)).To(HavePos(subject.NumBlocks() - 1))
		Expect(subject.SeekBlock(397)).To(HavePos(subject.NumBlocks()))
		Expect(subject.SeekBlock(1000)).To(HavePos(subject.NumBlocks()))

		for key := uint64(0); key <= 396; key += 4 {
			block, err := subject.SeekBlock(key)
			Expect(err).NotTo(HaveOccurred())

			section := block.SeekSection(key)
			Expect(section.Seek(key)).To(BeTrue(), "for %d", key)
			Expect(section.Next()).To(BeTrue())
			Expect(section.Key()).To(Equal(key))
			block.Release()
		}
	})

	Describe("BlockReader", func() {
		var block *waytable.BlockReader

		BeforeEach(func() {
			var err error
			block, err = subject.GetBlock(1)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should have pos", func() {
			Expect(block.Pos()).To(Equal(1))
		})

		It("should have sections", func() {
			n := block.NumSections()
			Expect(n).To(BeNumerically(">", 1))
			Expect(block.GetSection(0).Pos()).To(Equal(0))
			Expect(block.GetSection(1).Pos()).To(Equal(1))
			Expect(block.GetSection(n).Pos()).To(Equal(n))
			Expect(block.GetSection(n + 1).Pos()).To(Equal(n))
			Expect(block.GetSection(-1).Pos()).To(Equal(0))
		})

		It("should seek sections", func() {
			s1 := block.GetSection(1)
			Expect(s1.Next()).To(BeTrue())
			first := s1.Key()

			Expect(block.SeekSection(0).Pos()).To(Equal(0))
			Expect(block.SeekSection(first - 1).Pos()).To(Equal(0))
			Expect(block.SeekSection(first).Pos()).To(Equal(1))
			Expect(block.SeekSection(1000).Pos()).To(Equal(block.NumSections()))
		})
	})

	Describe("SectionReader", func() {
		var section *waytable.SectionReader

		BeforeEach(func() {
			block, err := subject.GetBlock(0)
			Expect(err).NotTo(HaveOccurred())

			// restart interval is 4, so section 1 holds IDs 16..28
			section = block.GetSection(1)
		})

		It("should have pos", func() {
			Expect(section.Pos()).To(Equal(1))
		})

		It("should seek", func() {
			Expect(section.Seek(20)).To(BeTrue())
			Expect(section.Next()).To(BeTrue())
			Expect(section.Key()).To(Equal(uint64(20)))

			Expect(section.Seek(23)).To(BeTrue())
			Expect(section.Next()).To(BeTrue())
			Expect(section.Key()).To(Equal(uint64(24)))

			Expect(section.Seek(29)).To(BeFalse())
		})

		It("should iterate", func() {
			for _, key := range []uint64{16, 20, 24, 28} {
				Expect(section.More()).To(BeTrue())
				Expect(section.Next()).To(BeTrue())
				Expect(section.Key()).To(Equal(key))
				Expect(section.Value()).NotTo(BeEmpty())
			}
			Expect(section.More()).To(BeFalse())
			Expect(section.Next()).To(BeFalse())
		})
	})

	Describe("TableIterator", func() {
		It("should iterate from beginning", func() {
			iter := subject.NewIterator()
			defer iter.Release()

			for key := uint64(0); key <= 396; key += 4 {
				Expect(iter.Next()).To(BeTrue())
				Expect(iter.ID()).To(Equal(waytable.WayID(key)))
				Expect(iter.Coords()).To(Equal(seedCoords(key, 12)))
			}
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should iterate from middle", func() {
			iter, err := subject.Seek(200)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.ID()).To(Equal(waytable.WayID(200)))

			iter2, err := subject.Seek(201)
			Expect(err).NotTo(HaveOccurred())
			defer iter2.Release()

			Expect(iter2.Next()).To(BeTrue())
			Expect(iter2.ID()).To(Equal(waytable.WayID(204)))
		})

		It("should iterate from last entry", func() {
			iter, err := subject.Seek(396)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.ID()).To(Equal(waytable.WayID(396)))
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should not iterate when past the end", func() {
			iter, err := subject.Seek(1000)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should iterate empty tables", func() {
			buf := new(bytes.Buffer)
			Expect(seedTable(buf, 0, waytable.SnappyCompression)).To(Succeed())

			r, err := waytable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.NumBlocks()).To(Equal(0))

			iter := r.NewIterator()
			defer iter.Release()
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())

			_, err = r.At(0)
			Expect(err).To(MatchError(waytable.ErrNotFound))
		})
	})
})
