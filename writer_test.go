package waytable_test

import (
	"bytes"
	"context"

	"github.com/bsm/waytable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Writer", func() {
	var buf *bytes.Buffer
	var subject *waytable.Writer
	var testdata = []waytable.Coordinate{{Latp: 1, Lon: 2}}

	BeforeEach(func() {
		buf = new(bytes.Buffer)
		subject = waytable.NewWriter(buf, nil)
	})

	AfterEach(func() {
		_ = subject.Close()
	})

	It("should write empty", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(buf.Len()).To(Equal(16))
		Expect(subject.Close()).To(HaveOccurred())
		Expect(subject.Append(1, testdata)).To(HaveOccurred())
	})

	It("should prevent out-of-order appends", func() {
		Expect(subject.Append(20, testdata)).To(Succeed())
		Expect(subject.Append(19, testdata)).To(MatchError(`waytable: attempted an out-of-order append, 19 must be > 20`))
		Expect(subject.Append(22, testdata)).To(Succeed())
		Expect(subject.Append(20, testdata)).To(MatchError(`waytable: attempted an out-of-order append, 20 must be > 22`))
		Expect(subject.Append(23, testdata)).To(Succeed())
		Expect(subject.Append(23, testdata)).To(MatchError(`waytable: attempted an out-of-order append, 23 must be > 23`))
		Expect(subject.Append(24, testdata)).To(Succeed())
	})

	It("should compress blocks", func() {
		plain := new(bytes.Buffer)
		Expect(seedTable(plain, 10000, waytable.NoCompression)).To(Succeed())

		for _, c := range []waytable.Compression{waytable.SnappyCompression, waytable.ZstdCompression, waytable.LZ4Compression} {
			compressed := new(bytes.Buffer)
			Expect(seedTable(compressed, 10000, c)).To(Succeed())
			Expect(compressed.Len()).To(BeNumerically("<", plain.Len()*3/4), "for %v", c)
			Expect(compressed.Bytes()[compressed.Len()-8:]).To(Equal(plain.Bytes()[plain.Len()-8:]))
		}
	})
})

var _ = Describe("WriteTable", func() {
	It("should export finalized stores", func() {
		store, err := waytable.New(testOptions(3))
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		ways := seedWays(0, 3000, 2)
		Expect(store.InsertLatpLons(ways)).To(Succeed())
		Expect(waytable.FinalizeAll(context.Background(), store, 3)).To(Succeed())

		buf := new(bytes.Buffer)
		Expect(waytable.WriteTable(buf, store, nil)).To(Succeed())

		reader, err := waytable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.NumBlocks()).To(BeNumerically(">", 1))

		for _, w := range ways {
			Expect(reader.At(w.ID)).To(Equal(w.Coords), "for %d", w.ID)
		}
		_, err = reader.At(1)
		Expect(err).To(MatchError(waytable.ErrNotFound))
	})

	It("should not export unfinalized stores", func() {
		store := waytable.NewBinarySearchStore("unfinalized", testOptions(1))
		defer store.Close()

		Expect(waytable.WriteTable(new(bytes.Buffer), store, nil)).To(MatchError(waytable.ErrNotFinalized))
	})
})
