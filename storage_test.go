package waytable

import (
	"encoding/binary"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("storage", func() {
	var subject *storage

	BeforeEach(func() {
		var err error
		subject, err = newStorage(NewAnonAllocator(0), "test", 4096)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.close()).To(Succeed())
	})

	It("should append and grow", func() {
		for i := 0; i < 2000; i++ {
			Expect(subject.Append(uint64(2000-i), []byte{byte(i), byte(i >> 8), 7})).To(Succeed())
		}
		Expect(subject.Len()).To(Equal(2000))

		index, data := subject.Size()
		Expect(index).To(Equal(headerSize + 2000*slotSize))
		Expect(data).To(Equal(2000 * 4))
		Expect(len(subject.index.Bytes())).To(BeNumerically(">=", index))

		Expect(subject.Key(0)).To(Equal(uint64(2000)))
		Expect(subject.Payload(0)).To(Equal([]byte{0, 0, 7}))
		Expect(subject.Payload(1999)).To(Equal([]byte{0xcf, 0x07, 7}))
	})

	It("should sort and search", func() {
		Expect(subject.Append(30, []byte("c"))).To(Succeed())
		Expect(subject.Append(10, []byte("a1"))).To(Succeed())
		Expect(subject.Append(20, []byte("b"))).To(Succeed())
		Expect(subject.Append(10, []byte("a2"))).To(Succeed())
		Expect(subject.Append(10, []byte("a3"))).To(Succeed())

		subject.Sort()
		Expect(subject.Duplicates()).To(Equal(2))

		var keys []uint64
		var vals []string
		for i := 0; i < subject.Len(); i++ {
			keys = append(keys, subject.Key(i))
			vals = append(vals, string(subject.Payload(i)))
		}
		Expect(keys).To(Equal([]uint64{10, 10, 10, 20, 30}))
		Expect(vals).To(Equal([]string{"a1", "a2", "a3", "b", "c"}))

		pos, ok := subject.Search(10)
		Expect(ok).To(BeTrue())
		Expect(pos).To(Equal(0))

		pos, ok = subject.Search(30)
		Expect(ok).To(BeTrue())
		Expect(pos).To(Equal(4))

		_, ok = subject.Search(15)
		Expect(ok).To(BeFalse())
		_, ok = subject.Search(31)
		Expect(ok).To(BeFalse())
	})

	It("should reset", func() {
		Expect(subject.Append(1, []byte("x"))).To(Succeed())
		subject.Reset()
		Expect(subject.Len()).To(Equal(0))

		_, ok := subject.Search(1)
		Expect(ok).To(BeFalse())
	})

	It("should stay failed after running out of capacity", func() {
		st, err := newStorage(NewAnonAllocator(int64(2*pageSize)), "small", pageSize)
		Expect(err).NotTo(HaveOccurred())
		defer st.close()

		payload := make([]byte, 100)
		for err == nil {
			err = st.Append(1, payload)
		}
		Expect(err).To(MatchError(ErrCapacity))
		Expect(st.Append(1, nil)).To(MatchError(ErrCapacity))

		st.Reset()
		Expect(st.Append(1, nil)).To(Succeed())
	})

	Describe("persisted", func() {
		var dir string
		var alloc Allocator

		BeforeEach(func() {
			var err error
			dir, err = os.MkdirTemp("", "waytable")
			Expect(err).NotTo(HaveOccurred())
			alloc = NewFileAllocator(dir, 0)
		})

		AfterEach(func() {
			Expect(os.RemoveAll(dir)).To(Succeed())
		})

		persist := func() {
			st, err := newStorage(alloc, "ways", 4096)
			Expect(err).NotTo(HaveOccurred())
			for i := 0; i < 500; i++ {
				Expect(st.Append(uint64(i*7%500), []byte{byte(i)})).To(Succeed())
			}
			st.Sort()
			Expect(st.Persist(true)).To(Succeed())
			Expect(st.close()).To(Succeed())
		}

		It("should open", func() {
			persist()

			st, err := openStorage(alloc, "ways")
			Expect(err).NotTo(HaveOccurred())
			defer st.close()

			Expect(st.Len()).To(Equal(500))
			for i := 0; i < st.Len(); i++ {
				Expect(st.Key(i)).To(Equal(uint64(i)))
			}
			pos, ok := st.Search(7)
			Expect(ok).To(BeTrue())
			Expect(st.Payload(pos)).To(Equal([]byte{1}))
		})

		It("should validate headers", func() {
			persist()
			path := filepath.Join(dir, "ways.idx")

			corrupt := func(off int64, p []byte) error {
				f, err := os.OpenFile(path, os.O_RDWR, 0)
				Expect(err).NotTo(HaveOccurred())
				defer f.Close()

				orig := make([]byte, len(p))
				_, err = f.ReadAt(orig, off)
				Expect(err).NotTo(HaveOccurred())
				_, err = f.WriteAt(p, off)
				Expect(err).NotTo(HaveOccurred())

				st, openErr := openStorage(alloc, "ways")
				if openErr == nil {
					_ = st.close()
				}

				_, err = f.WriteAt(orig, off)
				Expect(err).NotTo(HaveOccurred())
				return openErr
			}

			var tmp [8]byte
			Expect(corrupt(0, []byte("XXXX"))).To(MatchError(ErrStorage))
			binary.LittleEndian.PutUint32(tmp[:], 99)
			Expect(corrupt(8, tmp[:4])).To(MatchError(ErrStorage))
			Expect(corrupt(12, []byte{0, 0, 0, 0})).To(MatchError(ErrStorage))
			binary.LittleEndian.PutUint64(tmp[:], 1<<40)
			Expect(corrupt(16, tmp[:])).To(MatchError(ErrStorage))
			Expect(corrupt(24, tmp[:])).To(MatchError(ErrStorage))
			Expect(corrupt(32, []byte{1, 2, 3, 4})).To(MatchError(ErrStorage))
			Expect(corrupt(40, []byte{1, 2, 3, 4, 5, 6, 7, 8})).To(MatchError(ErrStorage))
			Expect(corrupt(int64(headerSize+8), []byte{0xff, 0xff})).To(MatchError(ErrStorage))

			st, err := openStorage(alloc, "ways")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.close()).To(Succeed())
		})

		It("should reject truncated regions", func() {
			persist()
			Expect(os.Truncate(filepath.Join(dir, "ways.idx"), 32)).To(Succeed())

			_, err := openStorage(alloc, "ways")
			Expect(err).To(MatchError(ErrStorage))
		})

		It("should reject missing regions", func() {
			_, err := openStorage(alloc, "missing")
			Expect(err).To(MatchError(ErrStorage))
		})
	})
})
