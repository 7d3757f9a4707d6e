package waytable

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("encoder", func() {
	long := make([]Coordinate, 0, 300)
	for i := 0; i < 300; i++ {
		long = append(long, Coordinate{Latp: int32(500000000 + i*10), Lon: int32(-1200000000 - i*10)})
	}

	It("should encode coordinates", func() {
		for _, c := range []Compression{SnappyCompression, NoCompression, ZstdCompression, LZ4Compression} {
			enc := newEncoder(c)

			payload := enc.AppendCoords(nil, long)
			if c == NoCompression {
				Expect(payload[0]).To(Equal(byte(codecNone)))
			} else {
				Expect(payload[0]).NotTo(Equal(byte(codecNone)), "for %v", c)
				Expect(len(payload)).To(BeNumerically("<", 3*len(long)/4*2), "for %v", c)
			}

			coords, err := decodeCoords(nil, payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(coords).To(Equal(long), "for %v", c)
		}
	})

	It("should not compress short payloads", func() {
		enc := newEncoder(SnappyCompression)
		short := []Coordinate{{Latp: 1, Lon: 2}, {Latp: -3, Lon: 4}}

		payload := enc.AppendCoords([]byte("prefix"), short)
		Expect(payload[:6]).To(Equal([]byte("prefix")))
		Expect(payload[6]).To(Equal(byte(codecNone)))

		coords, err := decodeCoords([]Coordinate{{Latp: 9}}, payload[6:])
		Expect(err).NotTo(HaveOccurred())
		Expect(coords).To(Equal([]Coordinate{{Latp: 9}, {Latp: 1, Lon: 2}, {Latp: -3, Lon: 4}}))
	})

	It("should encode empty sequences", func() {
		payload := newEncoder(SnappyCompression).AppendCoords(nil, nil)
		Expect(payload).To(Equal([]byte{codecNone, 0}))

		coords, err := decodeCoords(nil, payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(coords).NotTo(BeNil())
		Expect(coords).To(BeEmpty())
	})

	It("should encode extreme coordinates", func() {
		extreme := []Coordinate{Placeholder, {Latp: -2147483648, Lon: -2147483648}, Placeholder, {}}
		coords, err := decodeCoords(nil, newEncoder(NoCompression).AppendCoords(nil, extreme))
		Expect(err).NotTo(HaveOccurred())
		Expect(coords).To(Equal(extreme))
	})

	It("should encode nodes", func() {
		nodes := []NodeID{1 << 40, 3, 1 << 40, 17, 0}
		for i := 0; i < 100; i++ {
			nodes = append(nodes, NodeID(1000+i*3))
		}

		for _, c := range []Compression{SnappyCompression, NoCompression, ZstdCompression, LZ4Compression} {
			payload := newEncoder(c).AppendNodes(nil, nodes)
			decoded, err := decodeNodes(nil, payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(nodes), "for %v", c)
		}
	})

	It("should reject malformed payloads", func() {
		_, err := decodeCoords(nil, nil)
		Expect(err).To(MatchError(errBadPayload))

		_, err = decodeCoords(nil, []byte{codecNone, 5, 1})
		Expect(err).To(MatchError(errBadPayload))

		_, err = decodeCoords(nil, []byte{9, 4, 1, 2, 3, 4})
		Expect(err).To(MatchError(errBadCompression))

		payload := newEncoder(SnappyCompression).AppendCoords(nil, long)
		_, err = decodeCoords(nil, payload[:len(payload)/2])
		Expect(err).To(HaveOccurred())

		_, err = decodeNodes(nil, []byte{codecNone, 2, 1})
		Expect(err).To(MatchError(errBadPayload))
	})
})
