package waytable

import (
	"encoding/binary"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// minCompressSize is the smallest body worth running through a codec.
const minCompressSize = 64

var errBadPayload = errors.New("waytable: malformed payload")

// encoder turns coordinate and node sequences into payloads:
//
//	+---------------+----------------------------------------------+
//	| codec (1-byte)| body (plain) or rawlen (varint) + compressed |
//	+---------------+----------------------------------------------+
//
// A plain body is a count (varint) followed by zigzag-varint deltas. Encoders
// are not safe for concurrent use.
type encoder struct {
	compression Compression

	raw []byte // plain body
	cmp []byte // compressed body
}

func newEncoder(c Compression) *encoder {
	return &encoder{compression: c}
}

// AppendCoords appends the payload for coords to dst.
func (e *encoder) AppendCoords(dst []byte, coords []Coordinate) []byte {
	e.raw = binary.AppendUvarint(e.raw[:0], uint64(len(coords)))

	var plat, plon int64
	for _, c := range coords {
		lat, lon := int64(c.Latp), int64(c.Lon)
		e.raw = binary.AppendVarint(e.raw, lat-plat)
		e.raw = binary.AppendVarint(e.raw, lon-plon)
		plat, plon = lat, lon
	}
	return e.seal(dst)
}

// AppendNodes appends the payload for nodes to dst.
func (e *encoder) AppendNodes(dst []byte, nodes []NodeID) []byte {
	e.raw = binary.AppendUvarint(e.raw[:0], uint64(len(nodes)))

	var prev int64
	for _, n := range nodes {
		cur := int64(n)
		e.raw = binary.AppendVarint(e.raw, cur-prev)
		prev = cur
	}
	return e.seal(dst)
}

func (e *encoder) seal(dst []byte) []byte {
	if len(e.raw) >= minCompressSize {
		if codec, body := e.compress(); body != nil && len(body) < len(e.raw)-len(e.raw)/4 {
			dst = append(dst, codec)
			dst = binary.AppendUvarint(dst, uint64(len(e.raw)))
			return append(dst, body...)
		}
	}

	dst = append(dst, codecNone)
	return append(dst, e.raw...)
}

func (e *encoder) compress() (byte, []byte) {
	switch e.compression {
	case SnappyCompression:
		e.cmp = snappy.Encode(e.cmp[:cap(e.cmp)], e.raw)
		return codecSnappy, e.cmp
	case ZstdCompression:
		enc := zstdEncoders.Get().(*zstd.Encoder)
		defer zstdEncoders.Put(enc)

		e.cmp = enc.EncodeAll(e.raw, e.cmp[:0])
		return codecZstd, e.cmp
	case LZ4Compression:
		if sz := lz4.CompressBlockBound(len(e.raw)); cap(e.cmp) < sz {
			e.cmp = make([]byte, sz)
		}
		n, err := lz4.CompressBlock(e.raw, e.cmp[:cap(e.cmp)], nil)
		if err != nil || n == 0 {
			return codecNone, nil
		}
		e.cmp = e.cmp[:n]
		return codecLZ4, e.cmp
	}
	return codecNone, nil
}

// --------------------------------------------------------------------

var (
	zstdEncoders = sync.Pool{New: func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	}}
	zstdDecoders = sync.Pool{New: func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}}
)

// unseal returns the plain body of a payload. The returned release function
// must be called once the body is no longer used.
func unseal(payload []byte) ([]byte, func(), error) {
	if len(payload) == 0 {
		return nil, nil, errBadPayload
	}

	codec, rest := payload[0], payload[1:]
	if codec == codecNone {
		return rest, func() {}, nil
	}

	rawLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, nil, errBadPayload
	}

	plain, err := decompress(codec, rest[n:], int(rawLen))
	if err != nil {
		return nil, nil, err
	}
	return plain, func() { releaseBuffer(plain) }, nil
}

// decompress decodes src into a pooled buffer of exactly rawLen bytes.
func decompress(codec byte, src []byte, rawLen int) ([]byte, error) {
	plain := fetchBuffer(rawLen)

	var err error
	switch codec {
	case codecSnappy:
		plain, err = snappy.Decode(plain, src)
	case codecZstd:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		plain, err = dec.DecodeAll(src, plain[:0])
		zstdDecoders.Put(dec)
	case codecLZ4:
		var n int
		if n, err = lz4.UncompressBlock(src, plain); err == nil {
			plain = plain[:n]
		}
	default:
		err = errBadCompression
	}
	if err != nil {
		releaseBuffer(plain)
		return nil, err
	}
	if len(plain) != rawLen {
		releaseBuffer(plain)
		return nil, errBadPayload
	}
	return plain, nil
}

// decodeCoords appends the coordinates of payload to dst.
func decodeCoords(dst []Coordinate, payload []byte) ([]Coordinate, error) {
	body, release, err := unseal(payload)
	if err != nil {
		return dst, err
	}
	defer release()

	cnt, n := binary.Uvarint(body)
	if n <= 0 {
		return dst, errBadPayload
	}
	body = body[n:]
	if cnt > uint64(len(body)) {
		return dst, errBadPayload
	}

	if dst == nil {
		dst = make([]Coordinate, 0, int(cnt))
	}

	var lat, lon int64
	for i := uint64(0); i < cnt; i++ {
		dlat, n1 := binary.Varint(body)
		if n1 <= 0 {
			return dst, errBadPayload
		}
		dlon, n2 := binary.Varint(body[n1:])
		if n2 <= 0 {
			return dst, errBadPayload
		}
		body = body[n1+n2:]

		lat += dlat
		lon += dlon
		dst = append(dst, Coordinate{Latp: int32(lat), Lon: int32(lon)})
	}
	return dst, nil
}

// decodeNodes appends the node references of payload to dst.
func decodeNodes(dst []NodeID, payload []byte) ([]NodeID, error) {
	body, release, err := unseal(payload)
	if err != nil {
		return dst, err
	}
	defer release()

	cnt, n := binary.Uvarint(body)
	if n <= 0 {
		return dst, errBadPayload
	}
	body = body[n:]

	var cur int64
	for i := uint64(0); i < cnt; i++ {
		delta, n := binary.Varint(body)
		if n <= 0 {
			return dst, errBadPayload
		}
		body = body[n:]

		cur += delta
		dst = append(dst, NodeID(cur))
	}
	return dst, nil
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
