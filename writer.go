package waytable

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// WriterOptions define table writer specific options.
type WriterOptions struct {
	// BlockSize is the minimum uncompressed size in bytes of each table block.
	// Default: 4KiB.
	BlockSize int

	// BlockRestartInterval is the number of ways between restart points
	// for delta encoding of way IDs.
	//
	// Default: 16.
	BlockRestartInterval int

	// The compression codec to use for blocks.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}

	return &oo
}

type blockInfo struct {
	MaxKey uint64 // the maximum way ID in the block
	Offset int64  // the block offset
}

// Writer instances can export ways to a table.
type Writer struct {
	w io.Writer
	o *WriterOptions

	block blockInfo // the current block info
	blen  int       // the number of entries in the current block
	soffs []int     // section offsets in the current block

	vals *encoder // value encoder
	blks *encoder // block compressor

	buf []byte // plain buffer
	val []byte // value buffer
	tmp []byte // scratch buffer

	index []blockInfo
}

// NewWriter wraps a writer and returns a Writer.
func NewWriter(w io.Writer, o *WriterOptions) *Writer {
	o = o.norm()
	return &Writer{
		w:    w,
		o:    o,
		vals: newEncoder(NoCompression),
		blks: newEncoder(o.Compression),
		tmp:  make([]byte, 2*binary.MaxVarintLen64),
	}
}

// Append appends a way to the table. Ways must be appended in strictly
// ascending ID order.
func (w *Writer) Append(id WayID, coords []Coordinate) error {
	if w.tmp == nil {
		return errClosed
	}

	key := uint64(id)
	if key <= w.block.MaxKey && (w.blen != 0 || len(w.index) != 0) {
		return errors.Errorf("waytable: attempted an out-of-order append, %v must be > %v", key, w.block.MaxKey)
	}

	w.val = w.vals.AppendCoords(w.val[:0], coords)
	if len(w.buf) != 0 && len(w.buf)+len(w.val)+2*binary.MaxVarintLen64 > w.o.BlockSize {
		if err := w.flush(); err != nil {
			return err
		}
	}

	skey := key
	if w.blen%w.o.BlockRestartInterval == 0 { // new section?
		w.soffs = append(w.soffs, len(w.buf))
	} else {
		skey -= w.block.MaxKey // apply delta-encoding
	}

	n := binary.PutUvarint(w.tmp[0:], skey)
	n += binary.PutUvarint(w.tmp[n:], uint64(len(w.val)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.val...)

	w.blen++
	w.block.MaxKey = key

	return nil
}

// Close flushes the last block and writes the index and footer.
func (w *Writer) Close() error {
	if w.tmp == nil {
		return errClosed
	}
	if err := w.flush(); err != nil {
		return err
	}

	indexOffset := w.block.Offset
	if err := w.writeIndex(); err != nil {
		return err
	}

	if err := w.writeFooter(indexOffset); err != nil {
		return err
	}
	w.tmp = nil
	return nil
}

func (w *Writer) writeIndex() error {
	var prev blockInfo

	for i, ent := range w.index {
		key := ent.MaxKey
		off := ent.Offset
		if i != 0 { // delta-encode
			key -= prev.MaxKey
			off -= prev.Offset
		}
		prev = ent

		n := binary.PutUvarint(w.tmp[0:], key)
		n += binary.PutUvarint(w.tmp[n:], uint64(off))

		if err := w.writeRaw(w.tmp[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeFooter(indexOffset int64) error {
	binary.LittleEndian.PutUint64(w.tmp[0:], uint64(indexOffset))
	if err := w.writeRaw(w.tmp[:8]); err != nil {
		return err
	}
	return w.writeRaw(magic)
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.block.Offset += int64(n)
	return err
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}

	for _, o := range w.soffs {
		if o > 0 {
			binary.LittleEndian.PutUint32(w.tmp, uint32(o))
			w.buf = append(w.buf, w.tmp[:4]...)
		}
	}
	binary.LittleEndian.PutUint32(w.tmp, uint32(len(w.soffs)))
	w.buf = append(w.buf, w.tmp[:4]...)

	var block []byte
	if len(w.buf) >= minCompressSize {
		w.blks.raw = w.buf
		if codec, body := w.blks.compress(); body != nil && len(body) < len(w.buf)-len(w.buf)/4 {
			binary.LittleEndian.PutUint32(w.tmp, uint32(len(w.buf)))
			block = append(body, w.tmp[:4]...)
			block = append(block, codec)
		}
		w.blks.raw = nil
	}
	if block == nil {
		block = append(w.buf, codecNone)
	}

	w.index = append(w.index, w.block)
	w.buf = w.buf[:0]
	w.soffs = w.soffs[:0]
	w.blen = 0

	return w.writeRaw(block)
}

// WriteTable exports a finalized store to w.
func WriteTable(w io.Writer, s Store, o *WriterOptions) error {
	iter := s.NewIterator()
	defer iter.Release()

	tw := NewWriter(w, o)
	for iter.Next() {
		if err := tw.Append(iter.ID(), iter.Coords()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return tw.Close()
}
