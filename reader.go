package waytable

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// Reader instances can seek and iterate across ways in exported tables.
type Reader struct {
	r io.ReaderAt

	index     []blockInfo
	maxOffset int64
}

// NewReader opens a reader.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size < 16 {
		return nil, errBadMagic
	}
	tmp := make([]byte, 16+binary.MaxVarintLen64)

	// read footer
	footerOffset := size - 16
	if _, err := r.ReadAt(tmp[:16], footerOffset); err != nil && err != io.EOF {
		return nil, err
	}

	// parse footer
	if !bytes.Equal(tmp[8:16], magic) {
		return nil, errBadMagic
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tmp[:8]))
	if indexOffset < 0 || indexOffset > footerOffset {
		return nil, errBadMagic
	}

	// read index
	var index []blockInfo
	var info blockInfo

	for pos := indexOffset; pos < footerOffset; {
		tmp = tmp[:2*binary.MaxVarintLen64]
		if x := footerOffset - pos; x < int64(len(tmp)) {
			tmp = tmp[:int(x)]
		}

		if _, err := r.ReadAt(tmp, pos); err != nil && err != io.EOF {
			return nil, err
		}

		u1, n := binary.Uvarint(tmp[0:])
		if n <= 0 {
			return nil, errBadPayload
		}
		pos += int64(n)

		u2, m := binary.Uvarint(tmp[n:])
		if m <= 0 {
			return nil, errBadPayload
		}
		pos += int64(m)

		info.MaxKey += u1
		info.Offset += int64(u2)
		index = append(index, info)
	}

	return &Reader{
		r: r,

		index:     index, // block offsets
		maxOffset: indexOffset,
	}, nil
}

// NumBlocks returns the number of stored blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// Append appends the coordinates of a way to dst.
// It may return an ErrNotFound error.
func (r *Reader) Append(dst []Coordinate, id WayID) ([]Coordinate, error) {
	iter, err := r.Seek(id)
	if err != nil {
		return dst, err
	}
	defer iter.Release()

	if !iter.Next() {
		if err := iter.Err(); err != nil {
			return dst, err
		}
		return dst, ErrNotFound
	}
	if iter.ID() != id {
		return dst, ErrNotFound
	}

	coords := iter.Coords()
	if dst == nil {
		dst = make([]Coordinate, 0, len(coords))
	}
	return append(dst, coords...), nil
}

// At is a shortcut for Append(nil, id).
// It may return an ErrNotFound error.
func (r *Reader) At(id WayID) ([]Coordinate, error) {
	return r.Append(nil, id)
}

// Seek returns an iterator positioned before the first way >= id.
func (r *Reader) Seek(id WayID) (*TableIterator, error) {
	key := uint64(id)
	b, err := r.SeekBlock(key)
	if err != nil {
		return nil, err
	}

	s := b.SeekSection(key)
	s.Seek(key)
	return &TableIterator{r: r, b: b, s: s}, nil
}

// NewIterator returns an iterator over all ways in the table.
func (r *Reader) NewIterator() *TableIterator {
	b, err := r.GetBlock(0)
	if err != nil {
		return &TableIterator{err: err}
	}
	return &TableIterator{r: r, b: b, s: b.GetSection(0)}
}

// GetBlock returns a reader for the n-th block.
func (r *Reader) GetBlock(bpos int) (*BlockReader, error) {
	if len(r.index) == 0 {
		return &BlockReader{}, nil
	}
	if bpos < 0 {
		bpos = 0
	}
	if bpos >= len(r.index) {
		return &BlockReader{
			bpos: len(r.index),
		}, nil
	}
	return r.readBlock(bpos)
}

// SeekBlock seeks the block containing the key.
func (r *Reader) SeekBlock(key uint64) (*BlockReader, error) {
	bpos := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].MaxKey >= key
	})
	return r.GetBlock(bpos)
}

func (r *Reader) readBlock(bpos int) (*BlockReader, error) {
	min := r.index[bpos].Offset
	max := r.maxOffset
	if next := bpos + 1; next < len(r.index) {
		max = r.index[next].Offset
	}
	if max <= min {
		return nil, errBadPayload
	}

	raw := fetchBuffer(int(max - min))
	if _, err := r.r.ReadAt(raw, min); err != nil && err != io.EOF {
		releaseBuffer(raw)
		return nil, err
	}

	var block []byte
	if cpos := len(raw) - 1; raw[cpos] == codecNone {
		block = raw[:cpos]
	} else {
		defer releaseBuffer(raw)

		if cpos < 4 {
			return nil, errBadCompression
		}
		rawLen := int(binary.LittleEndian.Uint32(raw[cpos-4:]))

		var err error
		if block, err = decompress(raw[cpos], raw[:cpos-4], rawLen); err != nil {
			return nil, err
		}
	}
	if len(block) < 4 {
		releaseBuffer(block)
		return nil, errBadPayload
	}

	return &BlockReader{
		block:  block,
		bpos:   bpos,
		scnt:   int(binary.LittleEndian.Uint32(block[len(block)-4:])),
		maxKey: r.index[bpos].MaxKey,
	}, nil
}

// --------------------------------------------------------------------

// BlockReader reads a single block.
type BlockReader struct {
	block  []byte
	bpos   int // the current block position
	scnt   int // the section count
	maxKey uint64
}

// NumSections returns the number of sections in this block.
func (r *BlockReader) NumSections() int { return r.scnt }

// Pos returns the index position the current block within the table.
func (r *BlockReader) Pos() int { return r.bpos }

// GetSection gets a single section.
func (r *BlockReader) GetSection(spos int) *SectionReader {
	if spos < 0 {
		spos = 0
	}
	if spos >= r.scnt {
		return &SectionReader{spos: r.scnt}
	}

	min := r.sectionOffset(spos)
	max := r.sectionOffset(spos + 1)
	return &SectionReader{section: r.block[min:max], spos: spos}
}

// SeekSection seeks the section for a key.
func (r *BlockReader) SeekSection(key uint64) *SectionReader {
	if key > r.maxKey {
		return r.GetSection(r.scnt)
	}

	spos := sort.Search(r.scnt, func(i int) bool {
		off := r.sectionOffset(i)
		first, _ := binary.Uvarint(r.block[off:]) // first key of the section
		return first > key
	}) - 1
	return r.GetSection(spos)
}

// Release releases the block reader and frees up resources. The reader must not be used
// after this method is called.
func (r *BlockReader) Release() { releaseBuffer(r.block) }

// The starting offset of the section within the block.
func (r *BlockReader) sectionOffset(spos int) int {
	if spos < 1 {
		return 0
	} else if spos >= r.scnt {
		return len(r.block) - r.scnt*4
	} else {
		nn := len(r.block) - r.scnt*4 + (spos-1)*4
		return int(binary.LittleEndian.Uint32(r.block[nn:]))
	}
}

// SectionReader reads an individual section within a block.
type SectionReader struct {
	section []byte

	spos int // the section
	read int // bytes read

	key uint64 // current way ID
	val []byte // current payload
}

// Seek positions the cursor before the key.
func (r *SectionReader) Seek(key uint64) bool {
	for r.More() {
		inc, n := binary.Uvarint(r.section[r.read:])
		r.read += n
		r.key += inc
		if r.key >= key {
			r.read -= n
			r.key -= inc
			return true
		}

		if r.More() {
			vln, n := binary.Uvarint(r.section[r.read:])
			r.read += n
			r.val = r.section[r.read : r.read+int(vln)]
			r.read += int(vln)
		}
	}
	return false
}

// Pos returns the index position the current section within the block.
func (r *SectionReader) Pos() int { return r.spos }

// Key returns the way ID of the current entry.
func (r *SectionReader) Key() uint64 { return r.key }

// Value returns the encoded coordinates of the current entry. Values are
// temporary buffers and must be copied if used beyond the next cursor move.
func (r *SectionReader) Value() []byte { return r.val }

// More returns true if more data can be read in the section.
func (r *SectionReader) More() bool { return r.read < len(r.section) }

// Next advances the cursor to the next entry within the section and
// returns true if successful.
func (r *SectionReader) Next() bool {
	if r.More() {
		inc, n := binary.Uvarint(r.section[r.read:])
		r.read += n
		r.key += inc
	}

	if r.More() {
		vln, n := binary.Uvarint(r.section[r.read:])
		r.read += n
		r.val = r.section[r.read : r.read+int(vln)]
		r.read += int(vln)
		return true
	}

	return false
}

// --------------------------------------------------------------------

// TableIterator is a convenience wrapper around BlockReader and
// SectionReader which can (forward-) iterate over ways across block and
// section boundaries.
type TableIterator struct {
	r *Reader
	b *BlockReader
	s *SectionReader

	coords []Coordinate
	err    error
}

var _ Iterator = (*TableIterator)(nil)

// ID returns the way ID of the current entry.
func (i *TableIterator) ID() WayID { return WayID(i.s.Key()) }

// Coords returns the coordinates of the current entry. The slice is only
// valid until the next cursor move.
func (i *TableIterator) Coords() []Coordinate { return i.coords }

// Next advances the cursor to the next entry and returns true if successful.
func (i *TableIterator) Next() bool {
	if i.err != nil {
		return false
	}

	for {
		// more entries in the section
		if i.s.More() {
			if !i.s.Next() {
				return false
			}
			i.coords, i.err = decodeCoords(i.coords[:0], i.s.Value())
			return i.err == nil
		}

		// more sections in the block
		if n := i.s.Pos() + 1; n < i.b.NumSections() {
			i.s = i.b.GetSection(n)
			continue
		}

		// more blocks
		if n := i.b.Pos() + 1; n < i.r.NumBlocks() {
			prev := i.b
			if i.b, i.err = i.r.GetBlock(n); i.err != nil {
				i.b = prev
				return false
			}
			prev.Release()
			i.s = i.b.GetSection(0)
			continue
		}

		return false
	}
}

// Err exposes iterator errors, if any.
func (i *TableIterator) Err() error {
	if i.err == errReleased {
		return nil
	}
	return i.err
}

// Release releases the iterator and frees up resources. The iterator must not be used
// after this method is called.
func (i *TableIterator) Release() {
	if i.b != nil {
		i.b.Release()
	}
	i.err = errReleased
}
