// Package pointstore provides node coordinate stores which resolve node
// references for a waytable.ResolvingStore.
package pointstore

import (
	"encoding/binary"
	"sync"

	"github.com/bsm/waytable"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	_ waytable.PointStore = (*Memory)(nil)
	_ waytable.PointStore = (*LevelDB)(nil)
)

// Memory is a map-backed point store, safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	points map[waytable.NodeID]waytable.Coordinate
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{points: make(map[waytable.NodeID]waytable.Coordinate)}
}

// Set stores the coordinate of a node.
func (m *Memory) Set(id waytable.NodeID, c waytable.Coordinate) {
	m.mu.Lock()
	m.points[id] = c
	m.mu.Unlock()
}

// Put is Set with an error result; it never fails.
func (m *Memory) Put(id waytable.NodeID, c waytable.Coordinate) error {
	m.Set(id, c)
	return nil
}

// Point implements waytable.PointStore.
func (m *Memory) Point(id waytable.NodeID) (waytable.Coordinate, error) {
	m.mu.RLock()
	c, ok := m.points[id]
	m.mu.RUnlock()

	if !ok {
		return c, waytable.ErrNotFound
	}
	return c, nil
}

// Len returns the number of stored nodes.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// --------------------------------------------------------------------

// LevelDB stores node coordinates in a goleveldb database. Keys are 8-byte
// big-endian node IDs, values are latp and lon as 4-byte big-endian integers.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens or creates a database at path.
func OpenLevelDB(path string, o *opt.Options) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, errors.Wrapf(err, "pointstore: open %s", path)
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDB wraps an open database. Closing the store closes db.
func NewLevelDB(db *leveldb.DB) *LevelDB {
	return &LevelDB{db: db}
}

// Put stores the coordinate of a node.
func (s *LevelDB) Put(id waytable.NodeID, c waytable.Coordinate) error {
	var key [8]byte
	var val [8]byte
	return s.db.Put(encodeKey(key[:], id), encodeValue(val[:], c), nil)
}

// PutBatch stores many nodes in a single write.
func (s *LevelDB) PutBatch(ids []waytable.NodeID, coords []waytable.Coordinate) error {
	if len(ids) != len(coords) {
		return errors.Errorf("pointstore: %d IDs but %d coordinates", len(ids), len(coords))
	}

	var key [8]byte
	var val [8]byte
	batch := new(leveldb.Batch)
	for i, id := range ids {
		batch.Put(encodeKey(key[:], id), encodeValue(val[:], coords[i]))
	}
	return s.db.Write(batch, nil)
}

// Point implements waytable.PointStore.
func (s *LevelDB) Point(id waytable.NodeID) (waytable.Coordinate, error) {
	var key [8]byte
	val, err := s.db.Get(encodeKey(key[:], id), nil)
	if err == leveldb.ErrNotFound {
		return waytable.Coordinate{}, waytable.ErrNotFound
	} else if err != nil {
		return waytable.Coordinate{}, errors.Wrapf(err, "pointstore: get node %d", id)
	}
	if len(val) != 8 {
		return waytable.Coordinate{}, errors.Errorf("pointstore: node %d has a malformed value", id)
	}

	return waytable.Coordinate{
		Latp: int32(binary.BigEndian.Uint32(val[0:])),
		Lon:  int32(binary.BigEndian.Uint32(val[4:])),
	}, nil
}

// Close closes the database.
func (s *LevelDB) Close() error {
	return s.db.Close()
}

func encodeKey(dst []byte, id waytable.NodeID) []byte {
	binary.BigEndian.PutUint64(dst, uint64(id))
	return dst
}

func encodeValue(dst []byte, c waytable.Coordinate) []byte {
	binary.BigEndian.PutUint32(dst[0:], uint32(c.Latp))
	binary.BigEndian.PutUint32(dst[4:], uint32(c.Lon))
	return dst
}
