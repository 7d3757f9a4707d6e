package waytable

import "github.com/pkg/errors"

var magic = []byte{87, 65, 89, 84, 66, 76, 0, 1}

const (
	codecNone   = 0
	codecSnappy = 1
	codecZstd   = 2
	codecLZ4    = 3
)

// ErrNotFound is returned when a way cannot be found. It is also returned by
// point stores for unknown nodes.
var ErrNotFound = errors.New("waytable: not found")

// Error taxonomy. Returned errors wrap one of these and can be matched with
// errors.Is.
var (
	// ErrStorage is returned when a backing region is missing, corrupt or
	// size-mismatched.
	ErrStorage = errors.New("waytable: storage error")
	// ErrCapacity is returned when a region cannot be grown to hold more entries.
	ErrCapacity = errors.New("waytable: capacity exceeded")
	// ErrResolution marks a node reference which could not be resolved.
	ErrResolution = errors.New("waytable: unresolved node")
)

// Lifecycle errors.
var (
	// ErrNotFinalized is returned by lookups on a store which has not
	// completed Finalize.
	ErrNotFinalized = errors.New("waytable: not finalized")
	// ErrReadOnly is returned by inserts after Finalize.
	ErrReadOnly = errors.New("waytable: store is read-only")
	// ErrNodesUnsupported is returned by InsertNodes on stores that do not
	// resolve node references.
	ErrNodesUnsupported = errors.New("waytable: node references are not supported")
)

var (
	errClosed         = errors.New("waytable: is closed")
	errBadMagic       = errors.New("waytable: bad magic byte sequence")
	errBadCompression = errors.New("waytable: bad compression codec")
	errReleased       = errors.New("waytable: iterator was released")
)

// WayID identifies a way.
type WayID uint64

// NodeID identifies a point in an external point store.
type NodeID uint64

// Way is a way with its resolved coordinates. The order of Coords is preserved
// through storage and lookup.
type Way struct {
	ID     WayID
	Coords []Coordinate
}

// PendingWay is a way whose points are still node references.
type PendingWay struct {
	ID    WayID
	Nodes []NodeID
}

// --------------------------------------------------------------------

// Compression is the compression codec
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	ZstdCompression
	LZ4Compression
	unknownCompression
)

// MissingPolicy decides what happens to a way referencing an unknown node.
type MissingPolicy byte

const (
	// DropWay drops the whole way and logs it.
	DropWay MissingPolicy = iota
	// KeepPlaceholder keeps the way, replacing each missing point with
	// Placeholder.
	KeepPlaceholder
)
