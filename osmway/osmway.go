// Package osmway feeds OpenStreetMap ways into a waytable.Store and converts
// stored coordinates back into orb geometries.
package osmway

import (
	"context"
	"io"

	"github.com/bsm/waytable"
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmxml"
	"github.com/pkg/errors"
)

// NodeWriter accepts node coordinates, for example a pointstore.
type NodeWriter interface {
	Put(id waytable.NodeID, c waytable.Coordinate) error
}

// Batcher buffers ways and inserts them into a store in batches. Stores which
// require node references receive PendingWays, all others receive the
// coordinates annotated on the way nodes. A Batcher is not safe for
// concurrent use; run one per producer.
type Batcher struct {
	store waytable.Store
	size  int

	ways    []waytable.Way
	pending []waytable.PendingWay
	count   int
}

// NewBatcher returns a batcher which flushes every size ways. Default: 1024.
func NewBatcher(s waytable.Store, size int) *Batcher {
	if size < 1 {
		size = 1024
	}
	return &Batcher{store: s, size: size}
}

// Add buffers a way and flushes when the batch is full.
func (b *Batcher) Add(w *osm.Way) error {
	if w.ID < 0 {
		return errors.Errorf("osmway: way %d has a negative ID", w.ID)
	}

	id := waytable.WayID(w.ID)
	if b.store.RequiresNodes() {
		nodes := make([]waytable.NodeID, 0, len(w.Nodes))
		for _, wn := range w.Nodes {
			if wn.ID < 0 {
				return errors.Errorf("osmway: way %d references negative node %d", w.ID, wn.ID)
			}
			nodes = append(nodes, waytable.NodeID(wn.ID))
		}
		b.pending = append(b.pending, waytable.PendingWay{ID: id, Nodes: nodes})
	} else {
		coords := make([]waytable.Coordinate, 0, len(w.Nodes))
		for _, wn := range w.Nodes {
			coords = append(coords, waytable.NewCoordinate(wn.Lat, wn.Lon))
		}
		b.ways = append(b.ways, waytable.Way{ID: id, Coords: coords})
	}

	if len(b.ways)+len(b.pending) >= b.size {
		return b.Flush()
	}
	return nil
}

// Flush inserts all buffered ways.
func (b *Batcher) Flush() error {
	if len(b.ways) == 0 && len(b.pending) == 0 {
		return nil
	}

	b.store.BatchStart()
	if len(b.ways) != 0 {
		if err := b.store.InsertLatpLons(b.ways); err != nil {
			return errors.Wrap(err, "osmway: insert ways")
		}
		b.count += len(b.ways)
		b.ways = b.ways[:0]
	}
	if len(b.pending) != 0 {
		if err := b.store.InsertNodes(b.pending); err != nil {
			return errors.Wrap(err, "osmway: insert node references")
		}
		b.count += len(b.pending)
		b.pending = b.pending[:0]
	}
	return nil
}

// Count returns the number of flushed ways.
func (b *Batcher) Count() int { return b.count }

// AddNodes writes node coordinates to dst.
func AddNodes(dst NodeWriter, nodes ...*osm.Node) error {
	for _, n := range nodes {
		if n.ID < 0 {
			return errors.Errorf("osmway: node %d has a negative ID", n.ID)
		}
		if err := dst.Put(waytable.NodeID(n.ID), waytable.NewCoordinate(n.Lat, n.Lon)); err != nil {
			return errors.Wrapf(err, "osmway: put node %d", n.ID)
		}
	}
	return nil
}

// LoadXML scans OSM XML from r. Nodes are written to points, when given, and
// ways are inserted into s. It returns the number of inserted ways.
func LoadXML(ctx context.Context, r io.Reader, s waytable.Store, points NodeWriter, batchSize int) (int, error) {
	scanner := osmxml.New(ctx, r)
	defer scanner.Close()

	batcher := NewBatcher(s, batchSize)
	for scanner.Scan() {
		switch obj := scanner.Object().(type) {
		case *osm.Node:
			if points == nil {
				continue
			}
			if err := AddNodes(points, obj); err != nil {
				return batcher.Count(), err
			}
		case *osm.Way:
			if err := batcher.Add(obj); err != nil {
				return batcher.Count(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return batcher.Count(), errors.Wrap(err, "osmway: scan")
	}

	err := batcher.Flush()
	return batcher.Count(), err
}

// --------------------------------------------------------------------

// LineString converts coordinates to an orb.LineString of (lon, lat)
// points. Placeholders are skipped.
func LineString(coords []waytable.Coordinate) orb.LineString {
	ls := make(orb.LineString, 0, len(coords))
	for _, c := range coords {
		if c.IsPlaceholder() {
			continue
		}
		ls = append(ls, orb.Point{c.LonDegrees(), c.Lat()})
	}
	return ls
}

// Ring converts coordinates to a closed orb.Ring.
func Ring(coords []waytable.Coordinate) orb.Ring {
	ls := LineString(coords)
	if n := len(ls); n != 0 && ls[0] != ls[n-1] {
		ls = append(ls, ls[0])
	}
	return orb.Ring(ls)
}
