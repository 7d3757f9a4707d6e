package waytable

import "fmt"

// Stats summarise the state of a store.
type Stats struct {
	Shards     int   // leaf shards
	Finalized  int   // finalized leaf shards
	Entries    int   // appended entries, including duplicates
	Duplicates int   // entries shadowed by an earlier insert of the same ID
	IndexBytes int64 // used index bytes
	DataBytes  int64 // used data bytes

	Pending      int    // queued ways not yet inserted into their shard
	Dropped      int    // ways dropped because of missing nodes
	Placeholders int    // placeholder coordinates inserted for missing nodes
	MissingNodes uint64 // distinct unresolved node IDs
}

// StatsOf collects statistics from s and all of its shards.
func StatsOf(s Store) *Stats {
	st := new(Stats)
	collectStats(s, st)
	return st
}

// String returns a compact summary.
func (s *Stats) String() string {
	return fmt.Sprintf("shards: %d/%d finalized, entries: %d (%d dup), index: %s, data: %s, pending: %d, dropped: %d, placeholders: %d, missing nodes: %d",
		s.Finalized, s.Shards,
		s.Entries, s.Duplicates,
		byteSize(s.IndexBytes), byteSize(s.DataBytes),
		s.Pending, s.Dropped, s.Placeholders, s.MissingNodes,
	)
}

type statser interface {
	stats(*Stats)
}

func collectStats(s Store, st *Stats) {
	if c, ok := s.(statser); ok {
		c.stats(st)
		return
	}
	for i := 0; i < s.Shards(); i++ {
		if shard := s.Shard(i); shard != s {
			collectStats(shard, st)
		}
	}
}

func byteSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
