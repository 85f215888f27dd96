package syncdb

import (
	"github.com/andreyvit/syncdb/value"
)

// CollectionStats describes the storage used by a collection.
type CollectionStats struct {
	Documents    int // including tombstones
	IndexEntries int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (cs *CollectionStats) TotalSize() int64 {
	return cs.DataSize + cs.IndexSize
}

func (cs *CollectionStats) TotalAlloc() int64 {
	return cs.DataAlloc + cs.IndexAlloc
}

func (tx *tx) collectionStats(cs *collectionState) CollectionStats {
	bs := tx.docsBucket(cs).Stats()
	result := CollectionStats{
		Documents: bs.KeyN,
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}
	for _, sub := range []string{seqBucket, expBucket} {
		bs = tx.stx.Bucket(cs.bucket(), sub).Stats()
		result.DataSize += bs.LeafInuse
		result.DataAlloc += bs.TotalAlloc()
	}
	for _, def := range cs.Indexes {
		b := tx.stx.Bucket(cs.bucket(), def.bucket())
		if b == nil {
			continue
		}
		bs = b.Stats()
		result.IndexEntries += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
	}
	return result
}

func (c *Collection) Stats() (CollectionStats, error) {
	var stats CollectionStats
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		stats = tx.collectionStats(cs)
		return nil
	})
	return stats, err
}

// loggableBody renders a document body for debug output.
func loggableBody(rec *docRecord) string {
	if rec.deleted() {
		return "<deleted>"
	}
	props, err := rec.props()
	if err != nil {
		return "** ERROR: " + err.Error()
	}
	data, err := value.ToJSON(props)
	if err != nil {
		return "** ERROR: " + err.Error()
	}
	return string(data)
}
