package syncdb

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/andreyvit/syncdb/dberr"
)

type MaintenanceType int

const (
	// Compact purges expired documents and rewrites the storage file.
	Compact MaintenanceType = iota
	// Reindex rebuilds every index from the stored documents.
	Reindex
	// IntegrityCheck verifies that documents decode and that the sequence,
	// expiration and index buckets agree with them.
	IntegrityCheck
	// Optimize refreshes index statistics.
	Optimize
	// FullOptimize refreshes index statistics and compacts.
	FullOptimize
)

func (v MaintenanceType) String() string {
	switch v {
	case Compact:
		return "compact"
	case Reindex:
		return "reindex"
	case IntegrityCheck:
		return "integrity-check"
	case Optimize:
		return "optimize"
	case FullOptimize:
		return "full-optimize"
	default:
		return fmt.Sprintf("invalid maintenance type %d", int(v))
	}
}

// PerformMaintenance runs a maintenance operation. Compact and FullOptimize
// need exclusive access to the storage and fail with Busy while any
// transaction is open.
func (db *Database) PerformMaintenance(mt MaintenanceType) error {
	if err := db.check(); err != nil {
		return err
	}
	log := db.e.log.With().Str("db", db.e.name).Stringer("op", mt).Logger()
	log.Debug().Msg("db: maintenance started")

	var err error
	switch mt {
	case Compact:
		err = db.compact()
	case Reindex:
		err = db.write(func(tx *tx) error { return tx.reindexAll() })
	case IntegrityCheck:
		err = db.read(func(tx *tx) error { return tx.checkIntegrity() })
	case Optimize:
		err = db.write(func(tx *tx) error { return tx.optimize() })
	case FullOptimize:
		err = db.write(func(tx *tx) error { return tx.optimize() })
		if err == nil {
			err = db.compact()
		}
	default:
		err = badParamf("unknown maintenance type %d", int(mt))
	}
	if err != nil {
		log.Error().Err(err).Msg("db: maintenance failed")
		return err
	}
	log.Debug().Msg("db: maintenance finished")
	return nil
}

func (db *Database) compact() error {
	if db.currentTx() != nil {
		return dberr.New(dberr.DomainEngine, dberr.BusyCode, "cannot compact inside a transaction")
	}
	if _, err := db.e.purgeExpired(); err != nil {
		return err
	}
	return db.e.compact()
}

func (tx *tx) reindexAll() error {
	states, err := tx.allCollectionStates()
	if err != nil {
		return err
	}
	for _, cs := range states {
		for _, def := range cs.Indexes {
			if err := tx.buildIndex(cs, def); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tx *tx) optimize() error {
	states, err := tx.allCollectionStates()
	if err != nil {
		return err
	}
	now := tx.e.now().UnixMilli()
	for _, cs := range states {
		if len(cs.Indexes) == 0 {
			continue
		}
		updated := *cs
		updated.Indexes = make([]*indexDef, len(cs.Indexes))
		for i, def := range cs.Indexes {
			stats, err := tx.indexStats(cs, def)
			if err != nil {
				return err
			}
			stats.OptimizedAt = now
			d := *def
			d.Stats = stats
			updated.Indexes[i] = &d
		}
		if err := tx.saveCollectionState(&updated); err != nil {
			return err
		}
	}
	return nil
}

// indexStats counts entries and distinct keys (entries without the
// document ID suffix) of an index.
func (tx *tx) indexStats(cs *collectionState, def *indexDef) (*IndexStats, error) {
	b := tx.stx.Bucket(cs.bucket(), def.bucket())
	if b == nil {
		return nil, corruptf("%s: missing bucket of index %s", cs.fullName(), def.Name)
	}
	stats := &IndexStats{}
	var prev []byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		id, ok := indexEntryDocID(k)
		if !ok {
			return nil, corruptf("%s: invalid entry in index %s: %s", cs.fullName(), def.Name, hexstr(k))
		}
		key := k[:len(k)-len(id)-2]
		stats.Entries++
		if prev == nil || !bytes.Equal(prev, key) {
			stats.DistinctKeys++
			prev = append(prev[:0], key...)
		}
	}
	return stats, nil
}

func (tx *tx) checkIntegrity() error {
	states, err := tx.allCollectionStates()
	if err != nil {
		return err
	}
	for _, cs := range states {
		if err := tx.checkCollection(cs); err != nil {
			return err
		}
	}
	return nil
}

func (tx *tx) checkCollection(cs *collectionState) error {
	name := cs.fullName()
	seqs := tx.stx.Bucket(cs.bucket(), seqBucket)
	exps := tx.stx.Bucket(cs.bucket(), expBucket)
	if tx.docsBucket(cs) == nil || seqs == nil || exps == nil {
		return corruptf("%s: missing buckets", name)
	}

	expected := make(map[string][][]byte, len(cs.Indexes))
	compiled := make([]*compiledIndex, len(cs.Indexes))
	for i, def := range cs.Indexes {
		ci, err := tx.e.compiledIndex(def)
		if err != nil {
			return collErrf(name, def.Name, "", err, "")
		}
		compiled[i] = ci
	}

	var docs int
	lastSeq := tx.currentSeq()
	err := tx.forEachRecord(cs, func(id string, rec *docRecord) error {
		docs++
		if rec.Seq == 0 || rec.Seq > lastSeq {
			return collErrf(name, "", id, ErrCorruptData, "sequence %d out of range (last %d)", rec.Seq, lastSeq)
		}
		if got := string(seqs.Get(uint64Key(rec.Seq))); got != id {
			return collErrf(name, "", id, ErrCorruptData, "sequence %d maps to %q", rec.Seq, got)
		}
		if rec.Exp != 0 && exps.Get(expKey(rec.Exp, id)) == nil {
			return collErrf(name, "", id, ErrCorruptData, "missing expiration entry")
		}
		if len(rec.History) > maxHistory {
			return collErrf(name, "", id, ErrCorruptData, "history too long: %d", len(rec.History))
		}
		props, err := rec.props()
		if err != nil {
			return collErrf(name, "", id, err, "")
		}
		if rec.deleted() {
			return nil
		}
		for i, ci := range compiled {
			keys, err := ci.entries(id, rec, props)
			if err != nil {
				return collErrf(name, cs.Indexes[i].Name, id, err, "")
			}
			def := cs.Indexes[i].Name
			expected[def] = append(expected[def], keys...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if n := seqs.Stats().KeyN; n != docs {
		return collErrf(name, "", "", ErrCorruptData, "%d sequence entries for %d documents", n, docs)
	}
	c := exps.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) < 8 {
			return collErrf(name, "", "", ErrCorruptData, "invalid expiration key %s", hexstr(k))
		}
		id := string(k[8:])
		rec, err := tx.loadRecord(cs, id)
		if err != nil {
			return err
		}
		if rec == nil || !bytes.Equal(expKey(rec.Exp, id), k) {
			return collErrf(name, "", id, ErrCorruptData, "stale expiration entry")
		}
	}

	for _, def := range cs.Indexes {
		want := expected[def.Name]
		slices.SortFunc(want, bytes.Compare)
		b := tx.stx.Bucket(cs.bucket(), def.bucket())
		if b == nil {
			return collErrf(name, def.Name, "", ErrCorruptData, "missing index bucket")
		}
		var i int
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if i >= len(want) || !bytes.Equal(k, want[i]) {
				return collErrf(name, def.Name, "", ErrCorruptData, "unexpected index entry %s", hexstr(k))
			}
			i++
		}
		if i != len(want) {
			return collErrf(name, def.Name, "", ErrCorruptData, "missing %d index entries", len(want)-i)
		}
	}
	return nil
}
