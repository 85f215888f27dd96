package syncdb

import (
	"fmt"
	"strings"
	"time"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpDocuments
	DumpStats
	DumpIndexes
	DumpIndexEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database contents for tests and debugging.
func (db *Database) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	err := db.read(func(tx *tx) error {
		states, err := tx.allCollectionStates()
		if err != nil {
			return err
		}
		for _, cs := range states {
			if err := tx.dumpCollection(&buf, f, cs); err != nil {
				return err
			}
		}
		return nil
	})
	return buf.String(), err
}

func (tx *tx) dumpCollection(w *strings.Builder, f DumpFlags, cs *collectionState) error {
	prefix := cs.fullName()
	s := tx.collectionStats(cs)

	if f.Contains(DumpCollectionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d documents)\n", prefix, s.Documents)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexEntries, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpDocuments) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		err := tx.forEachRecord(cs, func(id string, rec *docRecord) error {
			dumpRecord(w, prefix, id, rec)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndexes) {
		for _, def := range cs.Indexes {
			if err := tx.dumpIndex(w, prefix, f, cs, def); err != nil {
				return err
			}
		}
	}
	return nil
}

func dumpRecord(w *strings.Builder, prefix, id string, rec *docRecord) {
	var flags string
	if rec.Flags.Contains(flagFromRemote) {
		flags += " remote"
	}
	if rec.Exp != 0 {
		flags += " exp=" + time.UnixMilli(rec.Exp).UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%s/%s = (s%d %s%s) %s\n", prefix, id, rec.Seq, rec.RevID, flags, loggableBody(rec))
}

func (tx *tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, cs *collectionState, def *indexDef) error {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + def.Name
	fmt.Fprintf(w, "%s (%s)\n", prefix, def.Signature)

	if !f.Contains(DumpIndexEntries) {
		return nil
	}
	b := tx.stx.Bucket(cs.bucket(), def.bucket())
	if b == nil {
		return corruptf("%s: missing bucket", prefix)
	}
	c := b.Cursor()
	var pos int
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		pos++
		id, ok := indexEntryDocID(k)
		if !ok {
			fmt.Fprintf(w, "%s.%d: ** INVALID %s\n", prefix, pos, hexstr(k))
			continue
		}
		fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, pos, hexstr(k[:len(k)-len(id)-2]), id)
	}
	return nil
}
