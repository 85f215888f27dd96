package syncdb

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/value"
)

func TestMaintenanceTypeString(t *testing.T) {
	assert.Equal(t, "compact", Compact.String())
	assert.Equal(t, "integrity-check", IntegrityCheck.String())
	assert.Equal(t, "full-optimize", FullOptimize.String())
	assert.Equal(t, "invalid maintenance type 42", MaintenanceType(42).String())
}

func TestMaintenanceUnknownType(t *testing.T) {
	db := setup(t)
	err := db.PerformMaintenance(MaintenanceType(42))
	assert.True(t, errors.Is(err, ErrBadParameter), "got %v", err)
}

func TestCompact(t *testing.T) {
	db := setupFile(t)
	c := defaultColl(t, db)
	seedNumbers(t, c, 200)
	for i := 1; i <= 150; i++ {
		require.NoError(t, c.PurgeByID(docName(i)))
	}
	saveDoc(t, c, "temp", value.Dict{})
	require.NoError(t, c.SetExpiration("temp", time.Now().Add(-time.Minute)))

	require.NoError(t, db.PerformMaintenance(Compact))

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), n)
	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Documents, "expired documents are purged")

	doc, err := c.Document(docName(151))
	require.NoError(t, err)
	assert.Equal(t, int64(151), doc.Get("num"))
	saveDoc(t, c, "after", value.Dict{})
	require.NoError(t, db.PerformMaintenance(IntegrityCheck))
}

func TestCompactInsideTransaction(t *testing.T) {
	db := setup(t)
	require.NoError(t, db.BeginTransaction())
	err := db.PerformMaintenance(Compact)
	assert.True(t, errors.Is(err, ErrBusy), "got %v", err)
	require.NoError(t, db.EndTransaction(false))
	require.NoError(t, db.PerformMaintenance(FullOptimize))
}

func dropFirstIndexEntry(t *testing.T, c *Collection, index string) {
	t.Helper()
	err := c.db.write(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		for _, def := range cs.Indexes {
			if def.Name == index {
				cur := tx.stx.Bucket(cs.bucket(), def.bucket()).Cursor()
				if k, _ := cur.First(); k == nil {
					return errors.New("index is empty")
				}
				return cur.Delete()
			}
		}
		return errors.New("no such index")
	})
	require.NoError(t, err)
}

func TestIntegrityCheckAndReindex(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	seedNumbers(t, c, 10)
	require.NoError(t, c.CreateValueIndex("byNum", ValueIndexConfiguration{Language: N1QLLanguage, Expressions: "num"}))
	require.NoError(t, db.PerformMaintenance(IntegrityCheck))

	dropFirstIndexEntry(t, c, "byNum")
	err := db.PerformMaintenance(IntegrityCheck)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptData), "got %v", err)
	assert.Contains(t, err.Error(), "byNum")

	require.NoError(t, db.PerformMaintenance(Reindex))
	require.NoError(t, db.PerformMaintenance(IntegrityCheck))

	q := newQuery(t, db, N1QLLanguage, "SELECT META().id FROM _ WHERE num = 1")
	assert.Equal(t, "byNum", explainedIndex(t, q))
	assert.Equal(t, []any{"doc001"}, queryColumn(t, q))
}

func TestOptimize(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	seedNumbers(t, c, 20)
	require.NoError(t, c.CreateValueIndex("bySome", ValueIndexConfiguration{Language: N1QLLanguage, Expressions: "someField"}))

	info, err := c.Index("bySome")
	require.NoError(t, err)
	assert.Nil(t, info.Stats)

	require.NoError(t, db.PerformMaintenance(Optimize))
	info, err = c.Index("bySome")
	require.NoError(t, err)
	require.NotNil(t, info.Stats)
	assert.Equal(t, 20, info.Stats.Entries)
	assert.Equal(t, 5, info.Stats.DistinctKeys)
	assert.NotZero(t, info.Stats.OptimizedAt)
}

func TestCollectionStats(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	seedNumbers(t, c, 10)
	require.NoError(t, c.CreateValueIndex("byNum", ValueIndexConfiguration{Language: N1QLLanguage, Expressions: "num"}))
	doc, err := c.Document(docName(1))
	require.NoError(t, err)
	require.NoError(t, c.Delete(doc))

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Documents)
	assert.Equal(t, 9, stats.IndexEntries)
	assert.Positive(t, stats.DataSize)
	assert.Positive(t, stats.IndexSize)
	assert.Equal(t, stats.DataSize+stats.IndexSize, stats.TotalSize())
}

func TestDump(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	saveDoc(t, c, "a", value.Dict{"x": int64(1)})
	b := saveDoc(t, c, "b", value.Dict{})
	require.NoError(t, c.Delete(&b.Document))
	require.NoError(t, c.CreateValueIndex("byX", ValueIndexConfiguration{Language: N1QLLanguage, Expressions: "x"}))

	out, err := db.Dump(DumpAll)
	require.NoError(t, err)
	assert.Contains(t, out, "_default._default (2 documents)")
	assert.Contains(t, out, `_default._default/a = (s1 `)
	assert.Contains(t, out, `{"x":1}`)
	assert.Contains(t, out, "<deleted>")
	assert.Contains(t, out, "_default._default.i.byX (")
	assert.Contains(t, out, "=> a")

	out, err = db.Dump(DumpCollectionHeaders)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func docName(i int) string {
	return fmt.Sprintf("doc%03d", i)
}
