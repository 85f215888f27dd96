package syncdb

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/value"
)

func testName(t testing.TB) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
}

func testLogger(t testing.TB) *zerolog.Logger {
	l := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return &l
}

// setup opens a fresh in-memory database that is closed when the test ends.
func setup(t testing.TB) *Database {
	t.Helper()
	return setupWith(t, Options{})
}

func setupWith(t testing.TB, opt Options) *Database {
	t.Helper()
	opt.InMemory = true
	opt.IsTesting = true
	if opt.Logger == nil {
		opt.Logger = testLogger(t)
	}
	if opt.ExpirationSweepInterval == 0 {
		opt.ExpirationSweepInterval = -1
	}
	db, err := Open(testName(t), opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// setupFile opens a Bolt-backed database in a temporary directory.
func setupFile(t testing.TB) *Database {
	t.Helper()
	db, err := Open("test", Options{
		Directory:               t.TempDir(),
		IsTesting:               true,
		Logger:                  testLogger(t),
		ExpirationSweepInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func defaultColl(t testing.TB, db *Database) *Collection {
	t.Helper()
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	return c
}

func saveDoc(t testing.TB, c *Collection, id string, props value.Dict) *MutableDocument {
	t.Helper()
	doc := NewDocumentWithID(id)
	require.NoError(t, doc.SetProperties(props))
	require.NoError(t, c.Save(doc))
	return doc
}

func TestOpenClose(t *testing.T) {
	dir := t.TempDir()
	opt := Options{Directory: dir, IsTesting: true, ExpirationSweepInterval: -1}

	assert.False(t, Exists("main", dir))
	db, err := Open("main", opt)
	require.NoError(t, err)
	assert.True(t, Exists("main", dir))
	assert.Equal(t, "main", db.Name())
	assert.Equal(t, filepath.Join(dir, "main.syncdb"), db.Path())
	uuid := db.UUID()
	assert.NotEmpty(t, uuid)

	c := defaultColl(t, db)
	saveDoc(t, c, "doc1", value.Dict{"a": int64(1)})
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = c.Document("doc1")
	assert.True(t, errors.Is(err, ErrNotOpen), "got %v", err)

	db, err = Open("main", opt)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, uuid, db.UUID())
	doc, err := defaultColl(t, db).Document("doc1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Get("a"))
	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestOpenInvalidName(t *testing.T) {
	for _, name := range []string{"", "a/b", `a\b`, "..", "."} {
		_, err := Open(name, Options{InMemory: true})
		assert.True(t, errors.Is(err, ErrBadParameter), "%q: got %v", name, err)
	}
}

func TestInMemorySharedByName(t *testing.T) {
	db1 := setup(t)
	db2, err := Open(testName(t), Options{InMemory: true, IsTesting: true})
	require.NoError(t, err)

	saveDoc(t, defaultColl(t, db1), "x", value.Dict{"v": "one"})
	doc, err := defaultColl(t, db2).Document("x")
	require.NoError(t, err)
	assert.Equal(t, "one", doc.Get("v"))
	assert.Equal(t, db1.UUID(), db2.UUID())
	require.NoError(t, db2.Close())

	// the engine stays alive while db1 is open
	_, err = defaultColl(t, db1).Document("x")
	require.NoError(t, err)
}

func TestDeleteDatabase(t *testing.T) {
	dir := t.TempDir()
	opt := Options{Directory: dir, IsTesting: true, ExpirationSweepInterval: -1}
	db, err := Open("gone", opt)
	require.NoError(t, err)

	_, err = DeleteDatabase("gone", dir)
	assert.True(t, errors.Is(err, ErrBusy), "got %v", err)

	other := db.Retain()
	assert.True(t, errors.Is(db.Delete(), ErrBusy))
	require.NoError(t, other.Close())
	require.NoError(t, db.Delete())
	assert.False(t, Exists("gone", dir))

	ok, err := DeleteDatabase("gone", dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCopyDatabase(t *testing.T) {
	dir := t.TempDir()
	opt := Options{Directory: dir, IsTesting: true, ExpirationSweepInterval: -1}
	src, err := Open("src", opt)
	require.NoError(t, err)
	saveDoc(t, defaultColl(t, src), "d", value.Dict{"n": int64(7)})
	require.NoError(t, src.SetCheckpoint("peer", []byte("cp")))
	srcUUID := src.UUID()
	path := src.Path()
	require.NoError(t, src.Close())

	require.NoError(t, CopyDatabase(path, "dst", opt))
	err = CopyDatabase(path, "dst", opt)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	dst, err := Open("dst", opt)
	require.NoError(t, err)
	defer dst.Close()
	assert.NotEqual(t, srcUUID, dst.UUID())
	doc, err := defaultColl(t, dst).Document("d")
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc.Get("n"))
	cp, err := dst.Checkpoint("peer")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpoints(t *testing.T) {
	db := setup(t)
	cp, err := db.Checkpoint("a")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, db.SetCheckpoint("a", []byte{1, 2}))
	cp, err = db.Checkpoint("a")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, cp)

	require.NoError(t, db.SetCheckpoint("a", nil))
	cp, err = db.Checkpoint("a")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestTransactions(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)

	require.NoError(t, db.BeginTransaction())
	saveDoc(t, c, "a", value.Dict{"x": int64(1)})
	require.NoError(t, db.BeginTransaction())
	saveDoc(t, c, "b", value.Dict{"x": int64(2)})
	require.NoError(t, db.EndTransaction(true))

	// visible inside the transaction
	_, err := c.Document("b")
	require.NoError(t, err)
	assert.True(t, errors.Is(db.Close(), ErrTransactionNotClosed))

	require.NoError(t, db.EndTransaction(false))
	_, err = c.Document("a")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	_, err = c.Document("b")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	assert.True(t, errors.Is(db.EndTransaction(true), ErrNotInTransaction))

	err = db.InTransaction(func(db *Database) error {
		saveDoc(t, c, "c", value.Dict{})
		return nil
	})
	require.NoError(t, err)
	_, err = c.Document("c")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.InTransaction(func(db *Database) error {
		saveDoc(t, c, "d", value.Dict{})
		return boom
	})
	assert.Equal(t, boom, err)
	_, err = c.Document("d")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransactionIsolation(t *testing.T) {
	db := setup(t)
	other := db.Retain()
	defer other.Close()
	c := defaultColl(t, db)
	oc := defaultColl(t, other)

	require.NoError(t, db.BeginTransaction())
	saveDoc(t, c, "a", value.Dict{})

	done := make(chan error, 1)
	go func() {
		// blocks until the writer commits, then sees its data
		if err := oc.Save(NewDocumentWithID("b")); err != nil {
			done <- err
			return
		}
		_, err := oc.Document("a")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.EndTransaction(true))
	require.NoError(t, <-done)
}

func TestLastSequence(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	seq, err := db.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	saveDoc(t, c, "a", value.Dict{})
	doc := saveDoc(t, c, "b", value.Dict{})
	seq, err = db.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(2), doc.Sequence())
}

func TestConcurrentSaves(t *testing.T) {
	db := setupFile(t)
	c := defaultColl(t, db)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				doc := NewDocument()
				_ = doc.Set("w", i)
				_ = doc.Set("j", j)
				assert.NoError(t, c.Save(doc))
			}
		}()
	}
	wg.Wait()

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(80), n)
	seq, err := db.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(80), seq)
	require.NoError(t, db.PerformMaintenance(IntegrityCheck))
}
