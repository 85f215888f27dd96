package syncdb

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/value"
)

type changeRecorder struct {
	mu   sync.Mutex
	coll []CollectionChange
	docs []DocumentChange
}

func (r *changeRecorder) onColl(ch CollectionChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coll = append(r.coll, ch)
}

func (r *changeRecorder) onDoc(ch DocumentChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, ch)
}

func (r *changeRecorder) collIDs() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, ch := range r.coll {
		out = append(out, ch.DocIDs)
	}
	return out
}

func (r *changeRecorder) docCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

const waitTimeout = 2 * time.Second

func TestOpString(t *testing.T) {
	assert.Equal(t, "put", OpPut.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "purge", OpPurge.String())
	assert.Equal(t, "none", OpNone.String())
	assert.Equal(t, "invalid op 99", Op(99).String())
}

func TestCollectionChangeListener(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	other, err := db.CreateCollection("other", "")
	require.NoError(t, err)

	var rec changeRecorder
	token, err := c.AddChangeListener(rec.onColl)
	require.NoError(t, err)
	defer token.Remove()

	saveDoc(t, c, "a", value.Dict{})
	saveDoc(t, other, "ignored", value.Dict{})
	require.NoError(t, db.InTransaction(func(db *Database) error {
		saveDoc(t, c, "b", value.Dict{})
		saveDoc(t, c, "c", value.Dict{})
		saveDoc(t, c, "b", value.Dict{"again": true})
		return nil
	}))

	require.Eventually(t, func() bool { return len(rec.collIDs()) == 2 }, waitTimeout, time.Millisecond)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}}, rec.collIDs())
	assert.Equal(t, c.FullName(), rec.coll[0].Collection.FullName())

	// rolled back transactions notify nobody
	require.NoError(t, db.BeginTransaction())
	saveDoc(t, c, "d", value.Dict{})
	require.NoError(t, db.EndTransaction(false))

	token.Remove()
	token.Remove()
	saveDoc(t, c, "e", value.Dict{})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.collIDs(), 2)
}

func TestDocumentChangeListener(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)

	var rec changeRecorder
	token, err := c.AddDocumentChangeListener("watched", rec.onDoc)
	require.NoError(t, err)
	defer token.Remove()

	saveDoc(t, c, "other", value.Dict{})
	doc := saveDoc(t, c, "watched", value.Dict{})
	require.NoError(t, c.Delete(&doc.Document))
	require.NoError(t, c.PurgeByID("watched"))

	require.Eventually(t, func() bool { return rec.docCount() == 3 }, waitTimeout, time.Millisecond)
	rec.mu.Lock()
	for _, ch := range rec.docs {
		assert.Equal(t, "watched", ch.DocID)
	}
	rec.mu.Unlock()

	_, err = c.AddDocumentChangeListener("", rec.onDoc)
	assert.Error(t, err)
}

func TestDatabaseChangeListener(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	other, err := db.CreateCollection("other", "app")
	require.NoError(t, err)

	var rec changeRecorder
	token, err := db.AddChangeListener(rec.onColl)
	require.NoError(t, err)
	defer token.Remove()

	require.NoError(t, db.InTransaction(func(db *Database) error {
		saveDoc(t, c, "a", value.Dict{})
		saveDoc(t, other, "b", value.Dict{})
		return nil
	}))
	require.Eventually(t, func() bool { return len(rec.collIDs()) == 2 }, waitTimeout, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var names []string
	for _, ch := range rec.coll {
		names = append(names, ch.Collection.FullName())
	}
	slices.Sort(names)
	assert.Equal(t, []string{"_default._default", "app.other"}, names)
}

func TestListenerPanicsAreContained(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)

	t1, err := c.AddChangeListener(func(CollectionChange) { panic("listener bug") })
	require.NoError(t, err)
	defer t1.Remove()
	var rec changeRecorder
	t2, err := c.AddChangeListener(rec.onColl)
	require.NoError(t, err)
	defer t2.Remove()

	saveDoc(t, c, "a", value.Dict{})
	saveDoc(t, c, "b", value.Dict{})
	require.Eventually(t, func() bool { return len(rec.collIDs()) == 2 }, waitTimeout, time.Millisecond)
}

func TestListenersStopWithHandle(t *testing.T) {
	db := setup(t)
	other := db.Retain()
	c := defaultColl(t, other)

	var calls atomic.Int32
	token, err := c.AddChangeListener(func(CollectionChange) { calls.Add(1) })
	require.NoError(t, err)
	defer token.Remove()
	require.NoError(t, other.Close())

	saveDoc(t, defaultColl(t, db), "a", value.Dict{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDroppedTokenDeregisters(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)

	var calls atomic.Int32
	func() {
		_, err := c.AddChangeListener(func(CollectionChange) { calls.Add(1) })
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		db.e.bus.mu.Lock()
		defer db.e.bus.mu.Unlock()
		return len(db.e.bus.listeners) == 0
	}, waitTimeout, 5*time.Millisecond)

	saveDoc(t, c, "a", value.Dict{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestBufferedNotifications(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)

	var ready atomic.Int32
	db.BufferNotifications(func(*Database) { ready.Add(1) })

	var rec changeRecorder
	token, err := c.AddChangeListener(rec.onColl)
	require.NoError(t, err)
	defer token.Remove()

	saveDoc(t, c, "a", value.Dict{})
	saveDoc(t, c, "b", value.Dict{})
	require.Eventually(t, func() bool {
		db.notif.mu.Lock()
		defer db.notif.mu.Unlock()
		return len(db.notif.pending) == 2
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, int32(1), ready.Load(), "ready fires once per batch")
	assert.Empty(t, rec.collIDs())

	db.SendNotifications()
	assert.Equal(t, [][]string{{"a"}, {"b"}}, rec.collIDs())

	saveDoc(t, c, "c", value.Dict{})
	require.Eventually(t, func() bool { return ready.Load() == 2 }, waitTimeout, time.Millisecond)
	db.SendNotifications()
	assert.Len(t, rec.collIDs(), 3)
}

func TestNewListenerToken(t *testing.T) {
	var removed atomic.Int32
	token := NewListenerToken(func() { removed.Add(1) })
	token.Remove()
	token.Remove()
	assert.Equal(t, int32(1), removed.Load())
}

func TestBusPublishRacingClose(t *testing.T) {
	for range 50 {
		b := newBus(zerolog.Nop())
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					b.publish(nil)
				}
			}()
		}
		b.close()
		wg.Wait()
		b.publish(nil)
		b.close()
	}
}
