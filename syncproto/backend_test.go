package syncproto

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

func openDB(t testing.TB, suffix string) *syncdb.Database {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + suffix
	l := zerolog.New(zerolog.NewTestWriter(t))
	db, err := syncdb.Open(name, syncdb.Options{InMemory: true, IsTesting: true, Logger: &l, ExpirationSweepInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func defaultColl(t testing.TB, db *syncdb.Database) *syncdb.Collection {
	t.Helper()
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	return c
}

func saveDoc(t testing.TB, c *syncdb.Collection, id string, props value.Dict) {
	t.Helper()
	md, err := c.MutableDocument(id)
	if errors.Is(err, syncdb.ErrNotFound) {
		md = syncdb.NewDocumentWithID(id)
	} else {
		require.NoError(t, err)
	}
	require.NoError(t, md.SetProperties(props))
	require.NoError(t, c.Save(md))
}

func wireRevision(t testing.TB, c *syncdb.Collection, id string) *Revision {
	t.Helper()
	rev, err := c.Revision(id)
	require.NoError(t, err)
	wire, err := EncodeRevision(rev)
	require.NoError(t, err)
	return wire
}

const defaultName = "_default._default"

func TestDocumentChannels(t *testing.T) {
	assert.Equal(t, []string{"a"}, DocumentChannels(value.Dict{"channels": "a"}))
	assert.Equal(t, []string{"a", "b"}, DocumentChannels(value.Dict{"channels": value.Array{"a", int64(1), "b"}}))
	assert.Nil(t, DocumentChannels(value.Dict{}))

	assert.True(t, FullAccess.CanSee(nil))
	user := Access{Channels: []string{"a"}}
	assert.True(t, user.CanSee([]string{"b", "a"}))
	assert.False(t, user.CanSee([]string{"b"}))
	assert.False(t, user.CanSee(nil))
}

func TestHello(t *testing.T) {
	db := openDB(t, "db")
	_, err := db.CreateCollection("things", "inv")
	require.NoError(t, err)
	b := NewBackend(db, nil, Access{User: "bob", Channels: []string{"x"}}, zerolog.Nop())
	defer b.Close()

	resp, err := b.Hello(context.Background(), &HelloRequest{DatabaseUUID: "someone-else"})
	require.NoError(t, err)
	assert.Equal(t, db.UUID(), resp.DatabaseUUID)
	assert.Equal(t, "bob", resp.User)
	assert.ElementsMatch(t, []string{defaultName, "inv.things"}, resp.Collections)

	_, err = b.Hello(context.Background(), &HelloRequest{DatabaseUUID: db.UUID()})
	assert.ErrorIs(t, err, dberr.BadParameter)

	limited := NewBackend(db, []string{"inv.things"}, FullAccess, zerolog.Nop())
	defer limited.Close()
	resp, err = limited.Hello(context.Background(), &HelloRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"inv.things"}, resp.Collections)
	_, err = limited.Changes(context.Background(), &ChangesRequest{Collection: defaultName})
	assert.ErrorIs(t, err, dberr.NotFound)
	_, err = limited.Changes(context.Background(), &ChangesRequest{Collection: "inv.missing"})
	assert.ErrorIs(t, err, dberr.NotFound)
}

func TestChangesAccessControl(t *testing.T) {
	db := openDB(t, "db")
	c := defaultColl(t, db)
	saveDoc(t, c, "visible", value.Dict{"channels": "a"})
	saveDoc(t, c, "hidden", value.Dict{"channels": "b"})
	saveDoc(t, c, "none", value.Dict{})
	saveDoc(t, c, "gone", value.Dict{"channels": "b"})
	doc, err := c.Document("gone")
	require.NoError(t, err)
	require.NoError(t, c.Delete(doc))

	b := NewBackend(db, nil, Access{Channels: []string{"a"}}, zerolog.Nop())
	defer b.Close()
	resp, err := b.Changes(context.Background(), &ChangesRequest{Collection: defaultName})
	require.NoError(t, err)
	assert.True(t, resp.Done)

	byID := make(map[string]Change)
	for _, ch := range resp.Changes {
		byID[ch.DocID] = ch
	}
	assert.False(t, byID["visible"].Removed)
	assert.True(t, byID["hidden"].Removed)
	assert.True(t, byID["none"].Removed)
	assert.True(t, byID["gone"].Deleted)
	assert.False(t, byID["gone"].Removed)

	revs, err := b.Revisions(context.Background(), &RevisionsRequest{Collection: defaultName, DocIDs: []string{"visible", "hidden", "missing", "gone"}})
	require.NoError(t, err)
	var ids []string
	for _, r := range revs {
		ids = append(ids, r.DocID)
	}
	assert.Equal(t, []string{"visible", "gone"}, ids)
}

func TestChangesBatching(t *testing.T) {
	db := openDB(t, "db")
	c := defaultColl(t, db)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		saveDoc(t, c, id, value.Dict{"channels": id})
	}
	b := NewBackend(db, nil, FullAccess, zerolog.Nop())
	defer b.Close()
	ctx := context.Background()

	resp, err := b.Changes(ctx, &ChangesRequest{Collection: defaultName, Limit: 2})
	require.NoError(t, err)
	assert.False(t, resp.Done)
	assert.Len(t, resp.Changes, 2)
	assert.Equal(t, resp.Changes[1].Seq, resp.LastSeq)

	// filtered-out changes still advance LastSeq
	resp, err = b.Changes(ctx, &ChangesRequest{Collection: defaultName, Since: resp.LastSeq, Limit: 2, DocIDs: []string{"e"}})
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)
	assert.NotZero(t, resp.LastSeq)

	resp, err = b.Changes(ctx, &ChangesRequest{Collection: defaultName, Channels: []string{"c", "d"}})
	require.NoError(t, err)
	var ids []string
	for _, ch := range resp.Changes {
		ids = append(ids, ch.DocID)
		assert.False(t, ch.Removed)
	}
	assert.Equal(t, []string{"c", "d"}, ids)
}

func TestPut(t *testing.T) {
	src, db := openDB(t, "src"), openDB(t, "db")
	sc, c := defaultColl(t, src), defaultColl(t, db)
	saveDoc(t, sc, "mine", value.Dict{"channels": "a"})
	saveDoc(t, sc, "moved", value.Dict{"channels": "zzz"})
	saveDoc(t, c, "theirs", value.Dict{"channels": "b"})
	saveDoc(t, sc, "theirs", value.Dict{"channels": "a"})
	ctx := context.Background()

	b := NewBackend(db, nil, Access{Channels: []string{"a"}}, zerolog.Nop())
	defer b.Close()
	_, err := b.Hello(ctx, &HelloRequest{DatabaseUUID: src.UUID()})
	require.NoError(t, err)
	results, err := b.Put(ctx, &PutRequest{Collection: defaultName, Revisions: []*Revision{
		wireRevision(t, sc, "mine"),
		wireRevision(t, sc, "moved"),
		wireRevision(t, sc, "theirs"),
	}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Nil(t, results[0].Error)
	assert.Nil(t, results[1].Error, "documents may be moved out of sight")
	require.NotNil(t, results[2].Error)
	assert.ErrorIs(t, results[2].Error.Err(), dberr.Transport(403, ""))

	got, err := c.Document("mine")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Get("channels"))
	changes, err := c.ChangesSince(0, 0)
	require.NoError(t, err)
	assert.True(t, changes[len(changes)-1].FromRemote)
	assert.Equal(t, src.UUID(), changes[len(changes)-1].Source, "pushed revisions remember the pushing database")

	// a diverging revision conflicts
	saveDoc(t, c, "mine", value.Dict{"channels": "a", "v": "server"})
	saveDoc(t, sc, "mine", value.Dict{"channels": "a", "v": "client"})
	results, err = b.Put(ctx, &PutRequest{Collection: defaultName, Revisions: []*Revision{wireRevision(t, sc, "mine")}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Error.Err(), syncdb.ErrConflict)

	ro := NewBackend(db, nil, Access{Channels: []string{AllChannels}, ReadOnly: true}, zerolog.Nop())
	defer ro.Close()
	_, err = ro.Put(ctx, &PutRequest{Collection: defaultName, Revisions: []*Revision{wireRevision(t, sc, "mine")}})
	assert.ErrorIs(t, err, dberr.Transport(403, ""))
}

func TestSubscribe(t *testing.T) {
	db := openDB(t, "db")
	c := defaultColl(t, db)
	b := NewBackend(db, nil, FullAccess, zerolog.Nop())

	var count atomic.Int32
	err := b.Subscribe(context.Background(), &SubscribeRequest{Collections: []string{defaultName}}, func(n Notification) {
		assert.Equal(t, defaultName, n.Collection)
		count.Add(1)
	})
	require.NoError(t, err)

	saveDoc(t, c, "x", value.Dict{})
	require.Eventually(t, func() bool { return count.Load() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	saveDoc(t, c, "y", value.Dict{})
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, count.Load())
	assert.False(t, db.IsClosed(), "the backend closes only its own handle")

	err = b.Subscribe(context.Background(), &SubscribeRequest{Collections: []string{defaultName}}, func(Notification) {})
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	db := openDB(t, "db")
	b := NewBackend(db, nil, FullAccess, zerolog.Nop())
	defer b.Close()
	ctx := context.Background()

	params, err := msgpack.Marshal(&HelloRequest{DatabaseUUID: "other", Client: "test"})
	require.NoError(t, err)
	resp := Dispatch(ctx, b, &Frame{ID: 7, Method: MethodHello, Params: params}, nil)
	assert.Equal(t, uint64(7), resp.ID)
	require.Nil(t, resp.Error)
	var hello HelloResponse
	require.NoError(t, msgpack.Unmarshal(resp.Result, &hello))
	assert.Equal(t, db.UUID(), hello.DatabaseUUID)

	resp = Dispatch(ctx, b, &Frame{ID: 8, Method: "nope"}, nil)
	require.NotNil(t, resp.Error)
	assert.ErrorIs(t, resp.Error.Err(), dberr.Unsupported)

	resp = Dispatch(ctx, b, &Frame{ID: 9, Method: MethodChanges, Params: msgpack.RawMessage{0xc1}}, nil)
	require.NotNil(t, resp.Error)
	assert.ErrorIs(t, resp.Error.Err(), dberr.InvalidData)

	assert.True(t, (&Frame{Method: NotifyChanged}).IsNotification())
	assert.False(t, resp.IsNotification())
}

func TestErrorFrom(t *testing.T) {
	assert.Nil(t, ErrorFrom(nil))

	e := ErrorFrom(dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "doc x"))
	assert.Equal(t, "doc x", e.Msg)
	assert.ErrorIs(t, e.Err(), syncdb.ErrNotFound)
	assert.Contains(t, e.Err().Error(), "peer: doc x")

	e = ErrorFrom(errors.New("plain"))
	assert.ErrorIs(t, e.Err(), dberr.RemoteError)
	assert.Equal(t, "plain", e.Msg)

	var nilErr *Error
	assert.NoError(t, nilErr.Err())
}
