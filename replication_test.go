package syncdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/value"
)

func TestChangesSince(t *testing.T) {
	db := setup(t)
	c := defaultColl(t, db)
	a := saveDoc(t, c, "a", value.Dict{})
	saveDoc(t, c, "b", value.Dict{})
	saveDoc(t, c, "c", value.Dict{})
	require.NoError(t, c.Delete(&a.Document))
	require.NoError(t, c.PurgeByID("b"))

	changes, err := c.ChangesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Sequence: 3, DocID: "c", RevID: changes[0].RevID}, changes[0])
	assert.Equal(t, "a", changes[1].DocID)
	assert.Equal(t, uint64(4), changes[1].Sequence)
	assert.True(t, changes[1].Deleted)
	assert.Equal(t, a.RevisionID(), changes[1].RevID)

	changes, err = c.ChangesSince(3, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].DocID)

	changes, err = c.ChangesSince(0, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "c", changes[0].DocID)

	changes, err = c.ChangesSince(100, 0)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestRevision(t *testing.T) {
	c := defaultColl(t, setup(t))
	doc := saveDoc(t, c, "a", value.Dict{"x": int64(1)})
	rev1 := doc.RevisionID()
	require.NoError(t, doc.Set("x", 2))
	require.NoError(t, c.Save(doc))

	rev, err := c.Revision("a")
	require.NoError(t, err)
	assert.Equal(t, "a", rev.DocID)
	assert.Equal(t, doc.RevisionID(), rev.RevID)
	assert.Equal(t, []string{rev1}, rev.History)
	assert.Equal(t, value.Dict{"x": int64(2)}, rev.Body)
	assert.False(t, rev.Deleted)
	assert.False(t, rev.FromRemote)
	assert.Equal(t, "a@"+rev.RevID, rev.String())

	require.NoError(t, c.Delete(&doc.Document))
	rev, err = c.Revision("a")
	require.NoError(t, err)
	assert.True(t, rev.Deleted)
	assert.Nil(t, rev.Body)

	_, err = c.Revision("zzz")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// replicate copies the current revision of id from one collection to another.
func replicate(t testing.TB, from, to *Collection, id string, resolve ConflictResolver) PutResult {
	t.Helper()
	rev, err := from.Revision(id)
	require.NoError(t, err)
	res, err := to.PutRevision(rev, resolve)
	require.NoError(t, err)
	return res
}

func TestPutRevision(t *testing.T) {
	local := defaultColl(t, setup(t))
	remoteDB, err := Open(testName(t)+"_remote", Options{InMemory: true, IsTesting: true, ExpirationSweepInterval: -1})
	require.NoError(t, err)
	defer remoteDB.Close()
	remote := defaultColl(t, remoteDB)

	doc := saveDoc(t, remote, "d", value.Dict{"v": int64(1)})
	assert.Equal(t, PutInserted, replicate(t, remote, local, "d", nil))
	assert.Equal(t, PutNoop, replicate(t, remote, local, "d", nil))

	got, err := local.Document("d")
	require.NoError(t, err)
	assert.Equal(t, doc.RevisionID(), got.RevisionID())
	assert.Equal(t, int64(1), got.Get("v"))

	changes, err := local.ChangesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].FromRemote)

	require.NoError(t, doc.Set("v", 2))
	require.NoError(t, remote.Save(doc))
	assert.Equal(t, PutFastForward, replicate(t, remote, local, "d", nil))
	got, err = local.Document("d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Get("v"))

	// an older revision is already known
	old := &Revision{DocID: "d", RevID: got.RevisionID()}
	res, err := local.PutRevision(old, nil)
	require.NoError(t, err)
	assert.Equal(t, PutNoop, res)

	// a local edit on top of a pulled revision is not marked remote
	md := got.MutableCopy()
	require.NoError(t, md.Set("v", 3))
	require.NoError(t, local.Save(md))
	changes, err = local.ChangesSince(0, 0)
	require.NoError(t, err)
	assert.False(t, changes[0].FromRemote)

	// and it replicates back as a fast-forward
	assert.Equal(t, PutFastForward, replicate(t, local, remote, "d", nil))

	// remote deletions arrive as tombstones
	rdoc, err := remote.Document("d")
	require.NoError(t, err)
	require.NoError(t, remote.Delete(rdoc))
	assert.Equal(t, PutFastForward, replicate(t, remote, local, "d", nil))
	got, err = local.Document("d")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	require.NoError(t, local.Database().PerformMaintenance(IntegrityCheck))
}

func TestPutRevisionValidation(t *testing.T) {
	c := defaultColl(t, setup(t))
	_, err := c.PutRevision(&Revision{DocID: "", RevID: "1-aa"}, nil)
	assert.True(t, errors.Is(err, ErrBadDocID), "got %v", err)
	_, err = c.PutRevision(&Revision{DocID: "a", RevID: "bogus"}, nil)
	assert.True(t, errors.Is(err, ErrBadParameter), "got %v", err)
	_, err = c.PutRevision(&Revision{DocID: "a", RevID: ""}, nil)
	assert.True(t, errors.Is(err, ErrBadParameter), "got %v", err)
}

// divergedPair makes "d" diverge: both sides edit the common revision.
func divergedPair(t *testing.T) (local, remote *Collection) {
	t.Helper()
	local = defaultColl(t, setup(t))
	remoteDB, err := Open(testName(t)+"_remote", Options{InMemory: true, IsTesting: true, ExpirationSweepInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remoteDB.Close() })
	remote = defaultColl(t, remoteDB)

	saveDoc(t, local, "d", value.Dict{"v": "base"})
	replicate(t, local, remote, "d", nil)

	l, err := local.MutableDocument("d")
	require.NoError(t, err)
	require.NoError(t, l.Set("v", "local"))
	require.NoError(t, local.Save(l))

	r, err := remote.MutableDocument("d")
	require.NoError(t, err)
	require.NoError(t, r.Set("v", "remote"))
	require.NoError(t, r.Set("extra", true))
	require.NoError(t, remote.Save(r))
	return local, remote
}

func TestPutRevisionConflict(t *testing.T) {
	local, remote := divergedPair(t)
	rev, err := remote.Revision("d")
	require.NoError(t, err)

	before, err := local.Document("d")
	require.NoError(t, err)
	_, err = local.PutRevision(rev, nil)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
	after, err := local.Document("d")
	require.NoError(t, err)
	assert.Equal(t, before.RevisionID(), after.RevisionID())
}

func TestPutRevisionRemoteWins(t *testing.T) {
	local, remote := divergedPair(t)
	rev, err := remote.Revision("d")
	require.NoError(t, err)

	res, err := local.PutRevision(rev, func(l, r *Document) *Document {
		assert.Equal(t, "local", l.Get("v"))
		assert.Equal(t, "remote", r.Get("v"))
		return r
	})
	require.NoError(t, err)
	assert.Equal(t, PutResolved, res)

	got, err := local.Document("d")
	require.NoError(t, err)
	assert.Equal(t, rev.RevID, got.RevisionID())
	assert.Equal(t, "remote", got.Get("v"))
}

func TestPutRevisionMerge(t *testing.T) {
	local, remote := divergedPair(t)
	rev, err := remote.Revision("d")
	require.NoError(t, err)

	res, err := local.PutRevision(rev, func(l, r *Document) *Document {
		merged := r.MutableCopy()
		_ = merged.Set("v", l.Get("v").(string)+"+"+r.Get("v").(string))
		return &merged.Document
	})
	require.NoError(t, err)
	assert.Equal(t, PutResolved, res)

	got, err := local.Document("d")
	require.NoError(t, err)
	assert.Equal(t, "local+remote", got.Get("v"))
	assert.Equal(t, true, got.Get("extra"))
	assert.Equal(t, RevisionGeneration(rev.RevID)+1, got.Generation())

	// the merge descends from the remote revision, so it pushes cleanly
	assert.Equal(t, PutFastForward, replicate(t, local, remote, "d", nil))
	rgot, err := remote.Document("d")
	require.NoError(t, err)
	assert.Equal(t, "local+remote", rgot.Get("v"))

	changes, err := local.ChangesSince(0, 0)
	require.NoError(t, err)
	assert.False(t, changes[len(changes)-1].FromRemote)
}

func TestPutRevisionResolverDeletes(t *testing.T) {
	local, remote := divergedPair(t)
	rev, err := remote.Revision("d")
	require.NoError(t, err)

	res, err := local.PutRevision(rev, func(l, r *Document) *Document { return nil })
	require.NoError(t, err)
	assert.Equal(t, PutResolved, res)
	got, err := local.Document("d")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
}

func TestPutRevisionResolverPanics(t *testing.T) {
	local, remote := divergedPair(t)
	rev, err := remote.Revision("d")
	require.NoError(t, err)
	_, err = local.PutRevision(rev, func(l, r *Document) *Document { panic("bad resolver") })
	assert.ErrorContains(t, err, "bad resolver")
}

func TestDefaultConflictResolver(t *testing.T) {
	lo := &Document{revID: "3-aaaa"}
	hi := &Document{revID: "4-0000"}
	hi2 := &Document{revID: "4-ffff"}

	assert.Same(t, hi, DefaultConflictResolver(lo, hi))
	assert.Same(t, hi, DefaultConflictResolver(hi, lo))
	assert.Same(t, hi2, DefaultConflictResolver(hi, hi2))
	assert.Nil(t, DefaultConflictResolver(nil, hi))
	assert.Nil(t, DefaultConflictResolver(hi, nil))

	// a deletion beats an edit on either side
	local, remote := divergedPair(t)
	rdoc, err := remote.Document("d")
	require.NoError(t, err)
	require.NoError(t, remote.Delete(rdoc))
	assert.Equal(t, PutResolved, replicate(t, remote, local, "d", DefaultConflictResolver))
	got, err := local.Document("d")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
}

func TestPutRevisionConvergesBothWays(t *testing.T) {
	local, remote := divergedPair(t)

	// each side resolves the other's revision with the default resolver
	lrev, err := local.Revision("d")
	require.NoError(t, err)
	rrev, err := remote.Revision("d")
	require.NoError(t, err)
	_, err = local.PutRevision(rrev, DefaultConflictResolver)
	require.NoError(t, err)
	_, err = remote.PutRevision(lrev, DefaultConflictResolver)
	require.NoError(t, err)

	// then sync until quiet
	for range 3 {
		replicate(t, local, remote, "d", DefaultConflictResolver)
		replicate(t, remote, local, "d", DefaultConflictResolver)
	}
	l, err := local.Document("d")
	require.NoError(t, err)
	r, err := remote.Document("d")
	require.NoError(t, err)
	assert.Equal(t, l.RevisionID(), r.RevisionID())
	assert.Equal(t, l.Properties(), r.Properties())
}
