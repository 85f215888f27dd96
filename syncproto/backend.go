package syncproto

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

// ChannelsProperty is the document property listing its channels, either a
// string or an array of strings.
const ChannelsProperty = "channels"

// AllChannels grants access to every document.
const AllChannels = "*"

// Access is what the principal on the other side of a Backend may do.
type Access struct {
	User     string
	Channels []string
	ReadOnly bool
}

// FullAccess is used for databases replicating within one process.
var FullAccess = Access{Channels: []string{AllChannels}}

func (a Access) all() bool {
	return slices.Contains(a.Channels, AllChannels)
}

// CanSee reports whether a document in the given channels is visible.
func (a Access) CanSee(docChannels []string) bool {
	return a.all() || intersects(a.Channels, docChannels)
}

// DocumentChannels returns the channels listed in a document body.
func DocumentChannels(body value.Dict) []string {
	switch v := body[ChannelsProperty].(type) {
	case string:
		return []string{v}
	case value.Array:
		var result []string
		for _, el := range v {
			if s, ok := el.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if slices.Contains(b, s) {
			return true
		}
	}
	return false
}

// Backend answers protocol requests against a local database.
type Backend struct {
	db          *syncdb.Database
	collections []string
	access      func() Access
	log         zerolog.Logger

	mu     sync.Mutex
	tokens []*syncdb.ListenerToken
	closed bool
	peer   string // database UUID announced in Hello
}

var _ Peer = (*Backend)(nil)

// NewBackend serves the given collections (full names; nil serves all) of
// db to a principal with the given access. The backend keeps its own
// database handle.
func NewBackend(db *syncdb.Database, collections []string, access Access, log zerolog.Logger) *Backend {
	return NewDynamicBackend(db, collections, func() Access { return access }, log)
}

// NewDynamicBackend is NewBackend for a principal whose access can change
// while connected; access is consulted on every request.
func NewDynamicBackend(db *syncdb.Database, collections []string, access func() Access, log zerolog.Logger) *Backend {
	return &Backend{
		db:          db.Retain(),
		collections: collections,
		access:      access,
		log:         log,
	}
}

func (b *Backend) collection(fullName string) (*syncdb.Collection, error) {
	if b.collections != nil && !slices.Contains(b.collections, fullName) {
		return nil, dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "collection %s is not served", fullName)
	}
	scope, name, found := strings.Cut(fullName, ".")
	if !found {
		scope, name = syncdb.DefaultScopeName, fullName
	}
	c, err := b.db.Collection(name, scope)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "collection %s does not exist", fullName)
	}
	return c, nil
}

func (b *Backend) Hello(ctx context.Context, req *HelloRequest) (*HelloResponse, error) {
	uuid := b.db.UUID()
	if req.DatabaseUUID == uuid {
		return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "cannot replicate a database with itself")
	}
	colls := b.collections
	if colls == nil {
		scopes, err := b.db.ScopeNames()
		if err != nil {
			return nil, err
		}
		for _, scope := range scopes {
			names, err := b.db.CollectionNames(scope)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				colls = append(colls, scope+"."+name)
			}
		}
	}
	b.mu.Lock()
	b.peer = req.DatabaseUUID
	b.mu.Unlock()
	access := b.access()
	b.log.Debug().Str("client", req.Client).Str("peer", req.DatabaseUUID).Str("user", access.User).Msg("sync: hello")
	return &HelloResponse{
		DatabaseUUID: uuid,
		User:         access.User,
		ReadOnly:     access.ReadOnly,
		Collections:  colls,
	}, nil
}

// Changes lists the changes after req.Since. Documents the principal cannot
// see are reported as removals so that a client holding a copy can drop
// it; documents outside of req.Channels are left out. Deletions carry no
// channels and are reported to everyone.
func (b *Backend) Changes(ctx context.Context, req *ChangesRequest) (*ChangesResponse, error) {
	c, err := b.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	raw, err := c.ChangesSince(req.Since, limit)
	if err != nil {
		return nil, err
	}
	access := b.access()
	filterChannels := !access.all() || len(req.Channels) > 0

	resp := &ChangesResponse{LastSeq: req.Since, Done: len(raw) < limit}
	for _, ch := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp.LastSeq = ch.Sequence
		if len(req.DocIDs) > 0 && !slices.Contains(req.DocIDs, ch.DocID) {
			continue
		}
		entry := Change{Seq: ch.Sequence, DocID: ch.DocID, RevID: ch.RevID, Deleted: ch.Deleted}
		if filterChannels && !ch.Deleted {
			rev, err := c.Revision(ch.DocID)
			if errors.Is(err, syncdb.ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			chans := DocumentChannels(rev.Body)
			if !access.CanSee(chans) {
				entry.Removed = true
			} else if len(req.Channels) > 0 && !intersects(req.Channels, chans) {
				continue
			}
		}
		resp.Changes = append(resp.Changes, entry)
	}
	return resp, nil
}

// Revisions returns the current revisions of the requested documents,
// omitting the ones that do not exist or are not visible.
func (b *Backend) Revisions(ctx context.Context, req *RevisionsRequest) ([]*Revision, error) {
	c, err := b.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	access := b.access()
	var result []*Revision
	for _, id := range req.DocIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rev, err := c.Revision(id)
		if errors.Is(err, syncdb.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if !rev.Deleted && !access.CanSee(DocumentChannels(rev.Body)) {
			continue
		}
		wire, err := EncodeRevision(rev)
		if err != nil {
			return nil, err
		}
		result = append(result, wire)
	}
	return result, nil
}

// Put stores pushed revisions. Conflicts are not resolved here: the pusher
// gets a Conflict for the document, pulls the winning revision and resolves
// on its side.
//
// A user may move a document into channels it cannot see; the next pull
// then reports the document as removed. Overwriting a document that is
// currently invisible to the user is refused.
func (b *Backend) Put(ctx context.Context, req *PutRequest) ([]PutResult, error) {
	access := b.access()
	if access.ReadOnly {
		return nil, dberr.Transport(403, "database is read-only")
	}
	c, err := b.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	results := make([]PutResult, 0, len(req.Revisions))
	for _, wire := range req.Revisions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := b.put(c, access, wire)
		if err != nil {
			b.log.Debug().Err(err).Str("coll", c.FullName()).Str("doc", wire.DocID).Msg("sync: rejected revision")
		}
		results = append(results, PutResult{DocID: wire.DocID, Error: ErrorFrom(err)})
	}
	return results, nil
}

func (b *Backend) put(c *syncdb.Collection, access Access, wire *Revision) error {
	rev, err := DecodeRevision(wire)
	if err != nil {
		return err
	}
	if !access.all() {
		cur, err := c.Revision(rev.DocID)
		if err != nil && !errors.Is(err, syncdb.ErrNotFound) {
			return err
		}
		if cur != nil && !cur.Deleted && !access.CanSee(DocumentChannels(cur.Body)) {
			return dberr.Transport(403, "document is outside of the user's channels")
		}
	}
	b.mu.Lock()
	rev.Source = b.peer
	b.mu.Unlock()
	_, err = c.PutRevision(rev, nil)
	return err
}

func (b *Backend) Subscribe(ctx context.Context, req *SubscribeRequest, notify func(Notification)) error {
	var colls []*syncdb.Collection
	for _, name := range req.Collections {
		c, err := b.collection(name)
		if err != nil {
			return err
		}
		colls = append(colls, c)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "backend is closed")
	}
	for _, c := range colls {
		name := c.FullName()
		token, err := c.AddChangeListener(func(syncdb.CollectionChange) {
			notify(Notification{Collection: name})
		})
		if err != nil {
			return err
		}
		b.tokens = append(b.tokens, token)
	}
	return nil
}

// Close removes subscriptions and releases the database handle.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tokens := b.tokens
	b.tokens = nil
	b.mu.Unlock()

	for _, t := range tokens {
		t.Remove()
	}
	return b.db.Close()
}

// EncodeRevision converts a stored revision to its wire form.
func EncodeRevision(rev *syncdb.Revision) (*Revision, error) {
	wire := &Revision{
		DocID:   rev.DocID,
		RevID:   rev.RevID,
		History: rev.History,
		Deleted: rev.Deleted,
	}
	if !rev.Deleted {
		body, err := value.EncodeDict(rev.Body)
		if err != nil {
			return nil, err
		}
		wire.Body = body
	}
	return wire, nil
}

func DecodeRevision(wire *Revision) (*syncdb.Revision, error) {
	rev := &syncdb.Revision{
		DocID:   wire.DocID,
		RevID:   wire.RevID,
		History: wire.History,
		Deleted: wire.Deleted,
	}
	if !wire.Deleted {
		body, err := value.DecodeDict(wire.Body)
		if err != nil {
			return nil, err
		}
		rev.Body = body
	}
	return rev, nil
}
