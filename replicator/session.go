package replicator

import (
	"context"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/syncproto"
)

const clientName = "syncdb-replicator"

// maxRounds bounds the push/pull rounds of one pass. Another round runs
// when pulling resolved a conflict whose merge still has to be pushed.
const maxRounds = 3

// checkpoint records how far each direction got. Local is a local
// sequence, Remote a sequence of the peer identified by RemoteUUID.
type checkpoint struct {
	RemoteUUID string `msgpack:"uuid"`
	Local      uint64 `msgpack:"local"`
	Remote     uint64 `msgpack:"remote"`
}

type collState struct {
	cfg   CollectionConfiguration
	name  string
	scope string
	coll  string
	cpID  string

	mu       sync.Mutex
	cp       checkpoint
	loaded   bool
	resolved int
}

func newCollState(cc CollectionConfiguration, cfg *Configuration) *collState {
	c := cc.Collection
	cs := &collState{
		cfg:   cc,
		name:  c.FullName(),
		scope: c.Scope().Name(),
		coll:  c.Name(),
	}
	cs.cpID = checkpointID(cfg, cc, c.Database().UUID(), cs.name)
	return cs
}

// checkpointID identifies the replication of one collection: changing the
// endpoint, the direction or the filters starts over.
func checkpointID(cfg *Configuration, cc CollectionConfiguration, localUUID, name string) string {
	h := xxhash.New()
	write := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	write(localUUID)
	write(cfg.Endpoint.String())
	write(name)
	write(cfg.Type.String())
	write(strings.Join(slices.Sorted(slices.Values(cc.Channels)), ","))
	write(strings.Join(slices.Sorted(slices.Values(cc.DocumentIDs)), ","))
	return "repl:" + hex.EncodeToString(h.Sum(nil))
}

func (cs *collState) load(db *syncdb.Database, remoteUUID string, reset bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cp = checkpoint{RemoteUUID: remoteUUID}
	cs.loaded = true
	if reset {
		return nil
	}
	data, err := db.Checkpoint(cs.cpID)
	if err != nil || data == nil {
		return err
	}
	var stored checkpoint
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		return dberr.Wrap(dberr.DomainCodec, dberr.InvalidDataCode, err, "checkpoint %s", cs.cpID)
	}
	if stored.RemoteUUID == remoteUUID {
		cs.cp = stored
	}
	return nil
}

func (cs *collState) checkpoint() checkpoint {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cp
}

func (cs *collState) save(db *syncdb.Database, f func(cp *checkpoint)) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	f(&cs.cp)
	data, err := msgpack.Marshal(&cs.cp)
	if err != nil {
		return err
	}
	return db.SetCheckpoint(cs.cpID, data)
}

// storedCheckpoint returns the checkpoint, reading it from db when no
// session has loaded it yet.
func (cs *collState) storedCheckpoint(db *syncdb.Database) (checkpoint, error) {
	cs.mu.Lock()
	if cs.loaded {
		defer cs.mu.Unlock()
		return cs.cp, nil
	}
	cs.mu.Unlock()
	var stored checkpoint
	data, err := db.Checkpoint(cs.cpID)
	if err != nil || data == nil {
		return stored, err
	}
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		return checkpoint{}, dberr.Wrap(dberr.DomainCodec, dberr.InvalidDataCode, err, "checkpoint %s", cs.cpID)
	}
	return stored, nil
}

// session is one connection to the peer.
type session struct {
	r     *Replicator
	db    *syncdb.Database
	peer  syncproto.Peer
	colls []*syncdb.Collection
	wake  chan struct{}
}

// closeNotifier is implemented by peers whose connection can drop while
// the replicator is idle.
type closeNotifier interface {
	Done() <-chan struct{}
	Err() error
}

func (r *Replicator) runSession(ctx context.Context, reset bool, connected func()) error {
	if r.parent.IsClosed() {
		return dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "replicator: database is closed")
	}
	db := r.parent.Retain()
	defer db.Close()

	s := &session{r: r, db: db, wake: make(chan struct{}, 1)}
	for _, cs := range r.colls {
		c, err := db.Collection(cs.coll, cs.scope)
		if err != nil {
			return err
		}
		if c == nil {
			return dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "replicator: collection %s no longer exists", cs.name)
		}
		s.colls = append(s.colls, c)
	}

	peer, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer peer.Close()
	s.peer = peer

	hello, err := peer.Hello(ctx, &syncproto.HelloRequest{DatabaseUUID: db.UUID(), Client: clientName})
	if err != nil {
		return err
	}
	for _, cs := range r.colls {
		if !slices.Contains(hello.Collections, cs.name) {
			return dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "replicator: remote has no collection %s", cs.name)
		}
		if err := cs.load(db, hello.DatabaseUUID, reset); err != nil {
			return err
		}
	}
	r.log.Debug().Str("remote", hello.DatabaseUUID).Str("user", hello.User).Msg("replicator: connected")
	connected()

	if r.cfg.Continuous {
		if err := s.subscribe(ctx); err != nil {
			return err
		}
	}

	var heartbeat <-chan time.Time
	if r.cfg.Continuous {
		t := time.NewTicker(r.cfg.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}
	var peerDone <-chan struct{}
	cn, _ := peer.(closeNotifier)
	if cn != nil {
		peerDone = cn.Done()
	}

	for {
		r.transitionTo(Busy, nil)
		if err := s.syncPass(ctx); err != nil {
			return err
		}
		if !r.cfg.Continuous {
			return nil
		}
		r.transitionTo(Idle, nil)
		select {
		case <-ctx.Done():
			return nil
		case <-peerDone:
			return cn.Err()
		case <-s.wake:
		case <-heartbeat:
		}
	}
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// subscribe wakes the session when either side changes.
func (s *session) subscribe(ctx context.Context) error {
	r := s.r
	if r.cfg.Type.pulls() {
		names := make([]string, len(r.colls))
		for i, cs := range r.colls {
			names[i] = cs.name
		}
		err := s.peer.Subscribe(ctx, &syncproto.SubscribeRequest{Collections: names}, func(syncproto.Notification) {
			s.signal()
		})
		if err != nil {
			return err
		}
	}
	if r.cfg.Type.pushes() {
		for _, c := range s.colls {
			token, err := c.AddChangeListener(func(syncdb.CollectionChange) {
				s.signal()
			})
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				token.Remove()
			}()
		}
	}
	return nil
}

// syncPass pushes and pulls every collection until both sides are caught
// up.
func (s *session) syncPass(ctx context.Context) error {
	r := s.r
	for round := 0; round < maxRounds; round++ {
		g, gctx := errgroup.WithContext(ctx)
		for i, cs := range r.colls {
			c := s.colls[i]
			cs.resolved = 0
			if r.cfg.Type.pushes() {
				g.Go(func() error {
					return s.pushAll(gctx, cs, c)
				})
			}
			if r.cfg.Type.pulls() {
				g.Go(func() error {
					return s.pullAll(gctx, cs, c)
				})
			}
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		again := false
		for _, cs := range r.colls {
			if cs.resolved > 0 {
				again = true
			}
		}
		if !again || !r.cfg.Type.pushes() {
			return nil
		}
	}
	return nil
}

func (s *session) pushAll(ctx context.Context, cs *collState, c *syncdb.Collection) error {
	for {
		done, err := s.pushBatch(ctx, cs, c)
		if err != nil || done {
			return err
		}
	}
}

func (s *session) pullAll(ctx context.Context, cs *collState, c *syncdb.Collection) error {
	for {
		done, err := s.pullBatch(ctx, cs, c)
		if err != nil || done {
			return err
		}
	}
}

// pendingChange returns the revision a local change would push to the
// database remote, or nil if the change is not pushed. Revisions received
// from remote itself are not sent back; those received from other peers
// are.
func (r *Replicator) pendingChange(cs *collState, c *syncdb.Collection, ch syncdb.Change, remote string) (*syncdb.Revision, error) {
	if ch.Source != "" && ch.Source == remote {
		return nil, nil
	}
	if len(cs.cfg.DocumentIDs) > 0 && !slices.Contains(cs.cfg.DocumentIDs, ch.DocID) {
		return nil, nil
	}
	if r.isSkipped(cs.name, ch.DocID, ch.RevID) {
		return nil, nil
	}
	rev, err := c.Revision(ch.DocID)
	if errors.Is(err, syncdb.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if f := cs.cfg.PushFilter; f != nil {
		var flags DocumentFlags
		if rev.Deleted {
			flags |= Deleted
		}
		if !safelyFilter(r, f, rev.Document(c), flags) {
			return nil, nil
		}
	}
	return rev, nil
}

func (s *session) pushBatch(ctx context.Context, cs *collState, c *syncdb.Collection) (bool, error) {
	r := s.r
	cp := cs.checkpoint()
	changes, err := c.ChangesSince(cp.Local, r.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(changes) == 0 {
		return true, nil
	}
	r.updateProgress(func(p *Progress) { p.Total += uint64(len(changes)) })

	var (
		wires  []*syncproto.Revision
		events []ReplicatedDocument
	)
	for _, ch := range changes {
		rev, err := r.pendingChange(cs, c, ch, cp.RemoteUUID)
		if err != nil {
			return false, err
		}
		if rev == nil {
			continue
		}
		ev := ReplicatedDocument{ID: rev.DocID, RevID: rev.RevID, Scope: cs.scope, Collection: cs.coll}
		if rev.Deleted {
			ev.Flags |= Deleted
		} else {
			body, err := encryptProperties(r.cfg.PropertyEncryptor, cs.scope, cs.coll, rev.DocID, rev.Body)
			if isTemporaryCrypto(err) {
				return false, err
			} else if err != nil {
				r.log.Warn().Err(err).Str("coll", cs.name).Str("doc", rev.DocID).Msg("replicator: document skipped")
				r.markSkipped(cs.name, rev.DocID, rev.RevID)
				ev.Error = err
				events = append(events, ev)
				continue
			}
			rev.Body = body
		}
		wire, err := syncproto.EncodeRevision(rev)
		if err != nil {
			ev.Error = err
			events = append(events, ev)
			continue
		}
		wires = append(wires, wire)
		events = append(events, ev)
	}

	pushed := 0
	if len(wires) > 0 {
		results, err := s.peer.Put(ctx, &syncproto.PutRequest{Collection: cs.name, Revisions: wires})
		if err != nil {
			return false, err
		}
		byID := make(map[string]*syncproto.Error, len(results))
		for _, res := range results {
			byID[res.DocID] = res.Error
		}
		for i := range events {
			ev := &events[i]
			if ev.Error != nil {
				continue
			}
			if perr, found := byID[ev.ID]; !found {
				ev.Error = dberr.New(dberr.DomainEngine, dberr.UnexpectedCode, "peer did not acknowledge %s", ev.ID)
			} else if perr != nil {
				ev.Error = perr.Err()
			} else {
				pushed++
			}
		}
	}

	last := changes[len(changes)-1].Sequence
	if err := cs.save(s.db, func(cp *checkpoint) { cp.Local = last }); err != nil {
		return false, err
	}
	r.updateProgress(func(p *Progress) {
		p.Completed += uint64(len(changes))
		p.DocumentCount += uint64(pushed)
	})
	r.postDocuments(Pushed, events)
	return len(changes) < r.cfg.BatchSize, nil
}

func (s *session) pullBatch(ctx context.Context, cs *collState, c *syncdb.Collection) (bool, error) {
	r := s.r
	since := cs.checkpoint().Remote
	resp, err := s.peer.Changes(ctx, &syncproto.ChangesRequest{
		Collection: cs.name,
		Since:      since,
		Limit:      r.cfg.BatchSize,
		Channels:   cs.cfg.Channels,
		DocIDs:     cs.cfg.DocumentIDs,
	})
	if err != nil {
		return false, err
	}
	r.updateProgress(func(p *Progress) { p.Total += uint64(len(resp.Changes)) })

	var (
		want   []string
		events []ReplicatedDocument
	)
	for _, ch := range resp.Changes {
		local, err := c.Revision(ch.DocID)
		if errors.Is(err, syncdb.ErrNotFound) {
			local = nil
		} else if err != nil {
			return false, err
		}
		if ch.Removed {
			if ev, ok := s.accessRemoved(cs, c, ch, local); ok {
				events = append(events, ev)
			}
			continue
		}
		if local != nil && (local.RevID == ch.RevID || slices.Contains(local.History, ch.RevID)) {
			continue
		}
		if ch.Deleted && local == nil {
			continue
		}
		want = append(want, ch.DocID)
	}

	pulled := 0
	if len(want) > 0 {
		wires, err := s.peer.Revisions(ctx, &syncproto.RevisionsRequest{Collection: cs.name, DocIDs: want})
		if err != nil {
			return false, err
		}
		for _, wire := range wires {
			ev, err := s.pullRevision(cs, c, wire)
			if err != nil {
				return false, err
			}
			if ev == nil {
				continue
			}
			if ev.Error == nil {
				pulled++
			}
			events = append(events, *ev)
		}
	}

	if err := cs.save(s.db, func(cp *checkpoint) { cp.Remote = resp.LastSeq }); err != nil {
		return false, err
	}
	r.updateProgress(func(p *Progress) {
		p.Completed += uint64(len(resp.Changes))
		p.DocumentCount += uint64(pulled)
	})
	r.postDocuments(Pulled, events)
	return resp.Done || len(resp.Changes) == 0, nil
}

// accessRemoved handles a document the remote user can no longer see. Only
// documents with a live local copy are reported.
func (s *session) accessRemoved(cs *collState, c *syncdb.Collection, ch syncproto.Change, local *syncdb.Revision) (ReplicatedDocument, bool) {
	r := s.r
	if local == nil || local.Deleted {
		return ReplicatedDocument{}, false
	}
	if f := cs.cfg.PullFilter; f != nil && !safelyFilter(r, f, local.Document(c), AccessRemoved) {
		return ReplicatedDocument{}, false
	}
	ev := ReplicatedDocument{ID: ch.DocID, RevID: ch.RevID, Scope: cs.scope, Collection: cs.coll, Flags: AccessRemoved}
	if !r.cfg.DisableAutoPurge {
		if err := c.PurgeByID(ch.DocID); err != nil && !errors.Is(err, syncdb.ErrNotFound) {
			ev.Error = err
		}
	}
	return ev, true
}

// pullRevision stores one pulled revision. A nil event means the revision
// was filtered out; a returned error ends the session.
func (s *session) pullRevision(cs *collState, c *syncdb.Collection, wire *syncproto.Revision) (*ReplicatedDocument, error) {
	r := s.r
	ev := &ReplicatedDocument{ID: wire.DocID, RevID: wire.RevID, Scope: cs.scope, Collection: cs.coll}
	if wire.Deleted {
		ev.Flags |= Deleted
	}
	rev, err := syncproto.DecodeRevision(wire)
	if err != nil {
		ev.Error = err
		return ev, nil
	}
	rev.Source = cs.checkpoint().RemoteUUID
	if !rev.Deleted {
		body, err := decryptProperties(r.cfg.PropertyDecryptor, cs.scope, cs.coll, rev.DocID, rev.Body)
		if isTemporaryCrypto(err) {
			return nil, err
		} else if err != nil {
			r.log.Warn().Err(err).Str("coll", cs.name).Str("doc", rev.DocID).Msg("replicator: cannot decrypt pulled document")
			ev.Error = err
			return ev, nil
		}
		rev.Body = body
	}
	if f := cs.cfg.PullFilter; f != nil && !safelyFilter(r, f, rev.Document(c), ev.Flags) {
		return nil, nil
	}

	resolve := syncdb.DefaultConflictResolver
	if custom := cs.cfg.ConflictResolver; custom != nil {
		docID := rev.DocID
		resolve = func(local, remote *syncdb.Document) *syncdb.Document {
			return custom(docID, local, remote)
		}
	}
	result, err := c.PutRevision(rev, resolve)
	if err != nil {
		ev.Error = err
		return ev, nil
	}
	if result == syncdb.PutResolved {
		cs.mu.Lock()
		cs.resolved++
		cs.mu.Unlock()
	}
	if result == syncdb.PutNoop {
		return nil, nil
	}
	return ev, nil
}

// safelyFilter runs a user filter; a panicking filter rejects the document.
func safelyFilter(r *Replicator, f Filter, doc *syncdb.Document, flags DocumentFlags) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("doc", doc.ID()).Msgf("replicator: filter panicked: %v", p)
			ok = false
		}
	}()
	return f(doc, flags)
}

// PendingDocumentIDs lists the documents of c with local changes not yet
// pushed.
func (r *Replicator) PendingDocumentIDs(c *syncdb.Collection) ([]string, error) {
	if !r.cfg.Type.pushes() {
		return nil, dberr.New(dberr.DomainEngine, dberr.UnsupportedCode, "replicator: pending documents of a pull-only replicator")
	}
	cs, err := r.collState(c)
	if err != nil {
		return nil, err
	}
	cp, err := cs.storedCheckpoint(c.Database())
	if err != nil {
		return nil, err
	}
	since := cp.Local
	remote := cp.RemoteUUID
	if remote == "" && r.cfg.Endpoint.db != nil {
		remote = r.cfg.Endpoint.db.UUID()
	}
	var ids []string
	for {
		changes, err := c.ChangesSince(since, r.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		for _, ch := range changes {
			rev, err := r.pendingChange(cs, c, ch, remote)
			if err != nil {
				return nil, err
			}
			if rev != nil {
				ids = append(ids, rev.DocID)
			}
		}
		if len(changes) < r.cfg.BatchSize {
			break
		}
		since = changes[len(changes)-1].Sequence
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// IsDocumentPending reports whether docID has local changes not yet pushed.
func (r *Replicator) IsDocumentPending(c *syncdb.Collection, docID string) (bool, error) {
	ids, err := r.PendingDocumentIDs(c)
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearch(ids, docID)
	return found, nil
}
