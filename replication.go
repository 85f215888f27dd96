package syncdb

import (
	"bytes"
	"fmt"
	"runtime/debug"

	"github.com/andreyvit/syncdb/value"
)

// Change is one entry of a collection's change feed: the current revision
// of a document, keyed by the sequence it was last written at.
type Change struct {
	Sequence   uint64
	DocID      string
	RevID      string
	Deleted    bool
	FromRemote bool
	// Source is the UUID of the database a remote revision came from.
	Source string
}

// ChangesSince returns the documents written after sequence since, in
// sequence order. Each document appears once, at its latest sequence;
// purged documents do not appear. limit <= 0 means no limit.
func (c *Collection) ChangesSince(since uint64, limit int) ([]Change, error) {
	var changes []Change
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		now := tx.e.now().UnixMilli()
		cur := tx.stx.Bucket(cs.bucket(), seqBucket).Cursor()
		for k, v := cur.Seek(uint64Key(since + 1)); k != nil; k, v = cur.Next() {
			seq := decodeUint64(k)
			if len(k) != 8 {
				return corruptf("%s: invalid sequence key %s", cs.fullName(), hexstr(k))
			}
			id := string(v)
			rec, err := tx.loadRecord(cs, id)
			if err != nil {
				return err
			}
			if rec == nil || rec.Seq != seq {
				return corruptf("%s: sequence %d points to %q which is not at that sequence", cs.fullName(), seq, id)
			}
			if rec.expired(now) {
				continue
			}
			changes = append(changes, Change{
				Sequence:   seq,
				DocID:      id,
				RevID:      rec.RevID,
				Deleted:    rec.deleted(),
				FromRemote: rec.Flags.Contains(flagFromRemote),
				Source:     rec.Source,
			})
			if limit > 0 && len(changes) >= limit {
				break
			}
		}
		return nil
	})
	return changes, err
}

// Revision is a document revision as exchanged with a replication peer.
type Revision struct {
	DocID   string
	RevID   string
	History []string // ancestors, newest first
	Deleted bool
	Body    value.Dict

	// Sequence is the local sequence of the revision; it is ignored by
	// PutRevision.
	Sequence   uint64
	FromRemote bool

	// Source is the UUID of the database the revision was received from.
	// PutRevision records it so that the revision is not sent back there.
	Source string
}

func (rev *Revision) String() string {
	if rev.Deleted {
		return fmt.Sprintf("%s@%s (deleted)", rev.DocID, rev.RevID)
	}
	return rev.DocID + "@" + rev.RevID
}

// Document returns a read-only snapshot of the revision as if it were
// loaded from c.
func (rev *Revision) Document(c *Collection) *Document {
	return &Document{
		coll:    c,
		id:      rev.DocID,
		revID:   rev.RevID,
		seq:     rev.Sequence,
		deleted: rev.Deleted,
		props:   value.CopyDict(rev.Body),
	}
}

// Revision returns the current revision of a document, tombstones included.
func (c *Collection) Revision(docID string) (*Revision, error) {
	var rev *Revision
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		rec, err := tx.liveRecord(cs, docID)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFoundf("%s/%s", c.FullName(), docID)
		}
		rev, err = recordRevision(docID, rec)
		if err != nil {
			return collErrf(c.FullName(), "", docID, err, "")
		}
		return nil
	})
	return rev, err
}

func recordRevision(id string, rec *docRecord) (*Revision, error) {
	rev := &Revision{
		DocID:      id,
		RevID:      rec.RevID,
		History:    append([]string(nil), rec.History...),
		Deleted:    rec.deleted(),
		Sequence:   rec.Seq,
		FromRemote: rec.Flags.Contains(flagFromRemote),
		Source:     rec.Source,
	}
	if !rev.Deleted {
		body, err := rec.props()
		if err != nil {
			return nil, err
		}
		rev.Body = body
	}
	return rev, nil
}

// ConflictResolver picks the winner of a replication conflict. local and
// remote are nil when that side is a deletion. Returning remote stores the
// remote revision as is; returning any other document (local, or a merge)
// stores its body as a new revision on top of remote; returning nil stores
// a deletion on top of remote.
type ConflictResolver func(local, remote *Document) *Document

// PutResult says what PutRevision did.
type PutResult int

const (
	// PutNoop means the revision was already known.
	PutNoop PutResult = iota
	// PutInserted means the document did not exist locally.
	PutInserted
	// PutFastForward means the revision descended from the local one.
	PutFastForward
	// PutResolved means the revision conflicted and the resolver decided.
	PutResolved
)

func (v PutResult) String() string {
	switch v {
	case PutNoop:
		return "noop"
	case PutInserted:
		return "inserted"
	case PutFastForward:
		return "fast-forward"
	case PutResolved:
		return "resolved"
	default:
		return fmt.Sprintf("invalid put result %d", int(v))
	}
}

// PutRevision stores a revision received from a peer. A revision that does
// not descend from the local one is a conflict, settled by resolve. With a
// nil resolver a conflict returns Conflict and changes nothing.
//
// The resolver runs outside of any transaction and may read the database.
// If the local document changes while it runs, the conflict is resolved
// again.
func (c *Collection) PutRevision(rev *Revision, resolve ConflictResolver) (PutResult, error) {
	if err := validateDocID(rev.DocID); err != nil {
		return PutNoop, err
	}
	if gen, _, ok := parseRevID(rev.RevID); !ok || gen == 0 {
		return PutNoop, badParamf("%s/%s: invalid revision ID %q", c.FullName(), rev.DocID, rev.RevID)
	}
	body := rev.Body
	if rev.Deleted || body == nil {
		body = value.Dict{}
	}
	encoded, err := value.EncodeDict(body)
	if err != nil {
		return PutNoop, collErrf(c.FullName(), "", rev.DocID, err, "")
	}
	history := rev.History
	if len(history) > maxHistory {
		history = history[:maxHistory]
	}

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		var (
			result   PutResult
			conflict *docRecord
		)
		err := c.db.write(func(tx *tx) error {
			cs, err := c.state(tx)
			if err != nil {
				return err
			}
			rec, err := tx.liveRecord(cs, rev.DocID)
			if err != nil {
				return err
			}
			switch {
			case rec == nil:
				result = PutInserted
			case rec.knows(rev.RevID):
				result = PutNoop
				return nil
			case contains(history, rec.RevID):
				result = PutFastForward
			default:
				conflict = rec
				return nil
			}
			return tx.putRemote(cs, rev, history, encoded, body)
		})
		if err != nil || conflict == nil {
			return result, err
		}

		if resolve == nil {
			return PutNoop, conflictf("%s/%s: remote revision %s conflicts with local %s", c.FullName(), rev.DocID, rev.RevID, conflict.RevID)
		}
		local, err := recordDocument(c, rev.DocID, conflict)
		if err != nil {
			return PutNoop, err
		}
		if local.deleted {
			local = nil
		}
		var remote *Document
		if !rev.Deleted {
			remote = &Document{coll: c, id: rev.DocID, revID: rev.RevID, props: value.CopyDict(body)}
		}
		winner, err := callResolver(resolve, local, remote)
		if err != nil {
			return PutNoop, collErrf(c.FullName(), "", rev.DocID, err, "conflict resolver failed")
		}

		stale := false
		err = c.db.write(func(tx *tx) error {
			cs, err := c.state(tx)
			if err != nil {
				return err
			}
			rec, err := tx.liveRecord(cs, rev.DocID)
			if err != nil {
				return err
			}
			if rec == nil || rec.RevID != conflict.RevID {
				stale = true
				return nil
			}
			if winner == remote {
				return tx.putRemote(cs, rev, history, encoded, body)
			}
			return tx.putMerged(cs, rev, history, winner)
		})
		if err != nil {
			return PutNoop, err
		}
		if !stale {
			if c.db.e.verbose() {
				c.db.e.log.Debug().Msgf("db: RESOLVED %s/%s local=%s remote=%s", c.FullName(), rev.DocID, conflict.RevID, rev.RevID)
			}
			return PutResolved, nil
		}
	}
	return PutNoop, conflictf("%s/%s: still conflicting after %d attempts", c.FullName(), rev.DocID, maxResolveAttempts)
}

func callResolver(resolve ConflictResolver, local, remote *Document) (winner *Document, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return resolve(local, remote), nil
}

// putRemote stores a peer's revision verbatim.
func (tx *tx) putRemote(cs *collectionState, rev *Revision, history []string, encoded []byte, body value.Dict) error {
	id := rev.DocID
	old, err := tx.loadRecord(cs, id)
	if err != nil {
		return err
	}
	rec := &docRecord{
		RevID:   rev.RevID,
		Seq:     tx.nextSeq(),
		Flags:   flagFromRemote,
		Body:    encoded,
		History: append([]string(nil), history...),
		Source:  rev.Source,
	}
	if rev.Deleted {
		rec.Flags |= flagDeleted
	}
	if old != nil && !old.expired(tx.e.now().UnixMilli()) {
		rec.Exp = old.Exp
	}
	if err := tx.writeRecord(cs, id, old, rec, body); err != nil {
		return err
	}
	if tx.e.verbose() {
		tx.e.log.Debug().Msgf("db: PULL %s/%s %s", cs.fullName(), id, rev.RevID)
	}
	return nil
}

// putMerged stores the resolver's choice as a local child of the remote
// revision, so that it replaces both sides on every peer.
func (tx *tx) putMerged(cs *collectionState, rev *Revision, history []string, winner *Document) error {
	old, err := tx.loadRecord(cs, rev.DocID)
	if err != nil {
		return err
	}
	deleted := winner == nil
	props := value.Dict{}
	if !deleted {
		props = value.CopyDict(winner.props)
		if props == nil {
			props = value.Dict{}
		}
	}
	body, err := value.EncodeDict(props)
	if err != nil {
		return collErrf(cs.fullName(), "", rev.DocID, err, "")
	}
	rec := &docRecord{
		Seq:     tx.nextSeq(),
		Body:    body,
		History: childHistory(rev.RevID, history),
		Exp:     old.Exp,
	}
	if deleted {
		rec.Flags |= flagDeleted
	}
	rec.RevID = newRevID(rev.RevID, deleted, body)

	// Both sides resolving identically produce the same revision, which
	// the local side may already hold.
	if rec.RevID == old.RevID && bytes.Equal(body, old.Body) {
		return nil
	}
	return tx.writeRecord(cs, rev.DocID, old, rec, props)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultConflictResolver makes a deletion win over an edit; between two
// edits, the higher generation wins, then the higher revision ID.
func DefaultConflictResolver(local, remote *Document) *Document {
	if local == nil || remote == nil {
		return nil
	}
	if CompareRevisionIDs(remote.revID, local.revID) >= 0 {
		return remote
	}
	return local
}
