package syncdb

import (
	"errors"
	"time"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

// ConcurrencyControl decides what a save does when the stored revision is
// not the one the document was based on.
type ConcurrencyControl int

const (
	// LastWriteWins overwrites the newer stored revision.
	LastWriteWins ConcurrencyControl = iota
	// FailOnConflict returns Conflict and writes nothing.
	FailOnConflict
)

// ConflictHandler merges a conflicting save. It receives the document being
// saved and the stored revision (nil if it has been deleted), updates mine
// and returns true to retry the save, or false to give up.
type ConflictHandler func(mine *MutableDocument, existing *Document) bool

const maxResolveAttempts = 16

func (tx *tx) docsBucket(cs *collectionState) storageBucket {
	return tx.stx.Bucket(cs.bucket(), docsBucket)
}

func (tx *tx) loadRecord(cs *collectionState, id string) (*docRecord, error) {
	data := tx.docsBucket(cs).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	rec, err := openRecord(tx.e.cipher, id, data)
	if err != nil {
		return nil, collErrf(cs.fullName(), "", id, err, "")
	}
	return rec, nil
}

// liveRecord loads a record, treating an expired one as absent.
func (tx *tx) liveRecord(cs *collectionState, id string) (*docRecord, error) {
	rec, err := tx.loadRecord(cs, id)
	if rec != nil && rec.expired(tx.e.now().UnixMilli()) {
		return nil, nil
	}
	return rec, err
}

func (tx *tx) forEachRecord(cs *collectionState, f func(id string, rec *docRecord) error) error {
	c := tx.docsBucket(cs).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec, err := openRecord(tx.e.cipher, string(k), v)
		if err != nil {
			return collErrf(cs.fullName(), "", string(k), err, "")
		}
		if err := f(string(k), rec); err != nil {
			return err
		}
	}
	return nil
}

func expKey(ms int64, id string) []byte {
	return append(uint64Key(uint64(ms)), id...)
}

// writeRecord stores rec as the current revision of id, replacing old (nil
// if there was none), and maintains the sequence, expiration and index
// buckets.
func (tx *tx) writeRecord(cs *collectionState, id string, old, rec *docRecord, props value.Dict) error {
	var oldProps value.Dict
	if old != nil && !old.deleted() {
		var err error
		if oldProps, err = old.props(); err != nil {
			return collErrf(cs.fullName(), "", id, err, "")
		}
	}
	var newProps value.Dict
	if !rec.deleted() {
		newProps = props
	}
	if err := tx.updateIndexes(cs, id, old, oldProps, rec, newProps); err != nil {
		return err
	}

	seqs := tx.stx.Bucket(cs.bucket(), seqBucket)
	exps := tx.stx.Bucket(cs.bucket(), expBucket)
	if old != nil {
		if err := seqs.Delete(uint64Key(old.Seq)); err != nil {
			return dberr.FromStorage(err)
		}
		if old.Exp != 0 && old.Exp != rec.Exp {
			if err := exps.Delete(expKey(old.Exp, id)); err != nil {
				return dberr.FromStorage(err)
			}
		}
	}
	if err := seqs.Put(uint64Key(rec.Seq), []byte(id)); err != nil {
		return dberr.FromStorage(err)
	}
	if rec.Exp != 0 {
		if err := exps.Put(expKey(rec.Exp, id), []byte{}); err != nil {
			return dberr.FromStorage(err)
		}
	}
	data, err := sealRecord(tx.e.cipher, id, rec)
	if err != nil {
		return err
	}
	if err := tx.docsBucket(cs).Put([]byte(id), data); err != nil {
		return dberr.FromStorage(err)
	}

	op := OpPut
	if rec.deleted() {
		op = OpDelete
	}
	tx.notify(docChange{collID: cs.ID, scope: cs.Scope, coll: cs.Name, docID: id, op: op, seq: rec.Seq})
	return nil
}

func (tx *tx) purgeRecord(cs *collectionState, id string, rec *docRecord) error {
	var props value.Dict
	if !rec.deleted() {
		var err error
		if props, err = rec.props(); err != nil {
			return collErrf(cs.fullName(), "", id, err, "")
		}
	}
	if err := tx.updateIndexes(cs, id, rec, props, nil, nil); err != nil {
		return err
	}
	if err := tx.stx.Bucket(cs.bucket(), seqBucket).Delete(uint64Key(rec.Seq)); err != nil {
		return dberr.FromStorage(err)
	}
	if rec.Exp != 0 {
		if err := tx.stx.Bucket(cs.bucket(), expBucket).Delete(expKey(rec.Exp, id)); err != nil {
			return dberr.FromStorage(err)
		}
	}
	if err := tx.docsBucket(cs).Delete([]byte(id)); err != nil {
		return dberr.FromStorage(err)
	}
	tx.notify(docChange{collID: cs.ID, scope: cs.Scope, coll: cs.Name, docID: id, op: OpPurge})
	if tx.e.verbose() {
		tx.e.log.Debug().Msgf("db: PURGE %s/%s", cs.fullName(), id)
	}
	return nil
}

// saveLocal writes a new local revision of doc on top of whatever is
// stored, following cc when the stored revision is not doc's base.
func (tx *tx) saveLocal(c *Collection, doc *Document, deleting bool, cc ConcurrencyControl) error {
	cs, err := c.state(tx)
	if err != nil {
		return err
	}
	rec, err := tx.loadRecord(cs, doc.id)
	if err != nil {
		return err
	}
	if rec != nil && rec.expired(tx.e.now().UnixMilli()) {
		if err := tx.purgeRecord(cs, doc.id, rec); err != nil {
			return err
		}
		rec = nil
	}
	if rec == nil && deleting {
		return notFoundf("%s/%s", c.FullName(), doc.id)
	}

	if rec != nil {
		var conflict bool
		if doc.revID == "" {
			conflict = !rec.deleted()
		} else {
			conflict = doc.revID != rec.RevID
		}
		if conflict && cc == FailOnConflict {
			return conflictf("%s/%s: stored revision %s, document based on %q", c.FullName(), doc.id, rec.RevID, doc.revID)
		}
	}

	props := doc.props
	if deleting {
		props = value.Dict{}
	}
	body, err := value.EncodeDict(props)
	if err != nil {
		return collErrf(c.FullName(), "", doc.id, err, "")
	}

	next := &docRecord{Seq: tx.nextSeq()}
	var parent string
	if rec != nil {
		parent = rec.RevID
		next.History = childHistory(rec.RevID, rec.History)
		next.Exp = rec.Exp
	}
	if deleting {
		next.Flags |= flagDeleted
	}
	next.Body = body
	next.RevID = newRevID(parent, deleting, body)

	if err := tx.writeRecord(cs, doc.id, rec, next, props); err != nil {
		return err
	}
	if tx.e.verbose() {
		verb := "PUT"
		if deleting {
			verb = "DELETE"
		}
		tx.e.log.Debug().Msgf("db: %s %s/%s %s", verb, cs.fullName(), doc.id, next.RevID)
	}

	doc.coll = c
	doc.revID = next.RevID
	doc.seq = next.Seq
	doc.deleted = deleting
	if deleting {
		doc.props = value.Dict{}
	}
	return nil
}

func (c *Collection) checkOwnership(doc *Document) error {
	if doc.coll != nil && (doc.coll.db.e != c.db.e || doc.coll.id != c.id) {
		return badParamf("document %s belongs to collection %s", doc.id, doc.coll.FullName())
	}
	return validateDocID(doc.id)
}

// Document returns the current revision of a document. Deleted documents
// are returned as tombstones; purged and expired ones are NotFound.
func (c *Collection) Document(id string) (*Document, error) {
	var doc *Document
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		rec, err := tx.liveRecord(cs, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFoundf("%s/%s", c.FullName(), id)
		}
		doc, err = recordDocument(c, id, rec)
		return err
	})
	return doc, err
}

// MutableDocument loads a document for editing.
func (c *Collection) MutableDocument(id string) (*MutableDocument, error) {
	doc, err := c.Document(id)
	if err != nil {
		return nil, err
	}
	return &MutableDocument{Document: *doc}, nil
}

func (c *Collection) Save(doc *MutableDocument) error {
	return c.SaveWithConcurrencyControl(doc, LastWriteWins)
}

// SaveWithConcurrencyControl saves doc as a new revision. On success the
// document's revision ID and sequence are updated.
func (c *Collection) SaveWithConcurrencyControl(doc *MutableDocument, cc ConcurrencyControl) error {
	if err := c.checkOwnership(&doc.Document); err != nil {
		return err
	}
	return c.db.write(func(tx *tx) error {
		return tx.saveLocal(c, &doc.Document, false, cc)
	})
}

// SaveResolving saves doc, calling handler to merge whenever the stored
// revision has moved on since doc was loaded.
func (c *Collection) SaveResolving(doc *MutableDocument, handler ConflictHandler) error {
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		err := c.SaveWithConcurrencyControl(doc, FailOnConflict)
		if !errors.Is(err, ErrConflict) {
			return err
		}

		existing, err := c.Document(doc.id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var base string
		if existing != nil {
			base = existing.revID
			if existing.deleted {
				existing = nil
			}
		}
		if !callConflictHandler(handler, doc, existing) {
			return conflictf("%s/%s: conflict handler gave up", c.FullName(), doc.id)
		}
		doc.revID = base
	}
	return conflictf("%s/%s: still conflicting after %d attempts", c.FullName(), doc.id, maxResolveAttempts)
}

func callConflictHandler(handler ConflictHandler, mine *MutableDocument, existing *Document) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
		}
	}()
	return handler(mine, existing)
}

func (c *Collection) Delete(doc *Document) error {
	return c.DeleteWithConcurrencyControl(doc, LastWriteWins)
}

// DeleteWithConcurrencyControl replaces the document with a tombstone
// revision, which replicates like any other revision.
func (c *Collection) DeleteWithConcurrencyControl(doc *Document, cc ConcurrencyControl) error {
	if err := c.checkOwnership(doc); err != nil {
		return err
	}
	return c.db.write(func(tx *tx) error {
		return tx.saveLocal(c, doc, true, cc)
	})
}

// Purge removes every trace of a document. Purges are not replicated.
func (c *Collection) Purge(doc *Document) error {
	return c.PurgeByID(doc.id)
}

func (c *Collection) PurgeByID(id string) error {
	return c.db.write(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		rec, err := tx.loadRecord(cs, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFoundf("%s/%s", c.FullName(), id)
		}
		return tx.purgeRecord(cs, id, rec)
	})
}

// Expiration returns when the document expires, or the zero time.
func (c *Collection) Expiration(id string) (time.Time, error) {
	var exp time.Time
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		rec, err := tx.liveRecord(cs, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFoundf("%s/%s", c.FullName(), id)
		}
		if rec.Exp != 0 {
			exp = time.UnixMilli(rec.Exp)
		}
		return nil
	})
	return exp, err
}

// SetExpiration makes the document expire at t; the zero time clears the
// expiration. Once expired, the document reads as NotFound and is purged
// by the background sweeper.
func (c *Collection) SetExpiration(id string, t time.Time) error {
	var ms int64
	if !t.IsZero() {
		ms = max(t.UnixMilli(), 1)
	}
	return c.db.write(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		rec, err := tx.liveRecord(cs, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFoundf("%s/%s", c.FullName(), id)
		}
		if rec.Exp == ms {
			return nil
		}
		exps := tx.stx.Bucket(cs.bucket(), expBucket)
		if rec.Exp != 0 {
			if err := exps.Delete(expKey(rec.Exp, id)); err != nil {
				return dberr.FromStorage(err)
			}
		}
		if ms != 0 {
			if err := exps.Put(expKey(ms, id), []byte{}); err != nil {
				return dberr.FromStorage(err)
			}
		}
		rec.Exp = ms
		data, err := sealRecord(tx.e.cipher, id, rec)
		if err != nil {
			return err
		}
		return dberr.FromStorage(tx.docsBucket(cs).Put([]byte(id), data))
	})
}

// Count returns the number of live documents.
func (c *Collection) Count() (uint64, error) {
	var n uint64
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		now := tx.e.now().UnixMilli()
		return tx.forEachRecord(cs, func(id string, rec *docRecord) error {
			if !rec.deleted() && !rec.expired(now) {
				n++
			}
			return nil
		})
	})
	return n, err
}
