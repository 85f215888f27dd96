package syncdb

import (
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

const maxDocIDLen = 250

// Document is a read-only snapshot of a document revision. Saving a document
// elsewhere does not change a snapshot; read it again to see the update.
type Document struct {
	coll    *Collection
	id      string
	revID   string
	seq     uint64
	deleted bool
	exp     time.Time
	props   value.Dict
}

func (d *Document) ID() string { return d.id }

// RevisionID returns the current revision, or "" for a document that has
// never been saved.
func (d *Document) RevisionID() string { return d.revID }

func (d *Document) Sequence() uint64 { return d.seq }

func (d *Document) IsDeleted() bool { return d.deleted }

// Expiration returns the expiration time loaded with the document, or the
// zero time.
func (d *Document) Expiration() time.Time { return d.exp }

// Collection returns the collection the document was loaded from or saved
// to, or nil.
func (d *Document) Collection() *Collection { return d.coll }

// Generation returns the number of revisions in the document's history.
func (d *Document) Generation() uint64 { return RevisionGeneration(d.revID) }

// Properties returns a copy of the document body. Tombstones have no
// properties.
func (d *Document) Properties() value.Dict {
	return value.CopyDict(d.props)
}

// Get returns one top-level property, or nil.
func (d *Document) Get(key string) any {
	return value.DeepCopy(d.props[key])
}

// Count returns the number of top-level properties.
func (d *Document) Count() int { return len(d.props) }

func (d *Document) PropertiesAsJSON() (string, error) {
	data, err := value.ToJSON(d.props)
	return string(data), err
}

// MutableCopy returns an editable copy based on the same revision.
func (d *Document) MutableCopy() *MutableDocument {
	md := &MutableDocument{Document: *d}
	md.props = value.CopyDict(d.props)
	return md
}

// MutableDocument is a document being edited. Saving it updates its
// revision ID and sequence in place.
type MutableDocument struct {
	Document
}

// NewDocument returns an empty document with a generated ID.
func NewDocument() *MutableDocument {
	return NewDocumentWithID(generateDocID())
}

func NewDocumentWithID(id string) *MutableDocument {
	return &MutableDocument{Document{id: id, props: value.Dict{}}}
}

func generateDocID() string {
	u := uuid.New()
	return "-" + base64.RawURLEncoding.EncodeToString(u[:])
}

func validateDocID(id string) error {
	if id == "" || len(id) > maxDocIDLen || !utf8.ValidString(id) {
		return dberr.New(dberr.DomainEngine, dberr.BadDocIDCode, "invalid document ID %q", id)
	}
	return nil
}

// Set sets a top-level property. v is normalized to the value model.
func (md *MutableDocument) Set(key string, v any) error {
	nv, err := value.Normalize(v)
	if err != nil {
		return err
	}
	if md.props == nil {
		md.props = value.Dict{}
	}
	md.props[key] = nv
	return nil
}

func (md *MutableDocument) Remove(key string) {
	delete(md.props, key)
}

// SetProperties replaces the whole body.
func (md *MutableDocument) SetProperties(props value.Dict) error {
	nv, err := value.Normalize(props)
	if err != nil {
		return err
	}
	md.props = nv.(value.Dict)
	if md.props == nil {
		md.props = value.Dict{}
	}
	return nil
}

func (md *MutableDocument) SetPropertiesAsJSON(s string) error {
	d, err := value.DictFromJSON([]byte(s))
	if err != nil {
		return err
	}
	md.props = d
	return nil
}

// recordDocument builds a snapshot from a stored record.
func recordDocument(c *Collection, id string, rec *docRecord) (*Document, error) {
	props, err := rec.props()
	if err != nil {
		return nil, collErrf(c.FullName(), "", id, err, "")
	}
	d := &Document{
		coll:    c,
		id:      id,
		revID:   rec.RevID,
		seq:     rec.Seq,
		deleted: rec.deleted(),
		props:   props,
	}
	if rec.Exp != 0 {
		d.exp = time.UnixMilli(rec.Exp)
	}
	return d, nil
}
