package syncdb

import (
	"bytes"
	"encoding/binary"
	"slices"
	"strings"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/querylang"
	"github.com/andreyvit/syncdb/value"
)

// QueryLanguage selects the grammar of queries and index definitions.
type QueryLanguage = querylang.Language

const (
	JSONLanguage = querylang.JSON
	N1QLLanguage = querylang.N1QL
)

type IndexKind uint8

const (
	ValueIndex IndexKind = 1
	ArrayIndex IndexKind = 2
)

func (k IndexKind) String() string {
	if k == ArrayIndex {
		return "array"
	}
	return "value"
}

// ValueIndexConfiguration defines an index over one or more expressions.
// Where, when set, makes the index partial: only documents for which it is
// true are indexed.
type ValueIndexConfiguration struct {
	Language    QueryLanguage
	Expressions string
	Where       string
}

// ArrayIndexConfiguration defines an index over the elements of the array
// at Path. Expressions are evaluated against each element; when empty the
// element itself is the key.
type ArrayIndexConfiguration struct {
	Language    QueryLanguage
	Path        string
	Expressions string
}

// indexDef is the persistent definition of an index, part of the
// collection state.
type indexDef struct {
	Name        string             `msgpack:"n"`
	Kind        IndexKind          `msgpack:"k"`
	Language    querylang.Language `msgpack:"l"`
	Expressions string             `msgpack:"x"`
	Where       string             `msgpack:"w,omitempty"`
	Path        string             `msgpack:"p,omitempty"`
	Signature   string             `msgpack:"sig"`
	Stats       *IndexStats        `msgpack:"st,omitempty"`
}

func (def *indexDef) bucket() string {
	return indexPrefix + def.Name
}

// IndexStats are gathered by the Optimize maintenance operations.
type IndexStats struct {
	Entries      int   `msgpack:"e"`
	DistinctKeys int   `msgpack:"d"`
	OptimizedAt  int64 `msgpack:"t"`
}

// IndexInfo describes an existing index.
type IndexInfo struct {
	Name        string
	Kind        IndexKind
	Expressions []string
	Where       string
	Path        string
	Entries     int
	Stats       *IndexStats
}

// compiledIndex is the evaluable form of an index definition, shared by
// all definitions with the same signature.
type compiledIndex struct {
	kind  IndexKind
	keys  []querylang.Expr
	where querylang.Expr
	path  value.Path
}

func compileIndexDef(def *indexDef) (*compiledIndex, error) {
	ci := &compiledIndex{kind: def.Kind}
	switch def.Kind {
	case ValueIndex:
		keys, where, err := querylang.CompileIndex(def.Language, def.Expressions, def.Where)
		if err != nil {
			return nil, err
		}
		ci.keys, ci.where = keys, where
	case ArrayIndex:
		path, err := value.ParsePath(def.Path)
		if err != nil {
			return nil, err
		}
		ci.path = path
		if strings.TrimSpace(def.Expressions) != "" {
			keys, _, err := querylang.CompileIndex(def.Language, def.Expressions, "")
			if err != nil {
				return nil, err
			}
			ci.keys = keys
		}
	default:
		return nil, badParamf("unknown index kind %d", def.Kind)
	}
	return ci, nil
}

func (ci *compiledIndex) signature() string {
	var buf strings.Builder
	buf.WriteString(ci.kind.String())
	if ci.kind == ArrayIndex {
		buf.WriteString("|")
		buf.WriteString(ci.path.String())
	}
	for _, k := range ci.keys {
		buf.WriteString("|")
		buf.WriteString(k.String())
	}
	if ci.where != nil {
		buf.WriteString("|WHERE ")
		buf.WriteString(ci.where.String())
	}
	return buf.String()
}

func (e *engine) compiledIndex(def *indexDef) (*compiledIndex, error) {
	if v, ok := e.indexes.Load(def.Signature); ok {
		return v.(*compiledIndex), nil
	}
	ci, err := compileIndexDef(def)
	if err != nil {
		return nil, err
	}
	e.indexes.Store(def.Signature, ci)
	return ci, nil
}

// docEnv evaluates index and query expressions against one document.
type docEnv struct {
	id     string
	rec    *docRecord
	root   any
	params value.Dict

	alias      string // primary source name
	elemAlias  string
	elem       any
	hasElement bool
}

func (env *docEnv) Source(alias string) (any, bool) {
	if env.hasElement && alias == env.elemAlias {
		return env.elem, true
	}
	if alias == "" || alias == env.alias {
		return env.root, env.root != nil
	}
	return nil, false
}

func (env *docEnv) Meta(alias, field string) any {
	switch field {
	case querylang.MetaID:
		return env.id
	case querylang.MetaSequence:
		if env.rec == nil {
			return nil
		}
		return int64(env.rec.Seq)
	case querylang.MetaDeleted:
		return env.rec != nil && env.rec.deleted()
	case querylang.MetaRevisionID:
		if env.rec == nil {
			return nil
		}
		return env.rec.RevID
	case querylang.MetaExpiration:
		if env.rec == nil || env.rec.Exp == 0 {
			return nil
		}
		return env.rec.Exp
	}
	return value.Missing
}

func (env *docEnv) Param(name string) (any, bool) {
	v, ok := env.params[name]
	return v, ok
}

// entries returns the sorted, de-duplicated index keys a document
// contributes. Deleted documents contribute none.
func (ci *compiledIndex) entries(id string, rec *docRecord, props value.Dict) ([][]byte, error) {
	if props == nil {
		return nil, nil
	}
	env := &docEnv{id: id, rec: rec, root: props}
	if ci.where != nil {
		ok, err := querylang.Eval(ci.where, env)
		if err != nil {
			return nil, err
		}
		if ok != true {
			return nil, nil
		}
	}

	var result [][]byte
	switch ci.kind {
	case ValueIndex:
		key, ok, err := ci.key(env, id)
		if err != nil || !ok {
			return nil, err
		}
		result = append(result, key)
	case ArrayIndex:
		arr, _ := ci.path.Eval(props)
		elems, _ := arr.(value.Array)
		for _, el := range elems {
			var key []byte
			if len(ci.keys) == 0 {
				key = appendIndexEntry(nil, []any{el}, id)
			} else {
				var ok bool
				var err error
				key, ok, err = ci.key(&docEnv{id: id, rec: rec, root: el}, id)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			result = append(result, key)
		}
		slices.SortFunc(result, bytes.Compare)
		result = slices.CompactFunc(result, bytes.Equal)
	}
	return result, nil
}

func (ci *compiledIndex) key(env querylang.Env, id string) ([]byte, bool, error) {
	vals := make([]any, len(ci.keys))
	for i, k := range ci.keys {
		v, err := querylang.Eval(k, env)
		if err != nil {
			return nil, false, err
		}
		if i == 0 && value.IsMissing(v) {
			return nil, false, nil
		}
		vals[i] = v
	}
	return appendIndexEntry(nil, vals, id), true, nil
}

// appendIndexEntry encodes an index entry key: the collation keys of the
// values, then the document ID and its length as a big-endian uint16.
func appendIndexEntry(buf []byte, vals []any, id string) []byte {
	for _, v := range vals {
		buf = value.AppendCollationKey(buf, v)
	}
	buf = append(buf, id...)
	return binary.BigEndian.AppendUint16(buf, uint16(len(id)))
}

func indexEntryDocID(key []byte) (string, bool) {
	if len(key) < 2 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(key[len(key)-2:]))
	if n+2 > len(key) {
		return "", false
	}
	return string(key[len(key)-2-n : len(key)-2]), true
}

// updateIndexes replaces the entries of document id: oldProps are the
// properties being replaced (nil if none), newProps the new ones (nil for a
// deletion).
func (tx *tx) updateIndexes(cs *collectionState, id string, oldRec *docRecord, oldProps value.Dict, newRec *docRecord, newProps value.Dict) error {
	for _, def := range cs.Indexes {
		ci, err := tx.e.compiledIndex(def)
		if err != nil {
			return err
		}
		oldKeys, err := ci.entries(id, oldRec, oldProps)
		if err != nil {
			return collErrf(cs.fullName(), def.Name, id, err, "")
		}
		newKeys, err := ci.entries(id, newRec, newProps)
		if err != nil {
			return collErrf(cs.fullName(), def.Name, id, err, "")
		}
		b := tx.stx.Bucket(cs.bucket(), def.bucket())
		if b == nil {
			return corruptf("%s: missing bucket of index %s", cs.fullName(), def.Name)
		}
		for _, k := range oldKeys {
			if _, found := slices.BinarySearchFunc(newKeys, k, bytes.Compare); !found {
				if err := b.Delete(k); err != nil {
					return dberr.FromStorage(err)
				}
			}
		}
		for _, k := range newKeys {
			if _, found := slices.BinarySearchFunc(oldKeys, k, bytes.Compare); !found {
				if err := b.Put(k, []byte{}); err != nil {
					return dberr.FromStorage(err)
				}
			}
		}
	}
	return nil
}

// buildIndex (re)creates the bucket of def and fills it from the stored
// documents.
func (tx *tx) buildIndex(cs *collectionState, def *indexDef) error {
	if err := tx.stx.DeleteBucket(cs.bucket(), def.bucket()); err != nil && err != errBucketNotFound {
		return dberr.FromStorage(err)
	}
	b, err := tx.stx.CreateBucket(cs.bucket(), def.bucket())
	if err != nil {
		return dberr.FromStorage(err)
	}
	ci, err := tx.e.compiledIndex(def)
	if err != nil {
		return err
	}
	return tx.forEachRecord(cs, func(id string, rec *docRecord) error {
		if rec.deleted() {
			return nil
		}
		props, err := rec.props()
		if err != nil {
			return collErrf(cs.fullName(), "", id, err, "")
		}
		keys, err := ci.entries(id, rec, props)
		if err != nil {
			return collErrf(cs.fullName(), def.Name, id, err, "")
		}
		for _, k := range keys {
			if err := b.Put(k, []byte{}); err != nil {
				return dberr.FromStorage(err)
			}
		}
		return nil
	})
}

// CreateValueIndex creates an index, replacing an existing index of the
// same name unless its definition is identical.
func (c *Collection) CreateValueIndex(name string, cfg ValueIndexConfiguration) error {
	return c.createIndex(&indexDef{
		Name:        name,
		Kind:        ValueIndex,
		Language:    cfg.Language,
		Expressions: cfg.Expressions,
		Where:       cfg.Where,
	})
}

func (c *Collection) CreateArrayIndex(name string, cfg ArrayIndexConfiguration) error {
	if cfg.Path == "" {
		return badParamf("array index %s needs a path", name)
	}
	return c.createIndex(&indexDef{
		Name:        name,
		Kind:        ArrayIndex,
		Language:    cfg.Language,
		Expressions: cfg.Expressions,
		Path:        cfg.Path,
	})
}

func (c *Collection) createIndex(def *indexDef) error {
	if def.Name == "" || strings.ContainsAny(def.Name, "/\x00") {
		return badParamf("invalid index name %q", def.Name)
	}
	ci, err := compileIndexDef(def)
	if err != nil {
		return err
	}
	def.Signature = ci.signature()
	c.db.e.indexes.LoadOrStore(def.Signature, ci)

	return c.db.write(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		existing := cs.index(def.Name)
		if existing != nil && existing.Signature == def.Signature {
			return nil
		}
		updated := *cs
		updated.Indexes = slices.DeleteFunc(slices.Clone(cs.Indexes), func(d *indexDef) bool { return d.Name == def.Name })
		updated.Indexes = append(updated.Indexes, def)
		if err := tx.buildIndex(&updated, def); err != nil {
			return err
		}
		if c.db.e.verbose() {
			c.db.e.log.Debug().Msgf("db: INDEX %s.%s %s", cs.fullName(), def.Name, def.Signature)
		}
		return tx.saveCollectionState(&updated)
	})
}

// DeleteIndex deletes an index. Deleting an unknown index succeeds.
func (c *Collection) DeleteIndex(name string) error {
	return c.db.write(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		if cs.index(name) == nil {
			return nil
		}
		updated := *cs
		updated.Indexes = slices.DeleteFunc(slices.Clone(cs.Indexes), func(d *indexDef) bool { return d.Name == name })
		if err := tx.stx.DeleteBucket(cs.bucket(), indexPrefix+name); err != nil && err != errBucketNotFound {
			return dberr.FromStorage(err)
		}
		return tx.saveCollectionState(&updated)
	})
}

func (c *Collection) IndexNames() ([]string, error) {
	var names []string
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		for _, def := range cs.Indexes {
			names = append(names, def.Name)
		}
		return nil
	})
	slices.Sort(names)
	return names, err
}

// Index describes the named index, or returns nil if there is none.
func (c *Collection) Index(name string) (*IndexInfo, error) {
	var info *IndexInfo
	err := c.db.read(func(tx *tx) error {
		cs, err := c.state(tx)
		if err != nil {
			return err
		}
		def := cs.index(name)
		if def == nil {
			return nil
		}
		ci, err := tx.e.compiledIndex(def)
		if err != nil {
			return err
		}
		info = &IndexInfo{Name: def.Name, Kind: def.Kind, Stats: def.Stats}
		for _, k := range ci.keys {
			info.Expressions = append(info.Expressions, k.String())
		}
		if ci.where != nil {
			info.Where = ci.where.String()
		}
		if def.Kind == ArrayIndex {
			info.Path = ci.path.String()
		}
		if b := tx.stx.Bucket(cs.bucket(), def.bucket()); b != nil {
			info.Entries = b.Stats().KeyN
		}
		return nil
	})
	return info, err
}
