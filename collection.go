package syncdb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/syncdb/dberr"
)

const (
	DefaultScopeName      = "_default"
	DefaultCollectionName = "_default"

	maxCollectionNameLen = 251
)

// Sub-buckets of a collection's root bucket.
const (
	docsBucket  = "docs"
	seqBucket   = "seq"
	expBucket   = "exp"
	indexPrefix = "i/"
)

// collectionState is the persistent description of a collection, stored in
// the colls bucket under the collection's full name.
type collectionState struct {
	ID      uint64      `msgpack:"id"`
	Scope   string      `msgpack:"s"`
	Name    string      `msgpack:"n"`
	Indexes []*indexDef `msgpack:"ix"`
}

func (cs *collectionState) fullName() string {
	return fullCollectionName(cs.Scope, cs.Name)
}

func (cs *collectionState) bucket() string {
	return fmt.Sprintf("c%d", cs.ID)
}

func (cs *collectionState) index(name string) *indexDef {
	for _, def := range cs.Indexes {
		if def.Name == name {
			return def
		}
	}
	return nil
}

func fullCollectionName(scope, name string) string {
	return scope + "." + name
}

// validateCollectionPath checks a scope and collection name pair. The
// reserved _default name is valid as a scope, and as a collection only in
// the default scope.
func validateCollectionPath(scope, name string) error {
	if scope != DefaultScopeName {
		if err := validateName(scope); err != nil {
			return err
		}
	}
	if name == DefaultCollectionName {
		if scope != DefaultScopeName {
			return badParamf("invalid name %q: only the default scope has a %s collection", name, DefaultCollectionName)
		}
		return nil
	}
	return validateName(name)
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > maxCollectionNameLen {
		return badParamf("invalid name %q: must be 1-%d characters", name, maxCollectionNameLen)
	}
	if name[0] == '_' || name[0] == '%' {
		return badParamf("invalid name %q: must not start with _ or %%", name)
	}
	for _, c := range []byte(name) {
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '%'
		if !ok {
			return badParamf("invalid name %q: only letters, digits, _, - and %% are allowed", name)
		}
	}
	return nil
}

func collStateKey(scope, name string) string {
	return "coll:" + fullCollectionName(scope, name)
}

// collectionState returns the state of a collection, or nil if it does not
// exist.
func (tx *tx) collectionState(scope, name string) (*collectionState, error) {
	v, err := tx.memoized(collStateKey(scope, name), func() (any, error) {
		cs := new(collectionState)
		found, err := getMsgpack(tx.stx.Bucket(collsBucket, ""), []byte(fullCollectionName(scope, name)), cs)
		if err != nil || !found {
			return (*collectionState)(nil), err
		}
		return cs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*collectionState), nil
}

func (tx *tx) saveCollectionState(cs *collectionState) error {
	if err := tx.putMsgpack(tx.stx.Bucket(collsBucket, ""), []byte(cs.fullName()), cs); err != nil {
		return dberr.FromStorage(err)
	}
	tx.setMemo(collStateKey(cs.Scope, cs.Name), cs)
	return nil
}

func (tx *tx) allCollectionStates() ([]*collectionState, error) {
	var result []*collectionState
	c := tx.stx.Bucket(collsBucket, "").Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		scope, name, _ := splitByte(string(k), '.')
		cs, err := tx.collectionState(scope, name)
		if err != nil {
			return nil, err
		}
		result = append(result, cs)
	}
	return result, nil
}

func (tx *tx) createCollection(scope, name string) (*collectionState, error) {
	cs, err := tx.collectionState(scope, name)
	if err != nil || cs != nil {
		return cs, err
	}
	id, err := tx.nextCollectionID()
	if err != nil {
		return nil, dberr.FromStorage(err)
	}
	cs = &collectionState{ID: id, Scope: scope, Name: name}
	for _, sub := range []string{docsBucket, seqBucket, expBucket} {
		if _, err := tx.stx.CreateBucket(cs.bucket(), sub); err != nil {
			return nil, dberr.FromStorage(err)
		}
	}
	return cs, tx.saveCollectionState(cs)
}

func (tx *tx) deleteCollection(cs *collectionState) error {
	if err := tx.stx.DeleteBucket(cs.bucket(), ""); err != nil && err != errBucketNotFound {
		return dberr.FromStorage(err)
	}
	if err := tx.stx.Bucket(collsBucket, "").Delete([]byte(cs.fullName())); err != nil {
		return dberr.FromStorage(err)
	}
	tx.setMemo(collStateKey(cs.Scope, cs.Name), (*collectionState)(nil))
	return nil
}

// Scope is a namespace of collections.
type Scope struct {
	db   *Database
	name string
}

func (s *Scope) Name() string        { return s.name }
func (s *Scope) Database() *Database { return s.db }

func (s *Scope) CollectionNames() ([]string, error) {
	return s.db.CollectionNames(s.name)
}

// Collection returns the named collection of this scope, or nil if it does
// not exist.
func (s *Scope) Collection(name string) (*Collection, error) {
	return s.db.Collection(name, s.name)
}

// Collection is a handle to a named set of documents. A handle to a
// collection that has been deleted returns NotFound.
type Collection struct {
	db    *Database
	scope string
	name  string
	id    uint64
}

func (c *Collection) Name() string        { return c.name }
func (c *Collection) Database() *Database { return c.db }

// FullName returns "scope.collection".
func (c *Collection) FullName() string { return fullCollectionName(c.scope, c.name) }

func (c *Collection) Scope() *Scope {
	return &Scope{db: c.db, name: c.scope}
}

func (c *Collection) String() string { return c.FullName() }

// state returns the collection's state inside tx, or NotFound if the
// collection has been deleted.
func (c *Collection) state(tx *tx) (*collectionState, error) {
	cs, err := tx.collectionState(c.scope, c.name)
	if err != nil {
		return nil, err
	}
	if cs == nil || cs.ID != c.id {
		return nil, notFoundf("collection %s has been deleted", c.FullName())
	}
	return cs, nil
}

func (db *Database) collectionHandle(cs *collectionState) *Collection {
	return &Collection{db: db, scope: cs.Scope, name: cs.Name, id: cs.ID}
}

// ScopeNames returns the names of all scopes, the default scope first.
func (db *Database) ScopeNames() ([]string, error) {
	var names []string
	err := db.read(func(tx *tx) error {
		states, err := tx.allCollectionStates()
		if err != nil {
			return err
		}
		for _, cs := range states {
			if cs.Scope != DefaultScopeName && !slices.Contains(names, cs.Scope) {
				names = append(names, cs.Scope)
			}
		}
		return nil
	})
	slices.Sort(names)
	return append([]string{DefaultScopeName}, names...), err
}

// CollectionNames returns the collections of a scope, sorted, with the
// default collection first. An unknown scope has no collections; an empty
// scope means the default one.
func (db *Database) CollectionNames(scope string) ([]string, error) {
	if scope == "" {
		scope = DefaultScopeName
	}
	var names []string
	err := db.read(func(tx *tx) error {
		states, err := tx.allCollectionStates()
		if err != nil {
			return err
		}
		for _, cs := range states {
			if cs.Scope == scope {
				names = append(names, cs.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(names, func(a, b string) int {
		if a == b {
			return 0
		} else if a == DefaultCollectionName {
			return -1
		} else if b == DefaultCollectionName {
			return 1
		}
		return strings.Compare(a, b)
	})
	return names, nil
}

// Scope returns the named scope, or nil if it has no collections.
func (db *Database) Scope(name string) (*Scope, error) {
	if name == DefaultScopeName {
		return db.DefaultScope(), db.check()
	}
	names, err := db.CollectionNames(name)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	return &Scope{db: db, name: name}, nil
}

func (db *Database) DefaultScope() *Scope {
	return &Scope{db: db, name: DefaultScopeName}
}

// Collection returns the named collection. An empty scope means the default
// scope. It returns NotFound if the scope does not exist, and nil if the
// scope exists but the collection does not.
func (db *Database) Collection(name, scope string) (*Collection, error) {
	if scope == "" {
		scope = DefaultScopeName
	}
	var result *Collection
	err := db.read(func(tx *tx) error {
		cs, err := tx.collectionState(scope, name)
		if err != nil {
			return err
		}
		if cs != nil {
			result = db.collectionHandle(cs)
			return nil
		}
		if scope == DefaultScopeName {
			return nil
		}
		states, err := tx.allCollectionStates()
		if err != nil {
			return err
		}
		for _, cs := range states {
			if cs.Scope == scope {
				return nil
			}
		}
		return notFoundf("scope %s does not exist", scope)
	})
	return result, err
}

func (db *Database) DefaultCollection() (*Collection, error) {
	c, err := db.Collection(DefaultCollectionName, DefaultScopeName)
	if err == nil && c == nil {
		err = notFoundf("default collection is missing")
	}
	return c, err
}

// CreateCollection creates a collection (and its scope) unless it already
// exists, and returns it.
func (db *Database) CreateCollection(name, scope string) (*Collection, error) {
	if scope == "" {
		scope = DefaultScopeName
	}
	if err := validateCollectionPath(scope, name); err != nil {
		return nil, err
	}
	var result *Collection
	err := db.write(func(tx *tx) error {
		cs, err := tx.createCollection(scope, name)
		if err != nil {
			return err
		}
		result = db.collectionHandle(cs)
		return nil
	})
	if err == nil && db.e.verbose() {
		db.e.log.Debug().Msgf("db: CREATE %s.%s", scope, name)
	}
	return result, err
}

// DeleteCollection deletes a collection with all its documents and indexes.
// Deleting a collection that does not exist succeeds. The default
// collection cannot be deleted. A scope disappears with its last collection.
func (db *Database) DeleteCollection(name, scope string) error {
	if scope == "" {
		scope = DefaultScopeName
	}
	if scope == DefaultScopeName && name == DefaultCollectionName {
		return badParamf("the default collection cannot be deleted")
	}
	return db.write(func(tx *tx) error {
		cs, err := tx.collectionState(scope, name)
		if err != nil || cs == nil {
			return err
		}
		if db.e.verbose() {
			db.e.log.Debug().Msgf("db: DROP %s", cs.fullName())
		}
		return tx.deleteCollection(cs)
	})
}
