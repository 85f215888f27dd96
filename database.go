package syncdb

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/andreyvit/syncdb/dberr"
)

// Database is a handle to an open database. Several handles may share one
// underlying engine; the engine closes when its last handle is closed.
//
// A handle is safe for concurrent use, except while an explicit transaction
// is open on it.
type Database struct {
	e      *engine
	closed atomic.Bool

	txMu    sync.Mutex
	curTx   *tx
	txDepth int

	notif notifyBuffer
}

// Open opens the database called name inside opt.Directory, creating it if
// it does not exist.
func Open(name string, opt Options) (*Database, error) {
	if err := validateDatabaseName(name); err != nil {
		return nil, err
	}
	opt = opt.withDefaults()
	e, err := acquireEngine(name, opt)
	if err != nil {
		return nil, err
	}
	return newHandle(e), nil
}

func newHandle(e *engine) *Database {
	return &Database{e: e}
}

func validateDatabaseName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return badParamf("invalid database name %q", name)
	}
	return nil
}

// Exists reports whether a database called name exists in dir.
func Exists(name, dir string) bool {
	st, err := os.Stat(filepath.Join(databaseDir(name, dir), dbFileName))
	return err == nil && st.Mode().IsRegular()
}

// DeleteDatabase deletes the files of a database that is not open. It
// returns false if there was nothing to delete.
func DeleteDatabase(name, dir string) (bool, error) {
	if err := validateDatabaseName(name); err != nil {
		return false, err
	}
	ddir := databaseDir(name, dir)
	if isEngineOpen(filepath.Join(ddir, dbFileName)) {
		return false, dberr.New(dberr.DomainEngine, dberr.BusyCode, "database %s is open", name)
	}
	if _, err := os.Stat(ddir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(ddir); err != nil {
		return false, dberr.FromStorage(err)
	}
	return true, nil
}

// CopyDatabase copies the database stored at fromPath (a database
// directory, as returned by Path) to a new database called toName in
// opt.Directory. The copy gets a new UUID and no replication checkpoints.
func CopyDatabase(fromPath, toName string, opt Options) error {
	if err := validateDatabaseName(toName); err != nil {
		return err
	}
	opt = opt.withDefaults()
	opt.InMemory = false
	dstDir := databaseDir(toName, opt.Directory)
	if _, err := os.Stat(dstDir); err == nil {
		return dberr.New(dberr.DomainEngine, dberr.ConflictCode, "database %s already exists", toName)
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return dberr.FromStorage(err)
	}
	dstFile := filepath.Join(dstDir, dbFileName)
	if err := copyFile(filepath.Join(fromPath, dbFileName), dstFile); err != nil {
		_ = os.RemoveAll(dstDir)
		return dberr.FromStorage(err)
	}

	st, err := openBoltStorage(dstFile, opt.Timeout, opt.IsTesting)
	if err != nil {
		_ = os.RemoveAll(dstDir)
		return dberr.FromStorage(err)
	}
	defer st.Close()
	stx, err := st.BeginTx(true)
	if err != nil {
		return dberr.FromStorage(err)
	}
	defer stx.Rollback()
	meta := stx.Bucket(metaBucket, "")
	if meta == nil {
		return dberr.New(dberr.DomainEngine, dberr.WrongFormatCode, "%s is not a database", fromPath)
	}
	if err := meta.Put(metaUUIDKey, []byte(uuid.NewString())); err != nil {
		return dberr.FromStorage(err)
	}
	if err := stx.DeleteBucket(checkpointsBucket, ""); err != nil && err != errBucketNotFound {
		return dberr.FromStorage(err)
	}
	if _, err := stx.CreateBucket(checkpointsBucket, ""); err != nil {
		return dberr.FromStorage(err)
	}
	return dberr.FromStorage(stx.Commit())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (db *Database) check() error {
	if db.closed.Load() {
		return errClosed
	}
	return nil
}

// IsClosed reports whether Close was called on this handle.
func (db *Database) IsClosed() bool {
	return db.closed.Load()
}

// Retain returns another handle to the same database. Each handle must be
// closed separately.
func (db *Database) Retain() *Database {
	retainEngine(db.e)
	return newHandle(db.e)
}

// Close releases the handle. Scopes, collections and queries obtained from
// it stop working. Closing a handle with an open transaction fails with
// TransactionNotClosed.
func (db *Database) Close() error {
	if db.currentTx() != nil {
		return dberr.New(dberr.DomainEngine, dberr.TransactionNotClosedCode, "close with an open transaction")
	}
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.e.bus.removeOwner(db)
	return releaseEngine(db.e)
}

// Delete closes the database and deletes its files. Fails with Busy if other
// handles are open.
func (db *Database) Delete() error {
	if err := db.check(); err != nil {
		return err
	}
	registry.Lock()
	refs := db.e.refs
	registry.Unlock()
	if refs > 1 {
		return dberr.New(dberr.DomainEngine, dberr.BusyCode, "database %s has other open handles", db.e.name)
	}
	dir := db.e.dir
	if err := db.Close(); err != nil {
		return err
	}
	if dir == "" {
		return nil
	}
	return dberr.FromStorage(os.RemoveAll(dir))
}

func (db *Database) Name() string {
	return db.e.name
}

// Path returns the database directory, or "" for an in-memory database.
func (db *Database) Path() string {
	return db.e.dir
}

func (db *Database) UUID() string {
	return db.e.uuid
}

// Count returns the number of live documents in the default collection.
func (db *Database) Count() (uint64, error) {
	c, err := db.DefaultCollection()
	if err != nil {
		return 0, err
	}
	return c.Count()
}

// LastSequence returns the sequence assigned to the most recent change.
func (db *Database) LastSequence() (uint64, error) {
	var seq uint64
	err := db.read(func(tx *tx) error {
		seq = tx.currentSeq()
		return nil
	})
	return seq, err
}

// Checkpoint returns the replication checkpoint stored under id, or nil.
func (db *Database) Checkpoint(id string) ([]byte, error) {
	var data []byte
	err := db.read(func(tx *tx) error {
		if v := tx.stx.Bucket(checkpointsBucket, "").Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// SetCheckpoint stores a replication checkpoint; nil data deletes it.
func (db *Database) SetCheckpoint(id string, data []byte) error {
	return db.write(func(tx *tx) error {
		b := tx.stx.Bucket(checkpointsBucket, "")
		if data == nil {
			return dberr.FromStorage(b.Delete([]byte(id)))
		}
		return dberr.FromStorage(b.Put([]byte(id), data))
	})
}
