package syncdb

import (
	"fmt"
	"runtime/debug"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb/dberr"
)

const (
	metaBucket        = "meta"
	collsBucket       = "colls"
	checkpointsBucket = "checkpoints"
)

var (
	metaUUIDKey       = []byte("uuid")
	metaLastSeqKey    = []byte("lastSeq")
	metaNextCollIDKey = []byte("nextCollID")
)

// tx wraps a storage transaction with the bookkeeping every operation
// needs: the sequence counter, decoded collection states and the changes to
// announce once the transaction commits.
type tx struct {
	e        *engine
	stx      storageTx
	writable bool

	lastSeq    uint64
	seqLoaded  bool
	seqDirty   bool
	memo       map[string]any
	changes    []docChange
	afterWrite []func()
}

func (e *engine) begin(writable bool) (*tx, error) {
	e.stMu.RLock()
	if e.closed.Load() {
		e.stMu.RUnlock()
		return nil, errClosed
	}
	stx, err := e.st.BeginTx(writable)
	if err != nil {
		e.stMu.RUnlock()
		return nil, dberr.FromStorage(err)
	}
	return &tx{e: e, stx: stx, writable: writable}, nil
}

func (tx *tx) release() {
	if tx.stx == nil {
		return
	}
	tx.stx = nil
	tx.e.stMu.RUnlock()
}

func (tx *tx) rollback() {
	if tx.stx == nil {
		return
	}
	err := tx.stx.Rollback()
	if err != nil {
		tx.e.log.Error().Err(err).Msg("db: rollback failed")
	}
	tx.release()
}

func (tx *tx) commit() error {
	if tx.stx == nil {
		return errClosed
	}
	if !tx.writable {
		tx.rollback()
		return nil
	}
	if tx.seqDirty {
		if err := tx.meta().Put(metaLastSeqKey, uint64Key(tx.lastSeq)); err != nil {
			tx.rollback()
			return dberr.FromStorage(err)
		}
	}
	err := tx.stx.Commit()
	tx.release()
	if err != nil {
		return dberr.FromStorage(err)
	}
	if len(tx.changes) > 0 {
		tx.e.bus.publish(tx.changes)
	}
	for _, f := range tx.afterWrite {
		f()
	}
	return nil
}

// update runs f in a new write transaction and commits it unless f fails.
// Panics inside f become errors.
func (e *engine) update(f func(tx *tx) error) error {
	tx, err := e.begin(true)
	if err != nil {
		return err
	}
	err = safelyCall(f, tx)
	if err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

func (e *engine) view(f func(tx *tx) error) error {
	tx, err := e.begin(false)
	if err != nil {
		return err
	}
	defer tx.rollback()
	return safelyCall(f, tx)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*tx) error, tx *tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (tx *tx) meta() storageBucket {
	return tx.stx.Bucket(metaBucket, "")
}

func (tx *tx) loadSeq() {
	if !tx.seqLoaded {
		tx.lastSeq = decodeUint64(tx.meta().Get(metaLastSeqKey))
		tx.seqLoaded = true
	}
}

func (tx *tx) currentSeq() uint64 {
	tx.loadSeq()
	return tx.lastSeq
}

func (tx *tx) nextSeq() uint64 {
	tx.loadSeq()
	tx.lastSeq++
	tx.seqDirty = true
	return tx.lastSeq
}

func (tx *tx) nextCollectionID() (uint64, error) {
	id := decodeUint64(tx.meta().Get(metaNextCollIDKey)) + 1
	return id, tx.meta().Put(metaNextCollIDKey, uint64Key(id))
}

func (tx *tx) uuid() string {
	return string(tx.meta().Get(metaUUIDKey))
}

func (tx *tx) memoized(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		return v, nil
	}
	v, err := f()
	if err != nil {
		return nil, err
	}
	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}
	tx.memo[key] = v
	return v, nil
}

func (tx *tx) setMemo(key string, v any) {
	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}
	tx.memo[key] = v
}

func (tx *tx) putMsgpack(b storageBucket, key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return dberr.Wrap(dberr.DomainCodec, dberr.EncodeErrorCode, err, "%T", v)
	}
	return b.Put(key, data)
}

func getMsgpack(b storageBucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return true, dberr.DataErrf(data, 0, err, "cannot decode %T", v)
	}
	return true, nil
}

func (tx *tx) notify(ch docChange) {
	tx.changes = append(tx.changes, ch)
}

// BeginTransaction starts an explicit transaction on this handle. Reads and
// writes through the handle see the transaction's uncommitted state; other
// handles see it only after the outermost EndTransaction commits.
// Transactions nest; only the outermost EndTransaction takes effect.
//
// While a transaction is open, the handle must be used from one goroutine.
func (db *Database) BeginTransaction() error {
	if err := db.check(); err != nil {
		return err
	}
	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.curTx != nil {
		db.txDepth++
		return nil
	}
	tx, err := db.e.begin(true)
	if err != nil {
		return err
	}
	db.curTx = tx
	db.txDepth = 1
	return nil
}

// EndTransaction ends the innermost transaction. Only the outermost call
// commits (when commit is true) or rolls back.
func (db *Database) EndTransaction(commit bool) error {
	db.txMu.Lock()
	tx := db.curTx
	if tx == nil {
		db.txMu.Unlock()
		return dberr.New(dberr.DomainEngine, dberr.NotInTransactionCode, "no transaction in progress")
	}
	db.txDepth--
	if db.txDepth > 0 {
		db.txMu.Unlock()
		return nil
	}
	db.curTx = nil
	db.txMu.Unlock()

	if !commit {
		tx.rollback()
		return nil
	}
	return tx.commit()
}

// InTransaction runs f inside BeginTransaction / EndTransaction, committing
// if f succeeds.
func (db *Database) InTransaction(f func(db *Database) error) (err error) {
	if err := db.BeginTransaction(); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = db.EndTransaction(false)
			panic(p)
		}
	}()
	if err = f(db); err != nil {
		_ = db.EndTransaction(false)
		return err
	}
	return db.EndTransaction(true)
}

func (db *Database) currentTx() *tx {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	return db.curTx
}

// write runs f in the handle's explicit transaction if there is one, in a
// new write transaction otherwise.
func (db *Database) write(f func(tx *tx) error) error {
	if err := db.check(); err != nil {
		return err
	}
	if tx := db.currentTx(); tx != nil {
		return safelyCall(f, tx)
	}
	return db.e.update(f)
}

func (db *Database) read(f func(tx *tx) error) error {
	if err := db.check(); err != nil {
		return err
	}
	if tx := db.currentTx(); tx != nil {
		return safelyCall(f, tx)
	}
	return db.e.view(f)
}
