package syncdb

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andreyvit/syncdb/dberr"
)

// registry maps database keys (file path, or "mem:" + name) to open engines,
// so that opening the same database twice shares one engine.
var registry = struct {
	sync.Mutex
	engines map[string]*engine
}{engines: make(map[string]*engine)}

// engine is the state shared by all handles of one database.
type engine struct {
	key  string
	name string
	dir  string // "" when in memory
	opt  Options
	log  zerolog.Logger

	refs int // guarded by registry

	st     storage
	stMu   sync.RWMutex // shared by open transactions, exclusive for Compact
	closed atomic.Bool

	uuid    string
	cipher  *bodyCipher // nil when not encrypted; guarded by stMu and registry
	indexes sync.Map // index signature -> *compiledIndex
	bus     *bus

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func registryKey(name string, opt Options) string {
	if opt.InMemory {
		return "mem:" + name
	}
	return filepath.Join(databaseDir(name, opt.Directory), dbFileName)
}

func acquireEngine(name string, opt Options) (*engine, error) {
	key := registryKey(name, opt)
	registry.Lock()
	defer registry.Unlock()
	if e := registry.engines[key]; e != nil {
		if !e.cipher.matches(opt.EncryptionKey) {
			return nil, cryptoErrf(nil, "wrong encryption key for database %s", name)
		}
		e.refs++
		return e, nil
	}
	e, err := openEngine(name, key, opt)
	if err != nil {
		return nil, err
	}
	e.refs = 1
	registry.engines[key] = e
	return e, nil
}

func retainEngine(e *engine) {
	registry.Lock()
	defer registry.Unlock()
	e.refs++
}

func releaseEngine(e *engine) error {
	registry.Lock()
	defer registry.Unlock()
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(registry.engines, e.key)
	return e.shutdown()
}

func isEngineOpen(key string) bool {
	registry.Lock()
	defer registry.Unlock()
	return registry.engines[key] != nil
}

func openEngine(name, key string, opt Options) (*engine, error) {
	c, err := newBodyCipher(opt.EncryptionKey)
	if err != nil {
		return nil, err
	}
	e := &engine{
		cipher: c,
		key:  key,
		name: name,
		opt:  opt,
		log:  opt.Logger.With().Str("db", name).Logger(),
	}
	if opt.InMemory {
		e.st = newMemStorage()
	} else {
		e.dir = databaseDir(name, opt.Directory)
		if err := os.MkdirAll(e.dir, 0755); err != nil {
			return nil, dberr.FromStorage(err)
		}
		st, err := openBoltStorage(filepath.Join(e.dir, dbFileName), opt.Timeout, opt.IsTesting)
		if err != nil {
			return nil, dberr.FromStorage(err)
		}
		e.st = st
	}

	err = e.update(func(tx *tx) error {
		return e.prepare(tx)
	})
	if err != nil {
		_ = e.st.Close()
		return nil, err
	}

	e.bus = newBus(e.log)
	if opt.ExpirationSweepInterval > 0 {
		e.sweepStop = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.runSweeper(opt.ExpirationSweepInterval)
	}
	e.log.Debug().Str("dir", e.dir).Str("uuid", e.uuid).Msg("db: opened")
	return e, nil
}

// prepare creates the root buckets and the default collection of a new
// database.
func (e *engine) prepare(tx *tx) error {
	for _, name := range []string{metaBucket, collsBucket, checkpointsBucket} {
		if _, err := tx.stx.CreateBucket(name, ""); err != nil {
			return dberr.FromStorage(err)
		}
	}
	fresh := false
	if id := tx.uuid(); id != "" {
		e.uuid = id
	} else {
		fresh = true
		e.uuid = uuid.NewString()
		if err := tx.meta().Put(metaUUIDKey, []byte(e.uuid)); err != nil {
			return dberr.FromStorage(err)
		}
	}
	if err := e.checkKey(tx, fresh); err != nil {
		return err
	}
	_, err := tx.createCollection(DefaultScopeName, DefaultCollectionName)
	return err
}

func (e *engine) shutdown() error {
	if e.sweepStop != nil {
		close(e.sweepStop)
		<-e.sweepDone
	}
	e.bus.close()

	e.stMu.Lock()
	defer e.stMu.Unlock()
	e.closed.Store(true)
	err := e.st.Close()
	e.log.Debug().Msg("db: closed")
	return dberr.FromStorage(err)
}

func (e *engine) now() time.Time {
	return e.opt.Now()
}

func (e *engine) verbose() bool {
	return e.opt.Verbose
}

// compact rewrites the storage file. Fails with Busy while a transaction is
// open, since Compact needs exclusive access.
func (e *engine) compact() error {
	if !e.stMu.TryLock() {
		return dberr.New(dberr.DomainEngine, dberr.BusyCode, "cannot compact while transactions are open")
	}
	defer e.stMu.Unlock()
	return dberr.FromStorage(e.st.Compact())
}
