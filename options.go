package syncdb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultExpirationSweepInterval is how often expired documents are
	// purged in the background.
	DefaultExpirationSweepInterval = time.Minute

	defaultLockTimeout = 10 * time.Second
	dbDirSuffix        = ".syncdb"
	dbFileName         = "db.bolt"
)

type Options struct {
	// Directory holds the database directories. Defaults to the current
	// working directory.
	Directory string

	// InMemory keeps the whole database in memory; nothing touches the
	// file system. Handles opened with the same name share the data while
	// at least one of them is open.
	InMemory bool

	Logger *zerolog.Logger

	// Verbose logs every document operation at debug level.
	Verbose bool

	// Now is the clock used for expiration. Defaults to time.Now.
	Now func() time.Time

	// ExpirationSweepInterval controls the background purge of expired
	// documents; negative disables the sweeper.
	ExpirationSweepInterval time.Duration

	// Timeout bounds waiting for the database file lock held by another
	// process.
	Timeout time.Duration

	// EncryptionKey encrypts document bodies at rest. It must be
	// EncryptionKeySize bytes; see DeriveEncryptionKey. A database created
	// with a key can only be opened with the same key.
	EncryptionKey []byte

	// IsTesting trades durability for speed.
	IsTesting bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ExpirationSweepInterval == 0 {
		o.ExpirationSweepInterval = DefaultExpirationSweepInterval
	}
	if o.Timeout == 0 {
		o.Timeout = defaultLockTimeout
	}
	if o.Directory == "" && !o.InMemory {
		if wd, err := os.Getwd(); err == nil {
			o.Directory = wd
		}
	}
	return o
}

func databaseDir(name, dir string) string {
	return filepath.Join(dir, name+dbDirSuffix)
}
