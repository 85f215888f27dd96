package syncdb

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/andreyvit/syncdb/dberr"
)

// EncryptionKeySize is the length of Options.EncryptionKey.
const EncryptionKeySize = chacha20poly1305.KeySize

var (
	metaKeyCheckKey = []byte("keyCheck")
	keyCheckText    = []byte("syncdb key check")
	passwordSalt    = []byte("syncdb encryption key")
)

// DeriveEncryptionKey turns a password into a key for Options.EncryptionKey.
// The same password always yields the same key.
func DeriveEncryptionKey(password string) []byte {
	return argon2.IDKey([]byte(password), passwordSalt, 3, 64*1024, 4, EncryptionKeySize)
}

// bodyCipher seals document bodies with XChaCha20-Poly1305. The document ID
// is the additional data, so a body cannot be moved to another document.
type bodyCipher struct {
	key  []byte
	aead cipher.AEAD
}

// newBodyCipher returns nil for an empty key.
func newBodyCipher(key []byte) (*bodyCipher, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != EncryptionKeySize {
		return nil, badParamf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoErrf(err, "cannot initialize cipher")
	}
	return &bodyCipher{key: bytes.Clone(key), aead: aead}, nil
}

func (c *bodyCipher) matches(key []byte) bool {
	if c == nil {
		return len(key) == 0
	}
	return subtle.ConstantTimeCompare(c.key, key) == 1
}

func (c *bodyCipher) seal(ad string, plain []byte) []byte {
	n := c.aead.NonceSize()
	out := make([]byte, n, n+len(plain)+c.aead.Overhead())
	rand.Read(out)
	return c.aead.Seal(out, out[:n], plain, []byte(ad))
}

func (c *bodyCipher) open(ad string, data []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(data) < n+c.aead.Overhead() {
		return nil, cryptoErrf(nil, "ciphertext too short")
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], []byte(ad))
	if err != nil {
		return nil, cryptoErrf(err, "cannot decrypt")
	}
	return plain, nil
}

func cryptoErrf(err error, format string, args ...any) error {
	if err == nil {
		return dberr.New(dberr.DomainEngine, dberr.CryptoCode, format, args...)
	}
	return dberr.Wrap(dberr.DomainEngine, dberr.CryptoCode, err, format, args...)
}

func sealRecord(c *bodyCipher, id string, r *docRecord) ([]byte, error) {
	if c != nil && len(r.Body) > 0 {
		sealed := *r
		sealed.Body = c.seal(id, r.Body)
		r = &sealed
	}
	return encodeRecord(r)
}

func openRecord(c *bodyCipher, id string, data []byte) (*docRecord, error) {
	r, err := decodeRecord(data)
	if err != nil || c == nil || len(r.Body) == 0 {
		return r, err
	}
	if r.Body, err = c.open(id, r.Body); err != nil {
		return nil, err
	}
	return r, nil
}

// checkKey verifies the configured key against the one the database was
// created with. A new database records a check value for its key.
func (e *engine) checkKey(tx *tx, fresh bool) error {
	check := tx.meta().Get(metaKeyCheckKey)
	switch {
	case check == nil && e.cipher == nil:
		return nil
	case check == nil && !fresh:
		return cryptoErrf(nil, "database %s is not encrypted", e.name)
	case check == nil:
		return dberr.FromStorage(tx.meta().Put(metaKeyCheckKey, e.cipher.seal(string(metaKeyCheckKey), keyCheckText)))
	case e.cipher == nil:
		return cryptoErrf(nil, "database %s is encrypted", e.name)
	}
	plain, err := e.cipher.open(string(metaKeyCheckKey), check)
	if err != nil || !bytes.Equal(plain, keyCheckText) {
		return cryptoErrf(err, "wrong encryption key for database %s", e.name)
	}
	return nil
}

// rekey re-encrypts every document body with key, or decrypts them all when
// key is empty. Like compact, it needs exclusive access to the storage.
func (e *engine) rekey(key []byte) error {
	next, err := newBodyCipher(key)
	if err != nil {
		return err
	}
	if !e.stMu.TryLock() {
		return dberr.New(dberr.DomainEngine, dberr.BusyCode, "cannot change the encryption key while transactions are open")
	}
	defer e.stMu.Unlock()
	if e.closed.Load() {
		return errClosed
	}

	stx, err := e.st.BeginTx(true)
	if err != nil {
		return dberr.FromStorage(err)
	}
	t := &tx{e: e, stx: stx, writable: true}
	n := 0
	err = safelyCall(func(tx *tx) error {
		var err error
		n, err = tx.reencrypt(next)
		return err
	}, t)
	if err != nil {
		_ = stx.Rollback()
		return err
	}
	if err := stx.Commit(); err != nil {
		return dberr.FromStorage(err)
	}

	registry.Lock()
	e.cipher = next
	registry.Unlock()
	e.log.Debug().Int("docs", n).Bool("encrypted", next != nil).Msg("db: encryption key changed")
	return nil
}

func (tx *tx) reencrypt(next *bodyCipher) (int, error) {
	type entry struct {
		id   string
		data []byte
	}
	states, err := tx.allCollectionStates()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, cs := range states {
		var entries []entry
		err := tx.forEachRecord(cs, func(id string, rec *docRecord) error {
			data, err := sealRecord(next, id, rec)
			if err != nil {
				return collErrf(cs.fullName(), "", id, err, "")
			}
			entries = append(entries, entry{id, data})
			return nil
		})
		if err != nil {
			return 0, err
		}
		docs := tx.docsBucket(cs)
		for _, en := range entries {
			if err := docs.Put([]byte(en.id), en.data); err != nil {
				return 0, dberr.FromStorage(err)
			}
		}
		total += len(entries)
	}

	if next == nil {
		return total, dberr.FromStorage(tx.meta().Delete(metaKeyCheckKey))
	}
	return total, dberr.FromStorage(tx.meta().Put(metaKeyCheckKey, next.seal(string(metaKeyCheckKey), keyCheckText)))
}

// ChangeEncryptionKey re-encrypts the database with key, which must be
// EncryptionKeySize bytes long. An empty key removes the encryption. Other
// handles of the database keep working; opening it again requires the new
// key. Fails with ErrBusy while a transaction is open.
func (db *Database) ChangeEncryptionKey(key []byte) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.e.rekey(key)
}
