package syncdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/value"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, EncryptionKeySize)
}

func TestEncryptedDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	opt := Options{Directory: dir, IsTesting: true, Logger: testLogger(t), ExpirationSweepInterval: -1}
	keyed := opt
	keyed.EncryptionKey = testKey(1)

	db, err := Open("enc", keyed)
	require.NoError(t, err)
	saveDoc(t, defaultColl(t, db), "d", value.Dict{"secret": "attack at dawn"})
	path := db.Path()
	require.NoError(t, db.Close())

	raw, err := os.ReadFile(filepath.Join(path, dbFileName))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("attack at dawn")))

	_, err = Open("enc", opt)
	assert.True(t, errors.Is(err, ErrCrypto), "no key: got %v", err)
	wrong := opt
	wrong.EncryptionKey = testKey(2)
	_, err = Open("enc", wrong)
	assert.True(t, errors.Is(err, ErrCrypto), "wrong key: got %v", err)

	db, err = Open("enc", keyed)
	require.NoError(t, err)
	doc, err := defaultColl(t, db).Document("d")
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", doc.Get("secret"))
	require.NoError(t, db.Close())

	plain, err := Open("plain", opt)
	require.NoError(t, err)
	require.NoError(t, plain.Close())
	_, err = Open("plain", keyed)
	assert.True(t, errors.Is(err, ErrCrypto), "unencrypted: got %v", err)
}

func TestEncryptionKeyValidation(t *testing.T) {
	_, err := Open("short", Options{InMemory: true, EncryptionKey: []byte("short")})
	assert.True(t, errors.Is(err, ErrBadParameter), "got %v", err)

	key := DeriveEncryptionKey("password")
	assert.Len(t, key, EncryptionKeySize)
	assert.Equal(t, key, DeriveEncryptionKey("password"))
	assert.NotEqual(t, key, DeriveEncryptionKey("Password"))
}

func TestEncryptedRecordsAreBoundToDocument(t *testing.T) {
	c, err := newBodyCipher(testKey(3))
	require.NoError(t, err)
	rec := &docRecord{RevID: "1-abc", Seq: 1, Body: []byte("body")}
	data, err := sealRecord(c, "a", rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), rec.Body)

	got, err := openRecord(c, "a", data)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got.Body)

	_, err = openRecord(c, "b", data)
	assert.True(t, errors.Is(err, ErrCrypto), "got %v", err)

	tomb, err := sealRecord(c, "a", &docRecord{RevID: "2-def", Seq: 2, Flags: flagDeleted})
	require.NoError(t, err)
	got, err = openRecord(c, "a", tomb)
	require.NoError(t, err)
	assert.True(t, got.deleted())
}

func TestChangeEncryptionKey(t *testing.T) {
	db := setupWith(t, Options{EncryptionKey: testKey(1)})
	c := defaultColl(t, db)
	saveDoc(t, c, "a", value.Dict{"n": int64(1)})
	saveDoc(t, c, "b", value.Dict{"n": int64(2)})
	other, err := db.CreateCollection("other", "")
	require.NoError(t, err)
	saveDoc(t, other, "c", value.Dict{"n": int64(3)})

	_, err = Open(testName(t), Options{InMemory: true, EncryptionKey: testKey(2)})
	assert.True(t, errors.Is(err, ErrCrypto), "got %v", err)

	require.NoError(t, db.BeginTransaction())
	assert.True(t, errors.Is(db.ChangeEncryptionKey(testKey(2)), ErrBusy))
	require.NoError(t, db.EndTransaction(false))

	require.NoError(t, db.ChangeEncryptionKey(testKey(2)))
	doc, err := c.Document("b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Get("n"))
	doc, err = other.Document("c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Get("n"))

	_, err = Open(testName(t), Options{InMemory: true, EncryptionKey: testKey(1)})
	assert.True(t, errors.Is(err, ErrCrypto), "old key: got %v", err)
	second, err := Open(testName(t), Options{InMemory: true, EncryptionKey: testKey(2)})
	require.NoError(t, err)
	require.NoError(t, second.Close())

	require.NoError(t, db.ChangeEncryptionKey(nil))
	saveDoc(t, c, "d", value.Dict{"n": int64(4)})
	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	second, err = Open(testName(t), Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, second.Close())

	assert.True(t, errors.Is(db.ChangeEncryptionKey([]byte("short")), ErrBadParameter))
}

func TestEncryptedDatabaseChecks(t *testing.T) {
	db := setupWith(t, Options{EncryptionKey: testKey(5)})
	c := defaultColl(t, db)
	require.NoError(t, c.CreateValueIndex("byN", ValueIndexConfiguration{Language: N1QLLanguage, Expressions: "n"}))
	for i := range 5 {
		saveDoc(t, c, string(rune('a'+i)), value.Dict{"n": int64(i)})
	}
	require.NoError(t, db.ChangeEncryptionKey(testKey(6)))
	require.NoError(t, db.PerformMaintenance(IntegrityCheck))
	require.NoError(t, db.PerformMaintenance(Reindex))

	q := newQuery(t, db, N1QLLanguage, "SELECT META().id FROM _ WHERE n >= 3 ORDER BY n")
	assert.Equal(t, []any{"d", "e"}, queryColumn(t, q))
}
