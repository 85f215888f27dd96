package syncdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachStorage(t *testing.T, f func(t *testing.T, st storage)) {
	t.Run("bolt", func(t *testing.T) {
		st, err := openBoltStorage(filepath.Join(t.TempDir(), "test.bolt"), defaultLockTimeout, true)
		require.NoError(t, err)
		defer st.Close()
		f(t, st)
	})
	t.Run("mem", func(t *testing.T) {
		st := newMemStorage()
		defer st.Close()
		f(t, st)
	})
}

func update(t *testing.T, st storage, f func(stx storageTx)) {
	t.Helper()
	stx, err := st.BeginTx(true)
	require.NoError(t, err)
	f(stx)
	require.NoError(t, stx.Commit())
}

func view(t *testing.T, st storage, f func(stx storageTx)) {
	t.Helper()
	stx, err := st.BeginTx(false)
	require.NoError(t, err)
	defer stx.Rollback()
	f(stx)
}

func TestStorageBuckets(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		update(t, st, func(stx storageTx) {
			assert.True(t, stx.Writable())
			assert.Nil(t, stx.Bucket("root", ""))
			b, err := stx.CreateBucket("root", "sub")
			require.NoError(t, err)
			require.NoError(t, b.Put([]byte("k"), []byte("v")))
			assert.NotNil(t, stx.Bucket("root", ""))

			again, err := stx.CreateBucket("root", "sub")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), again.Get([]byte("k")))

			_, err = stx.CreateBucket("other", "")
			require.NoError(t, err)
		})

		view(t, st, func(stx storageTx) {
			assert.False(t, stx.Writable())
			assert.Equal(t, []byte("v"), stx.Bucket("root", "sub").Get([]byte("k")))
			assert.Nil(t, stx.Bucket("root", "sub").Get([]byte("missing")))
			assert.Nil(t, stx.Bucket("root", "nope"))
		})

		update(t, st, func(stx storageTx) {
			assert.Equal(t, errBucketNotFound, stx.DeleteBucket("root", "nope"))
			require.NoError(t, stx.DeleteBucket("root", "sub"))
			assert.Nil(t, stx.Bucket("root", "sub"))
			_, err := stx.CreateBucket("root", "sub2")
			require.NoError(t, err)
			require.NoError(t, stx.DeleteBucket("root", ""))
			assert.Nil(t, stx.Bucket("root", ""))
			assert.Nil(t, stx.Bucket("root", "sub2"))
			assert.NotNil(t, stx.Bucket("other", ""))
		})
	})
}

func TestStorageRollback(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		update(t, st, func(stx storageTx) {
			b, err := stx.CreateBucket("r", "")
			require.NoError(t, err)
			require.NoError(t, b.Put([]byte("a"), []byte("1")))
		})

		stx, err := st.BeginTx(true)
		require.NoError(t, err)
		require.NoError(t, stx.Bucket("r", "").Put([]byte("a"), []byte("2")))
		require.NoError(t, stx.Bucket("r", "").Put([]byte("b"), []byte("3")))
		require.NoError(t, stx.Rollback())
		require.NoError(t, stx.Rollback())

		view(t, st, func(stx storageTx) {
			b := stx.Bucket("r", "")
			assert.Equal(t, []byte("1"), b.Get([]byte("a")))
			assert.Nil(t, b.Get([]byte("b")))
		})
	})
}

func TestStorageSnapshotIsolation(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		update(t, st, func(stx storageTx) {
			b, err := stx.CreateBucket("r", "")
			require.NoError(t, err)
			require.NoError(t, b.Put([]byte("a"), []byte("old")))
		})

		reader, err := st.BeginTx(false)
		require.NoError(t, err)
		defer reader.Rollback()

		update(t, st, func(stx storageTx) {
			require.NoError(t, stx.Bucket("r", "").Put([]byte("a"), []byte("new")))
		})

		assert.Equal(t, []byte("old"), reader.Bucket("r", "").Get([]byte("a")))
		view(t, st, func(stx storageTx) {
			assert.Equal(t, []byte("new"), stx.Bucket("r", "").Get([]byte("a")))
		})
	})
}

func TestStorageCursor(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		update(t, st, func(stx storageTx) {
			b, err := stx.CreateBucket("r", "")
			require.NoError(t, err)
			for _, k := range []string{"b", "d", "a", "c", "e"} {
				require.NoError(t, b.Put([]byte(k), []byte("v"+k)))
			}
		})

		view(t, st, func(stx storageTx) {
			b := stx.Bucket("r", "")
			assert.Equal(t, 5, b.Stats().KeyN)

			c := b.Cursor()
			var keys []string
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				keys = append(keys, string(k))
			}
			assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)

			keys = nil
			for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
				keys = append(keys, string(k))
			}
			assert.Equal(t, []string{"e", "d", "c", "b", "a"}, keys)

			k, v := c.Seek([]byte("bb"))
			assert.Equal(t, "c", string(k))
			assert.Equal(t, "vc", string(v))
			k, _ = c.Seek([]byte("z"))
			assert.Nil(t, k)
		})

		update(t, st, func(stx storageTx) {
			c := stx.Bucket("r", "").Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) == "b" || string(k) == "c" {
					require.NoError(t, c.Delete())
				}
			}
		})
		view(t, st, func(stx storageTx) {
			var keys []string
			c := stx.Bucket("r", "").Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				keys = append(keys, string(k))
			}
			assert.Equal(t, []string{"a", "d", "e"}, keys)
		})
	})
}

func TestStorageCompact(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		update(t, st, func(stx storageTx) {
			b, err := stx.CreateBucket("r", "x")
			require.NoError(t, err)
			for i := range 1000 {
				require.NoError(t, b.Put(uint64Key(uint64(i)), make([]byte, 100)))
			}
		})
		update(t, st, func(stx storageTx) {
			c := stx.Bucket("r", "x").Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.First() {
				require.NoError(t, c.Delete())
			}
		})
		require.NoError(t, st.Compact())
		view(t, st, func(stx storageTx) {
			assert.Equal(t, 0, stx.Bucket("r", "x").Stats().KeyN)
		})
	})
}
