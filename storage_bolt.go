package syncdb

import (
	"os"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	path string
	opt  *bbolt.Options
	bdb  *bbolt.DB
}

func openBoltStorage(path string, timeout time.Duration, testing bool) (*boltStorage, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = timeout
	if testing {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, err
	}
	return &boltStorage{path: path, opt: bopt, bdb: bdb}, nil
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltStorageTx{btx: btx}, nil
}

func (s *boltStorage) Compact() error {
	tmp := s.path + ".compact"
	_ = os.Remove(tmp)
	dst, err := bbolt.Open(tmp, 0666, s.opt)
	if err != nil {
		return err
	}
	err = bbolt.Compact(dst, s.bdb, 64*1024*1024)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := s.bdb.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	bdb, err := bbolt.Open(s.path, 0666, s.opt)
	if err != nil {
		return err
	}
	s.bdb = bdb
	return nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltStorageTx struct {
	btx *bbolt.Tx
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Bucket(name, sub string) storageBucket {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return nil
	}
	if sub == "" {
		return boltBucket{b: root}
	}
	leaf := root.Bucket(unsafeBytesFromString(sub))
	if leaf == nil {
		return nil
	}
	return boltBucket{b: leaf}
}

func (tx *boltStorageTx) CreateBucket(name, sub string) (storageBucket, error) {
	root, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return boltBucket{b: root}, nil
	}
	leaf, err := root.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: leaf}, nil
}

func (tx *boltStorageTx) DeleteBucket(name, sub string) error {
	var err error
	if sub == "" {
		err = tx.btx.DeleteBucket(unsafeBytesFromString(name))
	} else {
		root := tx.btx.Bucket(unsafeBytesFromString(name))
		if root == nil {
			return errBucketNotFound
		}
		err = root.DeleteBucket(unsafeBytesFromString(sub))
	}
	if err == bbolt.ErrBucketNotFound {
		return errBucketNotFound
	}
	return err
}

func (tx *boltStorageTx) Commit() error { return tx.btx.Commit() }

func (tx *boltStorageTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltStorageTx) Size() int64 { return tx.btx.Size() }

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }

func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }

func (b boltBucket) Cursor() storageCursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) Stats() bucketStats {
	s := b.b.Stats()
	return bucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c boltCursor) Delete() error { return c.c.Delete() }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
