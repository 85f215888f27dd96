package syncdb

import (
	"bytes"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
)

const memBucketSep = "\x00"

var (
	errStorageClosed = errors.New("storage closed")
	errTxReadOnly    = errors.New("tx not writable")
)

// memStorage keeps all buckets in memory. Every transaction works on a
// snapshot; committing a write transaction replaces the live bucket set.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

func newMemStorage() *memStorage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStorageClosed
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, errStorageClosed
		}
		s.writer = true
	}

	// Committed buckets are never mutated in place, so readers can share
	// them; writers get private copies on first touch.
	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		snap[k] = b
	}
	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
		owned:    make(map[string]bool),
	}, nil
}

func (s *memStorage) Compact() error { return nil }

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	owned    map[string]bool
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) bucket(key string) *memBucket {
	b := tx.buckets[key]
	if b != nil && tx.writable && !tx.owned[key] {
		b = b.clone()
		tx.buckets[key] = b
		tx.owned[key] = true
	}
	return b
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	b := tx.bucket(memBucketKey(name, sub))
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, errTxReadOnly
	}

	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = &memBucket{}
		tx.owned[rootKey] = true
	}

	key := memBucketKey(name, sub)
	b := tx.bucket(key)
	if b == nil {
		b = &memBucket{}
		tx.buckets[key] = b
		tx.owned[key] = true
	}
	return memBucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return errTxReadOnly
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return errBucketNotFound
	}
	if sub == "" {
		prefix := name + memBucketSep
		for k := range tx.buckets {
			if strings.HasPrefix(k, prefix) {
				delete(tx.buckets, k)
			}
		}
		return nil
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return errTxReadOnly
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return errStorageClosed
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, b := range tx.buckets {
		n += b.inuse()
	}
	return n
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memBucket struct {
	items []memKV // sorted by key
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{items: slices.Clone(b.items)}
}

func (b *memBucket) inuse() int64 {
	var n int64
	for _, kv := range b.items {
		n += int64(len(kv.key) + len(kv.value))
	}
	return n
}

type memKV struct {
	key   []byte
	value []byte
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	return b.b.items[i].value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	key = slices.Clone(key)
	value = slices.Clone(value)
	if value == nil {
		value = []byte{}
	}

	i, ok := b.find(key)
	if ok {
		b.b.items[i].value = value
		return nil
	}
	b.b.items = slices.Insert(b.b.items, i, memKV{key: key, value: value})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	b.b.items = slices.Delete(b.b.items, i, i+1)
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{tx: b.tx, b: b.b, pos: -1}
}

func (b memBucketHandle) Stats() bucketStats {
	inuse := b.b.inuse()
	return bucketStats{
		KeyN:      len(b.b.items),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

func (b memBucketHandle) find(key []byte) (idx int, ok bool) {
	items := b.b.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type memCursor struct {
	tx  *memTx
	b   *memBucket
	pos int
}

func (c *memCursor) at() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.b.items) {
		return nil, nil
	}
	kv := c.b.items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.at()
}

func (c *memCursor) Last() ([]byte, []byte) {
	c.pos = len(c.b.items) - 1
	return c.at()
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	items := c.b.items
	c.pos = sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, seek) >= 0
	})
	return c.at()
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	if c.pos < len(c.b.items) {
		c.pos++
	}
	return c.at()
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	c.pos--
	return c.at()
}

// Delete removes the current item; the following Next returns the item
// after it, as in Bolt.
func (c *memCursor) Delete() error {
	if !c.tx.writable {
		return errTxReadOnly
	}
	if c.pos < 0 || c.pos >= len(c.b.items) {
		return nil
	}
	c.b.items = slices.Delete(c.b.items, c.pos, c.pos+1)
	c.pos--
	return nil
}
