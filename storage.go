package syncdb

import "errors"

// errBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
var errBucketNotFound = errors.New("bucket not found")

// storage represents a key-value storage backend (Bolt or in-memory).
type storage interface {
	// BeginTx starts a new transaction. Only one writable transaction is
	// active at a time; BeginTx(true) blocks until the previous one ends.
	BeginTx(writable bool) (storageTx, error)
	// Compact rewrites the underlying file to reclaim free pages. No
	// transactions may be open.
	Compact() error
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction.
type storageTx interface {
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	// For sub != "", it must also ensure the root bucket exists.
	CreateBucket(name, sub string) (storageBucket, error)

	// DeleteBucket deletes a nested bucket, or a root bucket with all of its
	// nested buckets when sub is empty.
	DeleteBucket(name, sub string) error

	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64
}

// storageBucket represents a bucket (sorted key-value collection).
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() storageCursor

	// Stats returns storage-specific bucket statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates over a sorted bucket.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)

	// Delete deletes the current key-value pair.
	Delete() error
}
