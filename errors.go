package syncdb

import (
	"fmt"

	"github.com/andreyvit/syncdb/dberr"
)

// Errors returned by the database, for use with errors.Is.
var (
	ErrNotFound             = dberr.NotFound
	ErrConflict             = dberr.Conflict
	ErrNotOpen              = dberr.NotOpen
	ErrBusy                 = dberr.Busy
	ErrBadParameter         = dberr.BadParameter
	ErrCorruptData          = dberr.CorruptData
	ErrInvalidQuery         = dberr.InvalidQuery
	ErrBadDocID             = dberr.BadDocID
	ErrNotInTransaction     = dberr.NotInTransaction
	ErrTransactionNotClosed = dberr.TransactionNotClosed
	ErrCrypto               = dberr.Crypto
)

func notFoundf(format string, args ...any) error {
	return dberr.New(dberr.DomainEngine, dberr.NotFoundCode, format, args...)
}

func badParamf(format string, args ...any) error {
	return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, format, args...)
}

func conflictf(format string, args ...any) error {
	return dberr.New(dberr.DomainEngine, dberr.ConflictCode, format, args...)
}

func corruptf(format string, args ...any) error {
	return dberr.New(dberr.DomainEngine, dberr.CorruptDataCode, format, args...)
}

var errClosed = dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "database is closed")

// CollectionError annotates an error with the collection (and optionally
// the index and document) it happened in.
type CollectionError struct {
	Collection string
	Index      string
	DocID      string
	Msg        string
	Err        error
}

func collErrf(coll, index, docID string, err error, format string, args ...any) error {
	return &CollectionError{coll, index, docID, fmt.Sprintf(format, args...), err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	s := e.Collection
	if e.Index != "" {
		s += ".i." + e.Index
	}
	if e.DocID != "" {
		s += "/" + e.DocID
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
