// Package syncproto defines the replication protocol spoken between a
// replicator and the database it synchronizes with, and Backend, which
// answers that protocol on behalf of a local database.
//
// A replicator talks to a Peer. For a database in the same process the peer
// is a Backend; for a remote database it is a websocket client whose frames
// are answered by a Backend inside the remote listener.
//
// Frames are msgpack-encoded. A request carries an ID and a method, its
// response carries the same ID and either a result or an error. Frames with
// a method and no ID are notifications sent by the server.
package syncproto

import (
	"context"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb/dberr"
)

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "syncdb-msgpack-1"

// Path is appended to a database URL to form the sync endpoint.
const Path = "/_sync"

// DefaultBatchSize is the number of changes returned when a request does
// not set a limit.
const DefaultBatchSize = 100

const (
	MethodHello     = "hello"
	MethodChanges   = "changes"
	MethodRevisions = "revs"
	MethodPut       = "put"
	MethodSubscribe = "sub"

	// NotifyChanged tells a subscriber that a collection has new changes.
	NotifyChanged = "changed"
)

type Frame struct {
	ID     uint64             `msgpack:"id,omitempty"`
	Method string             `msgpack:"m,omitempty"`
	Params msgpack.RawMessage `msgpack:"p,omitempty"`
	Result msgpack.RawMessage `msgpack:"r,omitempty"`
	Error  *Error             `msgpack:"e,omitempty"`
}

func (f *Frame) IsNotification() bool {
	return f.ID == 0 && f.Method != ""
}

// Error carries a dberr domain and code across the wire.
type Error struct {
	Domain int    `msgpack:"d"`
	Code   int    `msgpack:"c"`
	Msg    string `msgpack:"m"`
}

// ErrorFrom converts err for sending; errors outside the taxonomy are sent
// as RemoteError.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	d, c, ok := dberr.DomainOf(err)
	if !ok {
		d, c = dberr.DomainEngine, dberr.RemoteErrorCode
	}
	msg := err.Error()
	msg, _ = strings.CutPrefix(msg, (&dberr.Error{Domain: d, Code: c}).Error()+": ")
	return &Error{Domain: int(d), Code: int(c), Msg: msg}
}

// Err converts a received error back, keeping its domain and code so that
// errors.Is works on the receiving side.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	return &dberr.Error{Domain: dberr.Domain(e.Domain), Code: dberr.Code(e.Code), Msg: "peer: " + e.Msg}
}

type HelloRequest struct {
	DatabaseUUID string `msgpack:"uuid"`
	Client       string `msgpack:"client,omitempty"`
}

type HelloResponse struct {
	DatabaseUUID string   `msgpack:"uuid"`
	User         string   `msgpack:"user,omitempty"`
	ReadOnly     bool     `msgpack:"ro,omitempty"`
	Collections  []string `msgpack:"colls"`
}

// ChangesRequest asks for the changes of a collection after sequence Since.
// Channels and DocIDs narrow the feed; changes outside of them are left out.
type ChangesRequest struct {
	Collection string   `msgpack:"coll"`
	Since      uint64   `msgpack:"since"`
	Limit      int      `msgpack:"limit,omitempty"`
	Channels   []string `msgpack:"chans,omitempty"`
	DocIDs     []string `msgpack:"ids,omitempty"`
}

type Change struct {
	Seq     uint64 `msgpack:"s"`
	DocID   string `msgpack:"id"`
	RevID   string `msgpack:"rev"`
	Deleted bool   `msgpack:"del,omitempty"`
	// Removed means the requester may no longer see the document.
	Removed bool `msgpack:"rm,omitempty"`
}

type ChangesResponse struct {
	Changes []Change `msgpack:"changes"`
	// LastSeq is the cursor to continue from, even when every scanned
	// change was filtered out.
	LastSeq uint64 `msgpack:"last"`
	// Done is set when the feed is caught up.
	Done bool `msgpack:"done,omitempty"`
}

type RevisionsRequest struct {
	Collection string   `msgpack:"coll"`
	DocIDs     []string `msgpack:"ids"`
}

// Revision is a document revision on the wire. Body holds the properties
// encoded with value.EncodeDict; it is empty for deletions.
type Revision struct {
	DocID   string   `msgpack:"id"`
	RevID   string   `msgpack:"rev"`
	History []string `msgpack:"hist,omitempty"`
	Deleted bool     `msgpack:"del,omitempty"`
	Body    []byte   `msgpack:"body,omitempty"`
}

type PutRequest struct {
	Collection string      `msgpack:"coll"`
	Revisions  []*Revision `msgpack:"revs"`
}

// PutResult reports the outcome of one pushed revision.
type PutResult struct {
	DocID string `msgpack:"id"`
	Error *Error `msgpack:"e,omitempty"`
}

type SubscribeRequest struct {
	Collections []string `msgpack:"colls"`
}

type Notification struct {
	Collection string `msgpack:"coll"`
}

// Peer is the replicator's view of the database it synchronizes with.
type Peer interface {
	Hello(ctx context.Context, req *HelloRequest) (*HelloResponse, error)
	Changes(ctx context.Context, req *ChangesRequest) (*ChangesResponse, error)
	Revisions(ctx context.Context, req *RevisionsRequest) ([]*Revision, error)
	Put(ctx context.Context, req *PutRequest) ([]PutResult, error)
	// Subscribe arranges for notify to be called whenever one of the
	// collections changes, until the peer is closed.
	Subscribe(ctx context.Context, req *SubscribeRequest, notify func(Notification)) error
	Close() error
}

// Dispatch answers a request frame by calling the matching Peer method.
func Dispatch(ctx context.Context, p Peer, req *Frame, notify func(Notification)) *Frame {
	resp := &Frame{ID: req.ID}
	result, err := dispatch(ctx, p, req, notify)
	if err == nil && result != nil {
		resp.Result, err = msgpack.Marshal(result)
		if err != nil {
			err = dberr.Wrap(dberr.DomainCodec, dberr.EncodeErrorCode, err, "%s", req.Method)
		}
	}
	resp.Error = ErrorFrom(err)
	return resp
}

func dispatch(ctx context.Context, p Peer, req *Frame, notify func(Notification)) (any, error) {
	switch req.Method {
	case MethodHello:
		var params HelloRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.Hello(ctx, &params)
	case MethodChanges:
		var params ChangesRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.Changes(ctx, &params)
	case MethodRevisions:
		var params RevisionsRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.Revisions(ctx, &params)
	case MethodPut:
		var params PutRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.Put(ctx, &params)
	case MethodSubscribe:
		var params SubscribeRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return nil, p.Subscribe(ctx, &params, notify)
	default:
		return nil, dberr.New(dberr.DomainEngine, dberr.UnsupportedCode, "unknown method %q", req.Method)
	}
}

func decodeParams(f *Frame, v any) error {
	if err := msgpack.Unmarshal(f.Params, v); err != nil {
		return dberr.Wrap(dberr.DomainCodec, dberr.InvalidDataCode, err, "%s params", f.Method)
	}
	return nil
}
