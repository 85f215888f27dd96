package syncdb

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

// maxHistory bounds the number of ancestor revision IDs kept per document.
const maxHistory = 20

type recordFlags uint8

const (
	flagDeleted recordFlags = 1 << iota
	// flagFromRemote marks a revision received from a replication peer.
	flagFromRemote
)

func (f recordFlags) Contains(v recordFlags) bool {
	return f&v == v
}

// docRecord is the stored form of a document's current revision.
type docRecord struct {
	RevID   string      `msgpack:"r"`
	Seq     uint64      `msgpack:"s"`
	Flags   recordFlags `msgpack:"f"`
	Body    []byte      `msgpack:"b"`
	History []string    `msgpack:"h,omitempty"` // ancestors, newest first
	Exp     int64       `msgpack:"e,omitempty"` // unix milliseconds
	// Source is the UUID of the peer database a remote revision came from.
	Source string `msgpack:"o,omitempty"`
}

func (r *docRecord) deleted() bool { return r.Flags.Contains(flagDeleted) }

func (r *docRecord) expired(nowMs int64) bool {
	return r.Exp != 0 && r.Exp <= nowMs
}

// knows reports whether revID is the current revision or one of its
// remembered ancestors.
func (r *docRecord) knows(revID string) bool {
	if r.RevID == revID {
		return true
	}
	for _, h := range r.History {
		if h == revID {
			return true
		}
	}
	return false
}

func (r *docRecord) props() (value.Dict, error) {
	if r.deleted() {
		return value.Dict{}, nil
	}
	return value.DecodeDict(r.Body)
}

func encodeRecord(r *docRecord) ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, dberr.Wrap(dberr.DomainCodec, dberr.EncodeErrorCode, err, "record")
	}
	return data, nil
}

func decodeRecord(data []byte) (*docRecord, error) {
	r := new(docRecord)
	if err := msgpack.Unmarshal(data, r); err != nil {
		return nil, dberr.DataErrf(data, 0, err, "cannot decode document record")
	}
	if _, _, ok := parseRevID(r.RevID); !ok {
		return nil, dberr.DataErrf(data, 0, nil, "invalid revision ID %q", r.RevID)
	}
	return r, nil
}

// newRevID derives the ID of a child of parent. The digest covers the
// parent, the deleted flag and the body, so identical edits made on two
// peers produce the same revision.
func newRevID(parent string, deleted bool, body []byte) string {
	gen, _, _ := parseRevID(parent)
	d := xxhash.New()
	_, _ = d.WriteString(parent)
	if deleted {
		_, _ = d.Write([]byte{1})
	} else {
		_, _ = d.Write([]byte{0})
	}
	_, _ = d.Write(body)
	return strconv.FormatUint(gen+1, 10) + "-" + leftPad(strconv.FormatUint(d.Sum64(), 16), 16)
}

func leftPad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}

// parseRevID splits "<generation>-<digest>". The empty ID is generation 0.
func parseRevID(revID string) (gen uint64, digest string, ok bool) {
	if revID == "" {
		return 0, "", true
	}
	g, d, found := splitByte(revID, '-')
	if !found || d == "" {
		return 0, "", false
	}
	gen, err := strconv.ParseUint(g, 10, 64)
	if err != nil || gen == 0 {
		return 0, "", false
	}
	return gen, d, true
}

// RevisionGeneration returns the generation number of a revision ID, 0 if
// it is malformed.
func RevisionGeneration(revID string) uint64 {
	gen, _, _ := parseRevID(revID)
	return gen
}

// CompareRevisionIDs orders revision IDs by generation, then by digest.
func CompareRevisionIDs(a, b string) int {
	ga, da, _ := parseRevID(a)
	gb, db, _ := parseRevID(b)
	switch {
	case ga < gb:
		return -1
	case ga > gb:
		return 1
	}
	return strings.Compare(da, db)
}

func childHistory(parent string, parentHistory []string) []string {
	if parent == "" {
		return nil
	}
	h := make([]string, 0, min(len(parentHistory)+1, maxHistory))
	h = append(h, parent)
	for _, r := range parentHistory {
		if len(h) >= maxHistory {
			break
		}
		h = append(h, r)
	}
	return h
}
