// Package dberr defines the error taxonomy shared by the database engine,
// the value codec, the replicator and the sync listener.
//
// Every error produced by syncdb packages is (or wraps) an *Error carrying a
// Domain and a Code. Foreign errors (Bolt, msgpack, JSON, net, TLS, websocket)
// are translated once, at the boundary where they enter, by FromStorage,
// FromNetwork and FromCloseCode.
//
// Two *Error values match under errors.Is when their domain and code match,
// so the exported sentinels can be used directly:
//
//	if errors.Is(err, dberr.NotFound) { ... }
package dberr

import (
	"errors"
	"fmt"
	"strings"
)

type Domain int

const (
	DomainEngine Domain = iota + 1
	DomainStorage
	DomainCodec
	DomainNetwork
	DomainTransport
)

func (d Domain) String() string {
	switch d {
	case DomainEngine:
		return "engine"
	case DomainStorage:
		return "storage"
	case DomainCodec:
		return "codec"
	case DomainNetwork:
		return "network"
	case DomainTransport:
		return "transport"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Code is a domain-specific error code. For DomainTransport it holds the raw
// HTTP status or websocket close code.
type Code int

// Engine codes.
const (
	AssertionFailedCode Code = iota + 1
	UnimplementedCode
	BadParameterCode
	NotFoundCode
	ConflictCode
	NotOpenCode
	BusyCode
	CorruptDataCode
	WrongFormatCode
	UnsupportedCode
	BadDocIDCode
	InvalidQueryCode
	MissingIndexCode
	InvalidQueryParamCode
	NotInTransactionCode
	TransactionNotClosedCode
	CryptoCode
	RemoteErrorCode
	UnexpectedCode
)

// Storage codes.
const (
	CantOpenFileCode Code = iota + 1
	IOErrorCode
	MemoryErrorCode
	NotWriteableCode
)

// Codec codes.
const (
	InvalidDataCode Code = iota + 1
	EncodeErrorCode
	JSONErrorCode
	UnknownValueCode
	KeyNotFoundCode
	UnsupportedOperationCode
)

// Network codes.
const (
	DNSFailureCode Code = iota + 1
	UnknownHostCode
	TimeoutCode
	InvalidURLCode
	TooManyRedirectsCode
	TLSHandshakeFailedCode
	TLSCertExpiredCode
	TLSCertUntrustedCode
	TLSCertNameMismatchCode
	ConnectionRefusedCode
	ConnectionResetCode
	NetworkDownCode
	UnauthorizedCode
	ProxyCode
)

var engineCodeNames = map[Code]string{
	AssertionFailedCode:      "assertion failed",
	UnimplementedCode:        "unimplemented",
	BadParameterCode:         "invalid parameter",
	NotFoundCode:             "not found",
	ConflictCode:             "conflict",
	NotOpenCode:              "not open",
	BusyCode:                 "busy",
	CorruptDataCode:          "corrupt data",
	WrongFormatCode:          "wrong format",
	UnsupportedCode:          "unsupported",
	BadDocIDCode:             "bad document id",
	InvalidQueryCode:         "invalid query",
	MissingIndexCode:         "missing index",
	InvalidQueryParamCode:    "invalid query parameter",
	NotInTransactionCode:     "not in transaction",
	TransactionNotClosedCode: "transaction not closed",
	CryptoCode:               "crypto",
	RemoteErrorCode:          "remote error",
	UnexpectedCode:           "unexpected",
}

var storageCodeNames = map[Code]string{
	CantOpenFileCode: "can't open file",
	IOErrorCode:      "i/o error",
	MemoryErrorCode:  "memory error",
	NotWriteableCode: "not writeable",
}

var codecCodeNames = map[Code]string{
	InvalidDataCode:          "invalid data",
	EncodeErrorCode:          "encode error",
	JSONErrorCode:            "JSON error",
	UnknownValueCode:         "unknown value",
	KeyNotFoundCode:          "key not found",
	UnsupportedOperationCode: "unsupported operation",
}

var networkCodeNames = map[Code]string{
	DNSFailureCode:          "DNS failure",
	UnknownHostCode:         "unknown host",
	TimeoutCode:             "timeout",
	InvalidURLCode:          "invalid URL",
	TooManyRedirectsCode:    "too many redirects",
	TLSHandshakeFailedCode:  "TLS handshake failed",
	TLSCertExpiredCode:      "TLS certificate expired",
	TLSCertUntrustedCode:    "TLS certificate untrusted",
	TLSCertNameMismatchCode: "TLS certificate name mismatch",
	ConnectionRefusedCode:   "connection refused",
	ConnectionResetCode:     "connection reset",
	NetworkDownCode:         "network down",
	UnauthorizedCode:        "unauthorized",
	ProxyCode:               "proxy error",
}

func codeName(d Domain, c Code) string {
	var m map[Code]string
	switch d {
	case DomainEngine:
		m = engineCodeNames
	case DomainStorage:
		m = storageCodeNames
	case DomainCodec:
		m = codecCodeNames
	case DomainNetwork:
		m = networkCodeNames
	case DomainTransport:
		return fmt.Sprintf("status %d", int(c))
	}
	if s, ok := m[c]; ok {
		return s
	}
	return fmt.Sprintf("code %d", int(c))
}

type Error struct {
	Domain Domain
	Code   Code
	Msg    string
	Err    error
}

func New(d Domain, c Code, format string, args ...any) *Error {
	return &Error{Domain: d, Code: c, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(d Domain, c Code, err error, format string, args ...any) *Error {
	return &Error{Domain: d, Code: c, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Transport returns an error carrying a raw remote status code.
func Transport(status int, msg string) *Error {
	return &Error{Domain: DomainTransport, Code: Code(status), Msg: msg}
}

func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Domain.String())
	buf.WriteByte('/')
	buf.WriteString(codeName(e.Domain, e.Code))
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// Sentinels for errors.Is. Do not return these directly; use New or Wrap so
// that the message carries context.
var (
	AssertionFailed      = &Error{Domain: DomainEngine, Code: AssertionFailedCode}
	Unimplemented        = &Error{Domain: DomainEngine, Code: UnimplementedCode}
	BadParameter         = &Error{Domain: DomainEngine, Code: BadParameterCode}
	NotFound             = &Error{Domain: DomainEngine, Code: NotFoundCode}
	Conflict             = &Error{Domain: DomainEngine, Code: ConflictCode}
	NotOpen              = &Error{Domain: DomainEngine, Code: NotOpenCode}
	Busy                 = &Error{Domain: DomainEngine, Code: BusyCode}
	CorruptData          = &Error{Domain: DomainEngine, Code: CorruptDataCode}
	WrongFormat          = &Error{Domain: DomainEngine, Code: WrongFormatCode}
	Unsupported          = &Error{Domain: DomainEngine, Code: UnsupportedCode}
	BadDocID             = &Error{Domain: DomainEngine, Code: BadDocIDCode}
	InvalidQuery         = &Error{Domain: DomainEngine, Code: InvalidQueryCode}
	MissingIndex         = &Error{Domain: DomainEngine, Code: MissingIndexCode}
	InvalidQueryParam    = &Error{Domain: DomainEngine, Code: InvalidQueryParamCode}
	NotInTransaction     = &Error{Domain: DomainEngine, Code: NotInTransactionCode}
	TransactionNotClosed = &Error{Domain: DomainEngine, Code: TransactionNotClosedCode}
	Crypto               = &Error{Domain: DomainEngine, Code: CryptoCode}
	RemoteError          = &Error{Domain: DomainEngine, Code: RemoteErrorCode}

	CantOpenFile = &Error{Domain: DomainStorage, Code: CantOpenFileCode}
	IOError      = &Error{Domain: DomainStorage, Code: IOErrorCode}
	NotWriteable = &Error{Domain: DomainStorage, Code: NotWriteableCode}

	InvalidData = &Error{Domain: DomainCodec, Code: InvalidDataCode}
	EncodeError = &Error{Domain: DomainCodec, Code: EncodeErrorCode}
	JSONError   = &Error{Domain: DomainCodec, Code: JSONErrorCode}
	KeyNotFound = &Error{Domain: DomainCodec, Code: KeyNotFoundCode}

	Timeout            = &Error{Domain: DomainNetwork, Code: TimeoutCode}
	UnknownHost        = &Error{Domain: DomainNetwork, Code: UnknownHostCode}
	TLSCertUntrusted   = &Error{Domain: DomainNetwork, Code: TLSCertUntrustedCode}
	ConnectionRefused  = &Error{Domain: DomainNetwork, Code: ConnectionRefusedCode}
	Unauthorized       = &Error{Domain: DomainNetwork, Code: UnauthorizedCode}
	TLSHandshakeFailed = &Error{Domain: DomainNetwork, Code: TLSHandshakeFailedCode}
)

// DomainOf returns the domain and code of the first *Error in err's chain.
func DomainOf(err error) (Domain, Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Domain, e.Code, true
	}
	return 0, 0, false
}

// IsRetryable reports whether a replication session that failed with err
// should be retried after a backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	d, c, ok := DomainOf(err)
	if !ok {
		return false
	}
	switch d {
	case DomainNetwork:
		switch c {
		case UnauthorizedCode, InvalidURLCode, TLSCertUntrustedCode, TLSCertNameMismatchCode, TLSCertExpiredCode:
			return false
		}
		return true
	case DomainTransport:
		switch int(c) {
		case 408, 429, 500, 502, 503, 504:
			return true
		case 1001, 1006, 1011, 1012, 1013:
			return true
		}
		return false
	case DomainEngine:
		return c == BusyCode
	}
	return false
}
