package dberr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"

	"go.etcd.io/bbolt"
)

// FromStorage translates an error returned by the storage backend.
func FromStorage(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, bbolt.ErrTimeout):
		return Wrap(DomainEngine, BusyCode, err, "database file is locked")
	case errors.Is(err, bbolt.ErrDatabaseNotOpen), errors.Is(err, bbolt.ErrTxClosed):
		return Wrap(DomainEngine, NotOpenCode, err, "")
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrVersionMismatch), errors.Is(err, bbolt.ErrChecksum):
		return Wrap(DomainEngine, WrongFormatCode, err, "not a database file")
	case errors.Is(err, bbolt.ErrDatabaseReadOnly), errors.Is(err, bbolt.ErrTxNotWritable):
		return Wrap(DomainStorage, NotWriteableCode, err, "")
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return Wrap(DomainStorage, CantOpenFileCode, err, "")
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return Wrap(DomainStorage, IOErrorCode, err, "")
	}
	return Wrap(DomainStorage, IOErrorCode, err, "")
}

// FromNetwork translates an error returned while dialing or talking to a
// remote peer.
func FromNetwork(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		if certInvalid.Reason == x509.Expired {
			return Wrap(DomainNetwork, TLSCertExpiredCode, err, "")
		}
		return Wrap(DomainNetwork, TLSCertUntrustedCode, err, "")
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return Wrap(DomainNetwork, TLSCertUntrustedCode, err, "")
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return Wrap(DomainNetwork, TLSCertNameMismatchCode, err, "")
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return Wrap(DomainNetwork, TLSHandshakeFailedCode, err, "")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return Wrap(DomainNetwork, UnknownHostCode, err, "")
		}
		return Wrap(DomainNetwork, DNSFailureCode, err, "")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "stopped after") {
		return Wrap(DomainNetwork, TooManyRedirectsCode, err, "")
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Wrap(DomainNetwork, TimeoutCode, err, "")
	case errors.Is(err, syscall.ECONNREFUSED):
		return Wrap(DomainNetwork, ConnectionRefusedCode, err, "")
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return Wrap(DomainNetwork, ConnectionResetCode, err, "")
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return Wrap(DomainNetwork, NetworkDownCode, err, "")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(DomainNetwork, TimeoutCode, err, "")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(DomainNetwork, ConnectionResetCode, err, "")
	}
	if strings.Contains(err.Error(), "tls:") {
		return Wrap(DomainNetwork, TLSHandshakeFailedCode, err, "")
	}
	return Wrap(DomainNetwork, ConnectionResetCode, err, "")
}

// FromHTTPStatus translates a failed websocket upgrade response.
func FromHTTPStatus(status int, text string) error {
	switch status {
	case 401, 403:
		return New(DomainNetwork, UnauthorizedCode, "HTTP %d %s", status, text)
	case 407:
		return New(DomainNetwork, ProxyCode, "HTTP %d %s", status, text)
	}
	return Transport(status, text)
}

// FromCloseCode translates a websocket close frame received from the peer.
// Normal closure yields nil.
func FromCloseCode(code int, text string) error {
	switch code {
	case 1000:
		return nil
	case 1008:
		return New(DomainNetwork, UnauthorizedCode, "%s", text)
	}
	return Transport(code, text)
}
