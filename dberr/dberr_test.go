package dberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestErrorIsMatchesDomainAndCode(t *testing.T) {
	err := New(DomainEngine, NotFoundCode, "doc %q", "foo")
	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, Conflict))

	wrapped := fmt.Errorf("loading: %w", err)
	assert.True(t, errors.Is(wrapped, NotFound))

	assert.Equal(t, `engine/not found: doc "foo"`, err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	inner := errors.New("inner")
	err := Wrap(DomainStorage, IOErrorCode, inner, "writing")
	assert.True(t, errors.Is(err, inner))
	assert.True(t, errors.Is(err, IOError))
	assert.Equal(t, "storage/i/o error: writing: inner", err.Error())
}

func TestTransportCode(t *testing.T) {
	err := Transport(503, "unavailable")
	d, c, ok := DomainOf(err)
	require.True(t, ok)
	assert.Equal(t, DomainTransport, d)
	assert.Equal(t, Code(503), c)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(Transport(404, "no db")))
}

func TestDataError(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := DataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		require.True(t, errors.As(err, &de))
		assert.True(t, errors.Is(err, inner))
		assert.True(t, errors.Is(err, CorruptData))
		assert.Contains(t, err.Error(), "oops")
		assert.Contains(t, err.Error(), "(2)")
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		err := DataErrf(data, 0, nil, "oops")
		assert.Contains(t, err.Error(), "(200)")
		assert.Contains(t, err.Error(), "...")
	})
}

func TestFromStorage(t *testing.T) {
	assert.Nil(t, FromStorage(nil))
	assert.True(t, errors.Is(FromStorage(bbolt.ErrTimeout), Busy))
	assert.True(t, errors.Is(FromStorage(bbolt.ErrInvalid), WrongFormat))
	assert.True(t, errors.Is(FromStorage(errors.New("disk on fire")), IOError))

	already := New(DomainEngine, ConflictCode, "x")
	assert.Same(t, already, FromStorage(already))
}

func TestFromNetwork(t *testing.T) {
	assert.True(t, errors.Is(FromNetwork(context.DeadlineExceeded), Timeout))
	assert.True(t, errors.Is(FromNetwork(&net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}), UnknownHost))

	refused := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	assert.True(t, errors.Is(FromNetwork(refused), ConnectionRefused))
	assert.True(t, IsRetryable(FromNetwork(refused)))
}

func TestFromCloseCode(t *testing.T) {
	assert.Nil(t, FromCloseCode(1000, ""))
	assert.True(t, errors.Is(FromCloseCode(1008, "bad creds"), Unauthorized))
	assert.False(t, IsRetryable(FromCloseCode(1008, "bad creds")))
	assert.True(t, IsRetryable(FromCloseCode(1006, "")))
}

func TestFromHTTPStatus(t *testing.T) {
	assert.True(t, errors.Is(FromHTTPStatus(401, "Unauthorized"), Unauthorized))
	d, c, _ := DomainOf(FromHTTPStatus(404, "Not Found"))
	assert.Equal(t, DomainTransport, d)
	assert.Equal(t, Code(404), c)
}
