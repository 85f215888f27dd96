package listener

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb/syncproto"
)

const (
	writeTimeout = 30 * time.Second
	maxFrameSize = 64 << 20
)

// conn is one replicator connection. Requests run concurrently; responses
// and notifications share the write lock.
type conn struct {
	ws      *websocket.Conn
	backend *syncproto.Backend
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, backend *syncproto.Backend, log zerolog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:      ws,
		backend: backend,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		if err := c.backend.Close(); err != nil {
			c.log.Warn().Err(err).Msg("listener: closing backend")
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("listener: read failed")
			}
			return
		}
		var f syncproto.Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("listener: malformed frame")
			c.close(websocket.CloseUnsupportedData, "malformed frame")
			return
		}
		if f.ID == 0 {
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			resp := syncproto.Dispatch(c.ctx, c.backend, &f, c.notify)
			if resp.Error != nil {
				c.log.Debug().Str("method", f.Method).Str("error", resp.Error.Msg).Msg("listener: request failed")
			}
			c.write(resp)
		}()
	}
}

func (c *conn) notify(n syncproto.Notification) {
	params, err := msgpack.Marshal(&n)
	if err != nil {
		c.log.Error().Err(err).Msg("listener: encoding notification")
		return
	}
	c.write(&syncproto.Frame{Method: syncproto.NotifyChanged, Params: params})
}

func (c *conn) write(f *syncproto.Frame) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Str("method", f.Method).Msg("listener: encoding frame")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.log.Debug().Err(err).Msg("listener: write failed")
		c.ws.Close()
	}
}

// close sends a close frame and drops the connection; serve then returns.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		c.ws.Close()
	})
}
