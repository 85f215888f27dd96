package replicator

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/syncproto"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 30 * time.Second
	userAgent        = "syncdb-replicator/1"
)

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func newDialer(cfg *Configuration) (*websocket.Dialer, error) {
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	d := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
		Subprotocols:      []string{syncproto.Subprotocol},
		TLSClientConfig:   tlsCfg,
	}
	if cfg.Proxy != nil {
		d.Proxy = http.ProxyURL(cfg.Proxy.url())
	}
	return d, nil
}

func tlsConfig(cfg *Configuration) (*tls.Config, error) {
	c := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(cfg.TrustedRootCertificates) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.TrustedRootCertificates) {
			return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: no certificates in TrustedRootCertificates")
		}
		c.RootCAs = pool
	}
	switch {
	case len(cfg.PinnedServerCertificate) > 0:
		pinned := cfg.PinnedServerCertificate
		if block, _ := pem.Decode(pinned); block != nil {
			pinned = block.Bytes
		}
		// Pinning replaces chain validation.
		c.InsecureSkipVerify = true
		c.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned) {
				return dberr.New(dberr.DomainNetwork, dberr.TLSCertUntrustedCode, "server certificate does not match the pinned one")
			}
			return nil
		}
	case cfg.AcceptOnlySelfSignedServerCertificate:
		c.InsecureSkipVerify = true
		c.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return dberr.New(dberr.DomainNetwork, dberr.TLSCertUntrustedCode, "no server certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return dberr.Wrap(dberr.DomainNetwork, dberr.TLSHandshakeFailedCode, err, "")
			}
			if err := leaf.CheckSignatureFrom(leaf); err != nil {
				return dberr.New(dberr.DomainNetwork, dberr.TLSCertUntrustedCode, "server certificate is not self-signed")
			}
			return nil
		}
	}
	return c, nil
}

func requestHeader(cfg *Configuration) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	if cfg.Authenticator != nil {
		cfg.Authenticator.authenticate(h)
	}
	return h
}

// wsPeer is a syncproto.Peer answered by a remote listener.
type wsPeer struct {
	conn      *websocket.Conn
	log       zerolog.Logger
	heartbeat time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *syncproto.Frame
	notify  func(syncproto.Notification)

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

var _ syncproto.Peer = (*wsPeer)(nil)

func dialPeer(ctx context.Context, cfg *Configuration, log zerolog.Logger) (*wsPeer, error) {
	d, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	u := *cfg.Endpoint.url
	u.Path += syncproto.Path

	conn, resp, err := d.DialContext(ctx, u.String(), requestHeader(cfg))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				return nil, dberr.FromHTTPStatus(resp.StatusCode, http.StatusText(resp.StatusCode))
			}
		}
		if _, _, ok := dberr.DomainOf(err); ok {
			return nil, err
		}
		return nil, dberr.FromNetwork(err)
	}
	resp.Body.Close()
	if conn.Subprotocol() != syncproto.Subprotocol {
		conn.Close()
		return nil, dberr.New(dberr.DomainEngine, dberr.WrongFormatCode, "server did not accept subprotocol %s", syncproto.Subprotocol)
	}

	p := &wsPeer{
		conn:      conn,
		log:       log,
		heartbeat: cfg.Heartbeat,
		pending:   make(map[uint64]chan *syncproto.Frame),
		done:      make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(2 * p.heartbeat))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * p.heartbeat))
	})
	go p.readLoop()
	go p.pingLoop()
	return p, nil
}

func (p *wsPeer) Done() <-chan struct{} {
	return p.done
}

func (p *wsPeer) Err() error {
	<-p.done
	return p.err
}

func (p *wsPeer) fail(err error) {
	p.closeOnce.Do(func() {
		p.err = err
		close(p.done)
		p.conn.Close()
	})
}

func (p *wsPeer) Close() error {
	p.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		p.log.Debug().Err(err).Msg("replicator: failed to send close message")
	}
	p.fail(dberr.New(dberr.DomainNetwork, dberr.ConnectionResetCode, "connection closed"))
	return nil
}

func (p *wsPeer) write(f *syncproto.Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return dberr.Wrap(dberr.DomainCodec, dberr.EncodeErrorCode, err, "%s", f.Method)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		err = dberr.FromNetwork(err)
		p.fail(err)
		return err
	}
	return nil
}

func (p *wsPeer) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-p.done:
		return p.err
	default:
	}
	raw, err := msgpack.Marshal(params)
	if err != nil {
		return dberr.Wrap(dberr.DomainCodec, dberr.EncodeErrorCode, err, "%s", method)
	}

	ch := make(chan *syncproto.Frame, 1)
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(&syncproto.Frame{ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return p.err
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := msgpack.Unmarshal(resp.Result, result); err != nil {
			return dberr.Wrap(dberr.DomainCodec, dberr.InvalidDataCode, err, "%s result", method)
		}
		return nil
	}
}

func (p *wsPeer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.fail(readError(err))
			return
		}
		var f syncproto.Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			p.fail(dberr.Wrap(dberr.DomainCodec, dberr.InvalidDataCode, err, "frame"))
			return
		}

		if f.IsNotification() {
			p.handleNotification(&f)
			continue
		}
		p.mu.Lock()
		ch := p.pending[f.ID]
		p.mu.Unlock()
		if ch == nil {
			p.log.Debug().Uint64("id", f.ID).Msg("replicator: response to an abandoned request")
			continue
		}
		ch <- &f
	}
}

func (p *wsPeer) handleNotification(f *syncproto.Frame) {
	if f.Method != syncproto.NotifyChanged {
		p.log.Debug().Str("method", f.Method).Msg("replicator: unknown notification")
		return
	}
	var n syncproto.Notification
	if err := msgpack.Unmarshal(f.Params, &n); err != nil {
		p.log.Warn().Err(err).Msg("replicator: malformed notification")
		return
	}
	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify(n)
	}
}

func readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if err := dberr.FromCloseCode(ce.Code, ce.Text); err != nil {
			return err
		}
		return dberr.New(dberr.DomainNetwork, dberr.ConnectionResetCode, "connection closed by peer")
	}
	return dberr.FromNetwork(err)
}

func (p *wsPeer) pingLoop() {
	t := time.NewTicker(p.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.fail(dberr.FromNetwork(err))
				return
			}
		}
	}
}

func (p *wsPeer) Hello(ctx context.Context, req *syncproto.HelloRequest) (*syncproto.HelloResponse, error) {
	var resp syncproto.HelloResponse
	if err := p.call(ctx, syncproto.MethodHello, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *wsPeer) Changes(ctx context.Context, req *syncproto.ChangesRequest) (*syncproto.ChangesResponse, error) {
	var resp syncproto.ChangesResponse
	if err := p.call(ctx, syncproto.MethodChanges, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *wsPeer) Revisions(ctx context.Context, req *syncproto.RevisionsRequest) ([]*syncproto.Revision, error) {
	var resp []*syncproto.Revision
	if err := p.call(ctx, syncproto.MethodRevisions, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *wsPeer) Put(ctx context.Context, req *syncproto.PutRequest) ([]syncproto.PutResult, error) {
	var resp []syncproto.PutResult
	if err := p.call(ctx, syncproto.MethodPut, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *wsPeer) Subscribe(ctx context.Context, req *syncproto.SubscribeRequest, notify func(syncproto.Notification)) error {
	p.mu.Lock()
	p.notify = notify
	p.mu.Unlock()
	return p.call(ctx, syncproto.MethodSubscribe, req, nil)
}
