// Package listener serves a syncdb database to remote replicators over
// WebSocket at /{db}/_sync.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/syncproto"
)

// SessionCookieName is the cookie carrying a session created by
// UserStore.CreateSession.
const SessionCookieName = "SyncGatewaySession"

const realm = "syncdb"

type Config struct {
	Database *syncdb.Database
	// Collections limits what is served; empty serves every collection.
	Collections []*syncdb.Collection

	// Port to listen on; 0 picks a free one.
	Port int
	// NetworkInterface is the address to bind; empty binds all.
	NetworkInterface string
	TLSConfig        *tls.Config

	// Users authenticates clients. Without a store every client is
	// anonymous and sees everything.
	Users    *UserStore
	ReadOnly bool

	Logger *zerolog.Logger
}

type Listener struct {
	cfg         Config
	log         zerolog.Logger
	db          *syncdb.Database
	collections []string
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

var _ http.Handler = (*Listener)(nil)

func New(cfg Config) (*Listener, error) {
	if cfg.Database == nil {
		return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "listener: no database")
	}
	if cfg.Database.IsClosed() {
		return nil, dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "listener: database is closed")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	l := &Listener{
		cfg:   cfg,
		log:   log.With().Str("db", cfg.Database.Name()).Logger(),
		db:    cfg.Database.Retain(),
		conns: make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  30 * time.Second,
			Subprotocols:      []string{syncproto.Subprotocol},
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
	for _, c := range cfg.Collections {
		if c.Database().UUID() != l.db.UUID() {
			l.db.Close()
			return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "listener: collection %s belongs to another database", c.FullName())
		}
		l.collections = append(l.collections, c.FullName())
	}
	return l, nil
}

// Start listens on the configured interface and port.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return nil
	}
	if l.db.IsClosed() {
		return dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "listener: stopped")
	}
	addr := net.JoinHostPort(l.cfg.NetworkInterface, strconv.Itoa(l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return dberr.FromNetwork(err)
	}
	if l.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, l.cfg.TLSConfig)
	}
	srv := &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 30 * time.Second,
	}
	l.srv = srv
	l.ln = ln
	l.log.Info().Str("addr", ln.Addr().String()).Msg("listener: started")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error().Err(err).Msg("listener: serve failed")
		}
	}()
	return nil
}

// Stop closes the listening socket and all connections, then releases the
// database.
func (l *Listener) Stop() {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.ln = nil
	conns := make([]*conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(ctx)
		cancel()
	}
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "listener stopped")
	}
	l.wg.Wait()
	if !l.db.IsClosed() {
		l.db.Close()
	}
	l.log.Info().Msg("listener: stopped")
}

// Port returns the bound port, or 0 when not started.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return 0
	}
	return l.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the database URL to give to a replicator, or nil when not
// started.
func (l *Listener) URL() *url.URL {
	port := l.Port()
	if port == 0 {
		return nil
	}
	scheme := "ws"
	if l.cfg.TLSConfig != nil {
		scheme = "wss"
	}
	host := l.cfg.NetworkInterface
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + l.db.Name(),
	}
}

// Connections returns the number of connected replicators.
func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/"+l.db.Name()+syncproto.Path {
		http.NotFound(w, r)
		return
	}
	if l.db.IsClosed() {
		http.Error(w, "database is closed", http.StatusServiceUnavailable)
		return
	}
	access, err := l.authenticate(r)
	if err != nil {
		l.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("listener: authentication failed")
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		l.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("listener: upgrade failed")
		return
	}
	if ws.Subprotocol() != syncproto.Subprotocol {
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"), time.Now().Add(time.Second))
		ws.Close()
		return
	}

	backend := syncproto.NewDynamicBackend(l.db, l.collections, access, l.log)
	c := newConn(ws, backend, l.log.With().Str("remote", r.RemoteAddr).Str("user", access().User).Logger())

	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		l.wg.Done()
	}()

	c.log.Debug().Msg("listener: connected")
	c.serve()
	c.log.Debug().Msg("listener: disconnected")
}

// authenticate returns the access function of the requesting user. User
// channels are looked up on every request, so that changes apply to
// connected clients.
func (l *Listener) authenticate(r *http.Request) (func() syncproto.Access, error) {
	readOnly := l.cfg.ReadOnly
	users := l.cfg.Users
	if users == nil {
		access := syncproto.FullAccess
		access.ReadOnly = readOnly
		return func() syncproto.Access { return access }, nil
	}

	var user User
	var err error
	if cookie, cerr := r.Cookie(SessionCookieName); cerr == nil {
		user, err = users.SessionUser(cookie.Value)
	} else if name, password, ok := r.BasicAuth(); ok {
		user, err = users.Authenticate(name, password)
	} else {
		err = unauthorized("no credentials")
	}
	if err != nil {
		return nil, err
	}

	name := user.Name
	return func() syncproto.Access {
		u, found := users.User(name)
		if !found {
			return syncproto.Access{User: name, ReadOnly: true}
		}
		return syncproto.Access{User: name, Channels: u.Channels, ReadOnly: readOnly}
	}, nil
}
