package replicator

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/dberr"
)

type Type int

const (
	PushAndPull Type = iota
	Push
	Pull
)

func (v Type) String() string {
	switch v {
	case PushAndPull:
		return "push-and-pull"
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("invalid replicator type %d", int(v))
	}
}

func (v Type) pushes() bool { return v == PushAndPull || v == Push }
func (v Type) pulls() bool  { return v == PushAndPull || v == Pull }

// Endpoint is the database to replicate with: a remote URL served by a
// listener, or another database in this process.
type Endpoint struct {
	url *url.URL
	db  *syncdb.Database
}

// URLEndpoint parses a ws:// or wss:// database URL, e.g.
// ws://localhost:4984/travel.
func URLEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, dberr.Wrap(dberr.DomainNetwork, dberr.InvalidURLCode, err, "")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Endpoint{}, dberr.New(dberr.DomainNetwork, dberr.InvalidURLCode, "%s: scheme must be ws or wss", s)
	}
	if u.Host == "" || u.Path == "" || u.Path == "/" {
		return Endpoint{}, dberr.New(dberr.DomainNetwork, dberr.InvalidURLCode, "%s: missing host or database name", s)
	}
	return Endpoint{url: u}, nil
}

// DatabaseEndpoint replicates with another database in the same process.
func DatabaseEndpoint(db *syncdb.Database) Endpoint {
	return Endpoint{db: db}
}

func (e Endpoint) String() string {
	switch {
	case e.url != nil:
		return e.url.String()
	case e.db != nil:
		return "db:" + e.db.UUID()
	default:
		return "<none>"
	}
}

func (e Endpoint) isZero() bool {
	return e.url == nil && e.db == nil
}

// Authenticator supplies credentials to a URL endpoint.
type Authenticator interface {
	authenticate(h headerSetter)
}

type headerSetter interface {
	Set(key, value string)
	Add(key, value string)
}

// BasicAuthenticator sends a user name and password.
type BasicAuthenticator struct {
	Username string
	Password string
}

func (a *BasicAuthenticator) authenticate(h headerSetter) {
	h.Set("Authorization", basicAuth(a.Username, a.Password))
}

// DefaultSessionCookieName is used when SessionAuthenticator.CookieName is
// empty.
const DefaultSessionCookieName = "SyncGatewaySession"

// SessionAuthenticator sends a session cookie obtained out of band.
type SessionAuthenticator struct {
	SessionID  string
	CookieName string
}

func (a *SessionAuthenticator) authenticate(h headerSetter) {
	name := a.CookieName
	if name == "" {
		name = DefaultSessionCookieName
	}
	h.Add("Cookie", name+"="+a.SessionID)
}

type ProxyType int

const (
	ProxyHTTP ProxyType = iota
	ProxyHTTPS
)

type ProxySettings struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

func (p *ProxySettings) url() *url.URL {
	scheme := "http"
	if p.Type == ProxyHTTPS {
		scheme = "https"
	}
	u := &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", p.Host, p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Filter decides whether a document is transferred. Returning false skips
// it for that direction.
type Filter func(doc *syncdb.Document, flags DocumentFlags) bool

// ConflictResolver picks the revision to keep when a pulled revision
// conflicts with the local one. local and remote are nil for deletions.
type ConflictResolver func(docID string, local, remote *syncdb.Document) *syncdb.Document

type CollectionConfiguration struct {
	Collection       *syncdb.Collection
	ConflictResolver ConflictResolver
	PushFilter       Filter
	PullFilter       Filter
	// Channels limits pulling to documents in these channels.
	Channels []string
	// DocumentIDs limits both directions to these documents.
	DocumentIDs []string
}

type Configuration struct {
	Endpoint   Endpoint
	Type       Type
	Continuous bool

	// DisableAutoPurge keeps local copies of documents the remote user lost
	// access to. The event is reported either way.
	DisableAutoPurge bool

	// MaxAttempts bounds connection attempts, the first one included: 1
	// means no retry. 0 means 10 for one-shot and unbounded for continuous
	// replication.
	MaxAttempts int
	// MaxAttemptWaitTime caps the backoff delay. Defaults to 300s.
	MaxAttemptWaitTime time.Duration
	// Heartbeat is the websocket ping interval and the continuous
	// replication poll interval. Defaults to 300s.
	Heartbeat time.Duration

	Authenticator                         Authenticator
	Proxy                                 *ProxySettings
	Headers                               map[string]string
	PinnedServerCertificate               []byte
	TrustedRootCertificates               []byte
	AcceptOnlySelfSignedServerCertificate bool

	Collections []CollectionConfiguration

	PropertyEncryptor PropertyEncryptor
	PropertyDecryptor PropertyDecryptor

	// BatchSize is the number of changes transferred per round trip.
	BatchSize int

	Logger *zerolog.Logger
	Now    func() time.Time
}

const (
	defaultOneShotAttempts = 10
	defaultMaxWait         = 300 * time.Second
	defaultHeartbeat       = 300 * time.Second
	defaultBatchSize       = 100
	initialRetryDelay      = 2 * time.Second
)

func (cfg Configuration) withDefaults() Configuration {
	if cfg.MaxAttempts == 0 && !cfg.Continuous {
		cfg.MaxAttempts = defaultOneShotAttempts
	}
	if cfg.MaxAttemptWaitTime <= 0 {
		cfg.MaxAttemptWaitTime = defaultMaxWait
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func (cfg *Configuration) validate() error {
	if cfg.Endpoint.isZero() {
		return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: missing endpoint")
	}
	if len(cfg.Collections) == 0 {
		return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: no collections")
	}
	var db *syncdb.Database
	seen := make(map[string]bool)
	for _, cc := range cfg.Collections {
		if cc.Collection == nil {
			return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: nil collection")
		}
		if db == nil {
			db = cc.Collection.Database()
		} else if cc.Collection.Database().UUID() != db.UUID() {
			return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: collections belong to different databases")
		}
		name := cc.Collection.FullName()
		if seen[name] {
			return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: collection %s listed twice", name)
		}
		seen[name] = true
	}
	if cfg.Endpoint.db != nil && cfg.Endpoint.db.UUID() == db.UUID() {
		return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: cannot replicate a database with itself")
	}
	if cfg.MaxAttempts < 0 {
		return dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: negative MaxAttempts")
	}
	return nil
}

func (cfg *Configuration) database() *syncdb.Database {
	return cfg.Collections[0].Collection.Database()
}
