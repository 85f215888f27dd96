package listener

import (
	"crypto/rand"
	"crypto/subtle"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/text/secure/precis"

	"github.com/andreyvit/syncdb/dberr"
)

// Argon2id parameters for new password hashes. Stored hashes carry their
// own parameters.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

type PasswordHash struct {
	Hash    []byte `yaml:"hash"`
	Salt    []byte `yaml:"salt"`
	Method  string `yaml:"method"`
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory"`
	Threads uint8  `yaml:"threads"`
	KeyLen  uint32 `yaml:"keylen"`
}

func HashPassword(password string) (PasswordHash, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return PasswordHash{}, err
	}
	return PasswordHash{
		Hash:    argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
		Salt:    salt,
		Method:  "argon2id",
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
		KeyLen:  argonKeyLen,
	}, nil
}

func (h PasswordHash) Verify(password string) bool {
	if h.Method != "argon2id" || h.KeyLen == 0 {
		return false
	}
	hash := argon2.IDKey([]byte(password), h.Salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return subtle.ConstantTimeCompare(hash, h.Hash) == 1
}

// User is a principal allowed to replicate. Channels lists the document
// channels the user can see; "*" grants all.
type User struct {
	Name     string
	Channels []string
	Password PasswordHash
}

type Session struct {
	ID      string
	User    string
	Expires time.Time
}

// UserStore holds users and their sessions in memory. Persisting users is
// up to the caller.
type UserStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]Session
	now      func() time.Time
}

func NewUserStore() *UserStore {
	return &UserStore{
		users:    make(map[string]*User),
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func normalizeName(name string) (string, error) {
	s, err := precis.UsernameCaseMapped.String(name)
	if err != nil {
		return "", dberr.Wrap(dberr.DomainEngine, dberr.BadParameterCode, err, "invalid user name %q", name)
	}
	return s, nil
}

func (s *UserStore) AddUser(name, password string, channels []string) error {
	h, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.AddUserWithHash(name, h, channels)
}

// AddUserWithHash adds or replaces a user whose password is already hashed.
func (s *UserStore) AddUserWithHash(name string, h PasswordHash, channels []string) error {
	key, err := normalizeName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[key] = &User{Name: key, Channels: slices.Clone(channels), Password: h}
	return nil
}

// RemoveUser deletes a user along with its sessions.
func (s *UserStore) RemoveUser(name string) {
	key, err := normalizeName(name)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, key)
	for id, sess := range s.sessions {
		if sess.User == key {
			delete(s.sessions, id)
		}
	}
}

// SetChannels changes what a user can see. Connected replicators observe
// the change on their next request.
func (s *UserStore) SetChannels(name string, channels []string) error {
	key, err := normalizeName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[key]
	if u == nil {
		return dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "user %s", key)
	}
	u.Channels = slices.Clone(channels)
	return nil
}

func (s *UserStore) User(name string) (User, bool) {
	key, err := normalizeName(name)
	if err != nil {
		return User{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.users[key]
	if u == nil {
		return User{}, false
	}
	return *u, true
}

// Users returns all users sorted by name.
func (s *UserStore) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, *u)
	}
	slices.SortFunc(result, func(a, b User) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return result
}

func unauthorized(format string, args ...any) error {
	return dberr.New(dberr.DomainNetwork, dberr.UnauthorizedCode, format, args...)
}

func (s *UserStore) Authenticate(name, password string) (User, error) {
	key, err := normalizeName(name)
	if err != nil {
		return User{}, unauthorized("invalid credentials")
	}
	s.mu.RLock()
	u := s.users[key]
	s.mu.RUnlock()
	if u == nil || !u.Password.Verify(password) {
		return User{}, unauthorized("invalid credentials")
	}
	return *u, nil
}

func (s *UserStore) CreateSession(name string, ttl time.Duration) (Session, error) {
	key, err := normalizeName(name)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[key] == nil {
		return Session{}, dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "user %s", key)
	}
	sess := Session{
		ID:      uuid.NewString(),
		User:    key,
		Expires: s.now().Add(ttl),
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// SessionUser returns the user owning a live session.
func (s *UserStore) SessionUser(id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, found := s.sessions[id]
	if !found {
		return User{}, unauthorized("unknown session")
	}
	if !s.now().Before(sess.Expires) {
		delete(s.sessions, id)
		return User{}, unauthorized("session expired")
	}
	u := s.users[sess.User]
	if u == nil {
		return User{}, unauthorized("unknown session")
	}
	return *u, nil
}

func (s *UserStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
