package syncdb

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

type Op int

const (
	OpNone Op = iota
	OpPut
	OpDelete
	OpPurge
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpPurge:
		return "purge"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// docChange is one committed document change, as queued for listeners.
type docChange struct {
	collID uint64
	scope  string
	coll   string
	docID  string
	op     Op
	seq    uint64
}

// CollectionChange lists the documents changed by one committed
// transaction.
type CollectionChange struct {
	Collection *Collection
	DocIDs     []string
}

type DocumentChange struct {
	Collection *Collection
	DocID      string
}

// ListenerToken keeps a change listener registered. Remove deregisters it;
// a token that becomes unreachable is deregistered automatically.
type ListenerToken struct {
	once    sync.Once
	remove  func()
	cleanup runtime.Cleanup
}

// NewListenerToken returns a token whose removal calls remove. remove must
// not reference the token and may be called from any goroutine.
func NewListenerToken(remove func()) *ListenerToken {
	t := &ListenerToken{remove: remove}
	t.cleanup = runtime.AddCleanup(t, func(f func()) { f() }, remove)
	return t
}

func (t *ListenerToken) Remove() {
	t.once.Do(func() {
		t.cleanup.Stop()
		t.remove()
	})
}

// listener receives the changes of one collection, of one document when
// docID is set, or of every collection when coll is nil.
type listener struct {
	owner  *Database
	coll   *Collection
	docID  string
	onColl func(CollectionChange)
	onDoc  func(DocumentChange)
}

// bus delivers committed changes to listeners on a single goroutine, in
// commit order.
type bus struct {
	log zerolog.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]*listener
	queue     [][]docChange
	closed    bool

	wake chan struct{} // never closed, so publish may signal it at any time
	stop chan struct{}
	done chan struct{}
}

func newBus(log zerolog.Logger) *bus {
	b := &bus{
		log:       log,
		listeners: make(map[uint64]*listener),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bus) add(l *listener) *ListenerToken {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.mu.Unlock()
	return NewListenerToken(func() { b.remove(id) })
}

func (b *bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

func (b *bus) removeOwner(owner *Database) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.listeners {
		if l.owner == owner {
			delete(b.listeners, id)
		}
	}
}

func (b *bus) publish(changes []docChange) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, changes)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// close delivers what is already queued and stops the delivery goroutine.
func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stop)
	<-b.done
}

func (b *bus) run() {
	defer close(b.done)
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.stop:
			b.drain()
			return
		}
	}
}

func (b *bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.deliver(batch)
	}
}

func (b *bus) snapshot() []*listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := make([]*listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	return ls
}

func (b *bus) deliver(batch []docChange) {
	byColl := make(map[uint64][]string)
	var collOrder []docChange
	for _, ch := range batch {
		if _, ok := byColl[ch.collID]; !ok {
			collOrder = append(collOrder, ch)
		}
		byColl[ch.collID] = append(byColl[ch.collID], ch.docID)
	}

	for _, l := range b.snapshot() {
		if l.coll == nil {
			for _, first := range collOrder {
				ev := CollectionChange{
					Collection: &Collection{db: l.owner, scope: first.scope, name: first.coll, id: first.collID},
					DocIDs:     dedupe(byColl[first.collID]),
				}
				b.dispatch(l.owner, func() { l.onColl(ev) })
			}
			continue
		}
		ids := byColl[l.coll.id]
		if len(ids) == 0 {
			continue
		}
		if l.docID != "" {
			for _, id := range ids {
				if id == l.docID {
					ev := DocumentChange{Collection: l.coll, DocID: id}
					b.dispatch(l.owner, func() { l.onDoc(ev) })
					break
				}
			}
		} else {
			ev := CollectionChange{Collection: l.coll, DocIDs: dedupe(ids)}
			b.dispatch(l.owner, func() { l.onColl(ev) })
		}
	}
}

func (b *bus) dispatch(owner *Database, f func()) {
	if owner.notif.enqueue(owner, f) {
		return
	}
	b.safelyNotify(f)
}

func (b *bus) safelyNotify(f func()) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().Str("stack", string(debug.Stack())).Msgf("db: change listener panicked: %v", p)
		}
	}()
	f()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// notifyBuffer holds notifications for a handle in buffered mode.
type notifyBuffer struct {
	mu        sync.Mutex
	buffering bool
	ready     func(*Database)
	pending   []func()
}

func (nb *notifyBuffer) enqueue(owner *Database, f func()) bool {
	nb.mu.Lock()
	if !nb.buffering {
		nb.mu.Unlock()
		return false
	}
	wasEmpty := len(nb.pending) == 0
	nb.pending = append(nb.pending, f)
	ready := nb.ready
	nb.mu.Unlock()
	if wasEmpty && ready != nil {
		ready(owner)
	}
	return true
}

// BufferNotifications switches the handle into buffered mode: notifications
// for listeners registered through it are queued instead of delivered, and
// ready is called whenever the queue becomes non-empty. Call
// SendNotifications to deliver them.
func (db *Database) BufferNotifications(ready func(db *Database)) {
	db.notif.mu.Lock()
	defer db.notif.mu.Unlock()
	db.notif.buffering = true
	db.notif.ready = ready
}

// SendNotifications delivers all queued notifications on the calling
// goroutine.
func (db *Database) SendNotifications() {
	db.notif.mu.Lock()
	pending := db.notif.pending
	db.notif.pending = nil
	db.notif.mu.Unlock()
	for _, f := range pending {
		db.e.bus.safelyNotify(f)
	}
}

// AddChangeListener registers f for every committed change in any
// collection of the database. f runs on the notification goroutine, once
// per collection touched by a transaction.
func (db *Database) AddChangeListener(f func(CollectionChange)) (*ListenerToken, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.e.bus.add(&listener{owner: db, onColl: f}), nil
}

// AddChangeListener registers f for committed changes in the collection.
func (c *Collection) AddChangeListener(f func(CollectionChange)) (*ListenerToken, error) {
	if err := c.db.check(); err != nil {
		return nil, err
	}
	return c.db.e.bus.add(&listener{owner: c.db, coll: c, onColl: f}), nil
}

// AddDocumentChangeListener registers f for committed changes of one
// document, including deletion and purge.
func (c *Collection) AddDocumentChangeListener(docID string, f func(DocumentChange)) (*ListenerToken, error) {
	if err := c.db.check(); err != nil {
		return nil, err
	}
	if err := validateDocID(docID); err != nil {
		return nil, err
	}
	return c.db.e.bus.add(&listener{owner: c.db, coll: c, docID: docID, onDoc: f}), nil
}
