// Package replicator synchronizes collections of a syncdb database with
// another database, either in the same process or served remotely by the
// listener package.
//
// A Replicator is a state machine driven by its own goroutine:
//
//	Stopped -> Connecting -> Idle <-> Busy
//
// Network failures move it to Offline, from where it reconnects with an
// exponential backoff. Stop, a fatal error, or the end of a one-shot
// replication move it back to Stopped. Progress is observable only through
// Status and the listeners.
package replicator

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/syncproto"
)

type Replicator struct {
	cfg     Configuration
	log     zerolog.Logger
	parent  *syncdb.Database
	colls   []*collState
	backoff backoff

	mu         sync.Mutex
	status     Status
	running    bool
	cancel     context.CancelFunc
	sessCancel context.CancelFunc
	done       chan struct{}
	suspended  bool
	reachable  bool
	wake       chan struct{}
	skipped    map[skipKey]string

	lmu             sync.Mutex
	nextListenerID  uint64
	statusListeners map[uint64]func(Status)
	docListeners    map[uint64]func(Direction, []ReplicatedDocument)
	events          dispatcher
}

type skipKey struct {
	coll  string
	docID string
}

// New validates cfg and returns a stopped replicator.
func New(cfg Configuration) (*Replicator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("endpoint", cfg.Endpoint.String()).Stringer("type", cfg.Type).Logger()

	r := &Replicator{
		cfg:    cfg,
		log:    log,
		parent: cfg.database(),
		backoff: backoff{
			initial:     initialRetryDelay,
			max:         cfg.MaxAttemptWaitTime,
			maxAttempts: cfg.MaxAttempts,
		},
		reachable:       true,
		wake:            make(chan struct{}, 1),
		skipped:         make(map[skipKey]string),
		statusListeners: make(map[uint64]func(Status)),
		docListeners:    make(map[uint64]func(Direction, []ReplicatedDocument)),
		events:          dispatcher{log: log},
	}
	if initialRetryDelay > r.backoff.max {
		r.backoff.initial = r.backoff.max
	}
	for _, cc := range cfg.Collections {
		r.colls = append(r.colls, newCollState(cc, &r.cfg))
	}
	return r, nil
}

func (r *Replicator) Config() Configuration {
	return r.cfg
}

func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start begins replicating. With resetCheckpoint the stored progress is
// discarded and every document is compared again. Start does nothing if the
// replicator is already running.
func (r *Replicator) Start(resetCheckpoint bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	if r.parent.IsClosed() {
		r.status.Error = dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "replicator: database is closed")
		r.postStatus(r.status)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.status = Status{Activity: Stopped}
	go r.run(ctx, resetCheckpoint, r.done)
}

// Stop asks the replicator to stop and returns immediately. A final Stopped
// status is reported once it has.
func (r *Replicator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.cancel()
	}
}

// StopAndWait stops the replicator and waits up to timeout for it to reach
// Stopped. It returns false if that was not observed in time; the
// replicator still stops eventually.
func (r *Replicator) StopAndWait(timeout time.Duration) bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return true
	}
	r.cancel()
	done := r.done
	r.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// SetSuspended disconnects and holds the replicator Offline until it is
// unsuspended.
func (r *Replicator) SetSuspended(suspended bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suspended == suspended {
		return
	}
	r.suspended = suspended
	r.log.Debug().Bool("suspended", suspended).Msg("replicator: suspension changed")
	if suspended {
		if r.sessCancel != nil {
			r.sessCancel()
		}
	} else {
		r.signalWake()
	}
}

// SetHostReachable tells the replicator whether the remote host can be
// reached. While unreachable, an Offline replicator does not retry; an
// active session is left alone. Becoming reachable retries immediately.
func (r *Replicator) SetHostReachable(reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reachable == reachable {
		return
	}
	r.reachable = reachable
	if reachable {
		r.signalWake()
	}
}

func (r *Replicator) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Replicator) canRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable && !r.suspended
}

func (r *Replicator) isSuspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

func (r *Replicator) run(ctx context.Context, reset bool, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		sessCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.sessCancel = cancel
		suspended := r.suspended
		r.mu.Unlock()

		var err error
		if !suspended {
			r.transitionTo(Connecting, nil)
			err = r.runSession(sessCtx, reset, func() {
				attempt = 0
				reset = false
			})
		}
		cancel()

		switch {
		case ctx.Err() != nil:
			r.finish(nil)
			return
		case suspended || r.isSuspended():
			r.transitionTo(Offline, nil)
			if !r.waitRetry(ctx, 0) {
				r.finish(nil)
				return
			}
			continue
		case err == nil:
			r.finish(nil)
			return
		case !retryable(err):
			r.log.Error().Err(err).Msg("replicator: stopped by fatal error")
			r.finish(err)
			return
		}

		attempt++
		delay, ok := r.backoff.next(attempt)
		if !ok {
			r.log.Error().Err(err).Int("attempts", attempt).Msg("replicator: giving up")
			r.finish(err)
			return
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("replicator: offline, will retry")
		r.transitionTo(Offline, err)
		if !r.waitRetry(ctx, delay) {
			r.finish(nil)
			return
		}
	}
}

// waitRetry waits for the backoff delay, or for a wake-up that makes a
// retry possible. While the host is unreachable or the replicator is
// suspended, only a wake-up ends the wait. Returns false on stop.
func (r *Replicator) waitRetry(ctx context.Context, delay time.Duration) bool {
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if r.canRetry() {
			timer = time.NewTimer(delay)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return false
		case <-timerC:
			return true
		case <-r.wake:
			if timer != nil {
				timer.Stop()
			}
			if r.canRetry() {
				return true
			}
		}
	}
}

func retryable(err error) bool {
	return isTemporaryCrypto(err) || dberr.IsRetryable(err)
}

// finish reports the terminal Stopped status. It is posted even when the
// replicator never left Stopped, so every Start ends with one.
func (r *Replicator) finish(err error) {
	r.mu.Lock()
	prev := r.status.Activity
	r.running = false
	r.sessCancel = nil
	r.status.Activity = Stopped
	r.status.Error = err
	r.postStatus(r.status)
	r.mu.Unlock()

	r.log.Debug().Stringer("from", prev).Stringer("to", Stopped).AnErr("error", err).Msg("replicator: state changed")
}

func (r *Replicator) transitionTo(next ActivityLevel, err error) {
	r.mu.Lock()
	prev := r.status.Activity
	if verr := prev.validateTransitionTo(next); verr != nil {
		r.mu.Unlock()
		r.log.Error().Err(verr).Msg("replicator: BUG")
		return
	}
	r.status.Activity = next
	r.status.Error = err
	if next == Connecting && prev == Stopped {
		r.status.Progress = Progress{}
	}
	st := r.status
	r.postStatus(st)
	r.mu.Unlock()

	r.log.Debug().Stringer("from", prev).Stringer("to", next).AnErr("error", err).Msg("replicator: state changed")
}

func (r *Replicator) updateProgress(f func(p *Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.status.Progress)
	r.postStatus(r.status)
}

// postStatus queues a status event. Posting under r.mu keeps events in
// transition order.
func (r *Replicator) postStatus(st Status) {
	r.events.post(func() {
		for _, f := range r.snapshotStatusListeners() {
			r.events.safelyCall(func() { f(st) })
		}
	})
}

func (r *Replicator) postDocuments(dir Direction, docs []ReplicatedDocument) {
	if len(docs) == 0 {
		return
	}
	r.events.post(func() {
		for _, f := range r.snapshotDocListeners() {
			r.events.safelyCall(func() { f(dir, docs) })
		}
	})
}

// AddChangeListener registers a callback for status changes.
func (r *Replicator) AddChangeListener(f func(Status)) *syncdb.ListenerToken {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.nextListenerID++
	id := r.nextListenerID
	r.statusListeners[id] = f
	return syncdb.NewListenerToken(func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		delete(r.statusListeners, id)
	})
}

// AddDocumentListener registers a callback receiving each batch of
// transferred documents.
func (r *Replicator) AddDocumentListener(f func(Direction, []ReplicatedDocument)) *syncdb.ListenerToken {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.nextListenerID++
	id := r.nextListenerID
	r.docListeners[id] = f
	return syncdb.NewListenerToken(func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		delete(r.docListeners, id)
	})
}

func (r *Replicator) snapshotStatusListeners() []func(Status) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	result := make([]func(Status), 0, len(r.statusListeners))
	for _, f := range r.statusListeners {
		result = append(result, f)
	}
	return result
}

func (r *Replicator) snapshotDocListeners() []func(Direction, []ReplicatedDocument) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	result := make([]func(Direction, []ReplicatedDocument), 0, len(r.docListeners))
	for _, f := range r.docListeners {
		result = append(result, f)
	}
	return result
}

func (r *Replicator) markSkipped(coll, docID, revID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[skipKey{coll, docID}] = revID
}

// isSkipped reports whether revID of the document failed to encrypt
// permanently. A newer revision clears the mark.
func (r *Replicator) isSkipped(coll, docID, revID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := skipKey{coll, docID}
	skippedRev, found := r.skipped[k]
	if !found {
		return false
	}
	if skippedRev == revID {
		return true
	}
	delete(r.skipped, k)
	return false
}

func (r *Replicator) collState(c *syncdb.Collection) (*collState, error) {
	if c == nil {
		return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "replicator: nil collection")
	}
	name := c.FullName()
	for _, cs := range r.colls {
		if cs.name == name {
			return cs, nil
		}
	}
	return nil, dberr.New(dberr.DomainEngine, dberr.NotFoundCode, "replicator: collection %s is not replicated", name)
}

// dispatcher runs callbacks one at a time, in posting order, on a
// goroutine that exists only while there is work.
type dispatcher struct {
	log     zerolog.Logger
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	d.queue = append(d.queue, f)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		f()
	}
}

func (d *dispatcher) safelyCall(f func()) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error().Str("stack", string(debug.Stack())).Msgf("replicator: listener panicked: %v", p)
		}
	}()
	f()
}

func (r *Replicator) connect(ctx context.Context) (syncproto.Peer, error) {
	if db := r.cfg.Endpoint.db; db != nil {
		if db.IsClosed() {
			return nil, dberr.New(dberr.DomainEngine, dberr.NotOpenCode, "replicator: target database is closed")
		}
		return syncproto.NewBackend(db, nil, syncproto.FullAccess, r.log), nil
	}
	p, err := dialPeer(ctx, &r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	return p, nil
}
