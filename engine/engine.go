// Package engine implements the session lifecycle state machine. Each
// execution context (a "tab" in the hosting application) runs its own
// Engine instance against a shared RecordStore and a resource-scoped
// Broadcaster. Ticking is local and cheap; the source of truth for the
// deadline is the shared record, re-read on every tick, so sibling
// contexts converge without leader election even when broadcasts are
// dropped or reordered.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/sessiongate/domain"
	sgerrors "go.pilab.hu/sessiongate/errors"
)

const (
	// DefaultTickInterval is the fixed countdown period.
	DefaultTickInterval = time.Second
	// RevalidationWindow is the fixed interaction window offered before
	// expiry. It is anchored at the record's deadline and is never
	// extended by prompt dismissal or retries.
	RevalidationWindow = 60 * time.Second

	queryCacheTTL = 5 * time.Minute
)

var (
	// ErrSessionTerminated is returned when an operation reaches an
	// engine whose session already ended. Terminated is absorbing.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrRevalidationWindowElapsed is returned when a validation response
	// lands after the interaction window closed. The grant is discarded.
	ErrRevalidationWindowElapsed = errors.New("revalidation window elapsed")
	// ErrNoRevalidationPending is returned when a password is submitted
	// while no revalidation has been offered.
	ErrNoRevalidationPending = errors.New("no revalidation pending")
)

// Hooks are the engine's callbacks into the hosting application. They are
// wired at construction time; there are no ambient registries. A hook may
// fire more than once for the same logical change (local apply plus the
// self-delivered broadcast), so hooks must replace display state, not
// accumulate it.
type Hooks struct {
	// OnUpdated reports a (re)loaded or renewed record for display.
	OnUpdated func(record *domain.SessionRecord)
	// OnRevalidationNeeded asks the host to mount the password prompt.
	// Offered at most once per expiry epoch.
	OnRevalidationNeeded func(record *domain.SessionRecord)
	// OnExpired reports termination by deadline or failed revalidation.
	OnExpired func()
	// OnLoggedOut reports user-initiated termination (any context).
	OnLoggedOut func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTickInterval replaces the countdown period, for tests.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tickInterval = d }
}

// Engine is one execution context's session state machine.
type Engine struct {
	store     domain.RecordStore
	bus       domain.Broadcaster
	validator domain.Validator
	hooks     Hooks
	teardown  *Teardown

	queryCache   *ttlcache.Cache[string, []byte]
	now          func() time.Time
	tickInterval time.Duration

	mu           sync.Mutex
	resourceID   string
	state        domain.State
	record       *domain.SessionRecord
	offeredEpoch time.Time // ExpiresAt value a revalidation was offered for
	sub          domain.Subscription
	stopTick     chan struct{}
}

// New creates an engine. bus may be nil: the engine then degrades to
// tick-only convergence, which is still correct, merely higher latency.
func New(store domain.RecordStore, bus domain.Broadcaster, validator domain.Validator, hooks Hooks, opts ...Option) *Engine {
	queryCache := ttlcache.New(
		ttlcache.WithTTL[string, []byte](queryCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go queryCache.Start()

	e := &Engine{
		store:        store,
		bus:          bus,
		validator:    validator,
		hooks:        hooks,
		queryCache:   queryCache,
		now:          time.Now,
		tickInterval: DefaultTickInterval,
		state:        domain.StateUninitialized,
	}
	e.teardown = NewTeardown(queryCache)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueryCache is the per-context cache for query results rendered from the
// protected resource. Secure Teardown purges it.
func (e *Engine) QueryCache() *ttlcache.Cache[string, []byte] {
	return e.queryCache
}

// RegisterSurface registers rendered sensitive content to be purged on
// teardown.
func (e *Engine) RegisterSurface(name string, s ContentSurface) {
	e.teardown.RegisterSurface(name, s)
}

// RegisterFormState registers transient form input to be cleared on
// teardown.
func (e *Engine) RegisterFormState(name string, s ContentSurface) {
	e.teardown.RegisterFormState(name, s)
}

// RegisterCacheRelease registers a best-effort release of a backing cache
// associated with the resource.
func (e *Engine) RegisterCacheRelease(name string, release func(ctx context.Context) error) {
	e.teardown.RegisterCacheRelease(name, release)
}

// State returns the machine's current position.
func (e *Engine) State() domain.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Record returns a copy of the engine's view of the session record, or
// nil when no session is live.
func (e *Engine) Record() *domain.SessionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil
	}
	record := *e.record
	return &record
}

// Start loads the record for resourceID and enters the lifecycle. An
// absent, corrupt, or already expired record terminates immediately: the
// engine never manufactures a session, it only manages one created by a
// prior external validation. An Expired event is still published so
// sibling contexts holding stale optimistic UI converge.
func (e *Engine) Start(ctx context.Context, resourceID string) error {
	e.mu.Lock()
	if e.state != domain.StateUninitialized {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state %s)", e.state)
	}
	e.resourceID = resourceID
	e.mu.Unlock()

	record, err := e.store.Get(ctx, resourceID)
	if err != nil || record.IsExpired(e.now()) {
		if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			log.Warn().Err(err).Str("resourceID", resourceID).Msg("Session record unreadable on start, terminating")
		}
		e.terminate(ctx, domain.EventExpired, false, true)
		e.fire(e.hooks.OnExpired)
		return nil
	}

	var sub domain.Subscription
	if e.bus != nil {
		sub, err = e.bus.Subscribe(ctx, resourceID, e.handleBroadcast)
		if err != nil {
			// Tick-only convergence from here on.
			log.Warn().Err(sgerrors.NewChannelUnavailable(err)).Str("resourceID", resourceID).Msg("Broadcast channel unavailable, degrading to tick-only convergence")
			sub = nil
		}
	}

	e.mu.Lock()
	e.state = domain.StateActive
	e.record = record
	e.sub = sub
	e.stopTick = make(chan struct{})
	stop := e.stopTick
	e.mu.Unlock()

	go e.tickLoop(stop)

	if e.hooks.OnUpdated != nil {
		e.hooks.OnUpdated(record)
	}
	return nil
}

// Logout ends the session for every context: teardown with a full store
// wipe, then a LoggedOut broadcast. Navigation away is the host's job.
func (e *Engine) Logout(ctx context.Context) {
	e.terminate(ctx, domain.EventLoggedOut, true, true)
	e.fire(e.hooks.OnLoggedOut)
}

// Refresh re-reads the stored record and reports it through OnUpdated.
// It is a display refresh only: it never advances the deadline, which
// only a successful validation may do.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	state := e.state
	resourceID := e.resourceID
	e.mu.Unlock()

	if state != domain.StateActive && state != domain.StateRevalidationPending {
		return ErrSessionTerminated
	}

	record, err := e.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != domain.StateTerminated {
		e.record = record
	}
	e.mu.Unlock()

	if e.hooks.OnUpdated != nil {
		e.hooks.OnUpdated(record)
	}
	return nil
}

// Close releases this context's handles (tick loop, broadcast
// subscription) without ending the session. Used when the context goes
// away while siblings keep the session alive.
func (e *Engine) Close() error {
	e.mu.Lock()
	stop := e.stopTick
	e.stopTick = nil
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	e.queryCache.Stop()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (e *Engine) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.tick(context.Background())
		}
	}
}

// tick re-derives truth from the shared record. Deadlines are recomputed
// from stored timestamps on every evaluation, never decremented, so a
// context resumed after a long suspension recognizes an elapsed deadline
// on its first tick instead of continuing a stale countdown.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.state == domain.StateTerminated || e.state == domain.StateUninitialized {
		e.mu.Unlock()
		return
	}
	resourceID := e.resourceID
	e.mu.Unlock()

	record, err := e.store.Get(ctx, resourceID)
	now := e.now()

	if err != nil || record.IsExpired(now) {
		// Absent, corrupt, unreadable, or past deadline: all degrade to
		// the safest state rather than leave the session ambiguously
		// alive.
		if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			log.Warn().Err(err).Str("resourceID", resourceID).Msg("Session record unreadable on tick, terminating")
		}
		e.terminate(ctx, domain.EventExpired, false, true)
		e.fire(e.hooks.OnExpired)
		return
	}

	e.mu.Lock()
	if e.state == domain.StateTerminated {
		e.mu.Unlock()
		return
	}

	renewed := e.record != nil && record.ExpiresAt.After(e.record.ExpiresAt)
	e.record = record
	if renewed && e.state == domain.StateRevalidationPending {
		// A sibling context renewed the grant; the pending prompt is for
		// a dead epoch.
		e.state = domain.StateActive
	}

	var offer bool
	if e.state == domain.StateActive &&
		record.Remaining(now) <= RevalidationWindow &&
		!e.offeredEpoch.Equal(record.ExpiresAt) {
		e.state = domain.StateRevalidationPending
		e.offeredEpoch = record.ExpiresAt
		offer = true
	}
	e.mu.Unlock()

	if renewed && e.hooks.OnUpdated != nil {
		e.hooks.OnUpdated(record)
	}
	if offer && e.hooks.OnRevalidationNeeded != nil {
		e.hooks.OnRevalidationNeeded(record)
	}
}

// handleBroadcast applies a lifecycle event, identically regardless of
// which context originated it. Every event fully replaces local state, so
// handling is idempotent under duplication and reordering.
func (e *Engine) handleBroadcast(event *domain.LifecycleEvent) {
	ctx := context.Background()

	e.mu.Lock()
	if event.ResourceID != e.resourceID {
		// Channel identity already scopes events per resource; this guard
		// is a defensive no-op.
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	switch event.Type {
	case domain.EventUpdated, domain.EventRevalidated:
		if event.Record == nil {
			return
		}
		e.mu.Lock()
		if e.state == domain.StateTerminated {
			e.mu.Unlock()
			return
		}
		e.record = event.Record
		e.state = domain.StateActive
		e.mu.Unlock()
		if e.hooks.OnUpdated != nil {
			e.hooks.OnUpdated(event.Record)
		}
	case domain.EventExpired, domain.EventLoggedOut:
		// Terminate locally without re-broadcasting what we just heard.
		e.terminate(ctx, event.Type, event.Type == domain.EventLoggedOut, false)
		if event.Type == domain.EventExpired {
			e.fire(e.hooks.OnExpired)
		} else {
			e.fire(e.hooks.OnLoggedOut)
		}
	}
}

// terminate moves the machine into its absorbing state, runs Secure
// Teardown exactly once, and optionally publishes the terminal event.
// Safe to reach from multiple trigger paths.
func (e *Engine) terminate(ctx context.Context, eventType domain.EventType, wipeAll, publish bool) {
	e.mu.Lock()
	alreadyTerminated := e.state == domain.StateTerminated
	e.state = domain.StateTerminated
	e.record = nil
	resourceID := e.resourceID
	sub := e.sub
	e.sub = nil
	stop := e.stopTick
	e.stopTick = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if alreadyTerminated {
		return
	}

	e.teardown.Run(ctx, e.store, resourceID, wipeAll, sub)

	if publish && e.bus != nil {
		event := &domain.LifecycleEvent{
			ID:         newEventID(),
			Type:       eventType,
			ResourceID: resourceID,
		}
		if err := e.bus.Publish(ctx, event); err != nil {
			// Siblings converge on their own next tick.
			log.Warn().Err(err).Str("resourceID", resourceID).Msg("Failed to publish terminal lifecycle event")
		}
	}
}

// fire invokes a parameterless hook if wired. Hooks run outside the
// engine lock so they may call back into the engine.
func (e *Engine) fire(hook func()) {
	if hook != nil {
		hook()
	}
}

func newEventID() string {
	return uuid.NewString()
}
