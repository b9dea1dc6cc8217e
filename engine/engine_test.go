package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/sessiongate/bus"
	"go.pilab.hu/sessiongate/domain"
	sgerrors "go.pilab.hu/sessiongate/errors"
	"go.pilab.hu/sessiongate/store"
)

// --- Test helpers ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSurface struct {
	mu      sync.Mutex
	content string
	clears  int
	failErr error
}

func (s *fakeSurface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	if s.failErr != nil {
		return s.failErr
	}
	s.content = ""
	return nil
}

func (s *fakeSurface) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *fakeSurface) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(ctx context.Context, resourceID, password string) (*domain.Grant, error) {
	args := m.Called(ctx, resourceID, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Grant), args.Error(1)
}

// corruptStore reports every stored record as unparsable.
type corruptStore struct {
	domain.RecordStore
}

func (s *corruptStore) Get(_ context.Context, resourceID string) (*domain.SessionRecord, error) {
	return nil, sgerrors.NewRecordCorrupt(resourceID, assert.AnError)
}

type hookCounter struct {
	mu               sync.Mutex
	updated          int
	revalNeeded      int
	expired          int
	loggedOut        int
	lastRecord       *domain.SessionRecord
	onRevalNeededFor []time.Time
}

func (h *hookCounter) hooks() Hooks {
	return Hooks{
		OnUpdated: func(rec *domain.SessionRecord) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.updated++
			h.lastRecord = rec
		},
		OnRevalidationNeeded: func(rec *domain.SessionRecord) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.revalNeeded++
			h.onRevalNeededFor = append(h.onRevalNeededFor, rec.ExpiresAt)
		},
		OnExpired: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.expired++
		},
		OnLoggedOut: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.loggedOut++
		},
	}
}

func (h *hookCounter) snapshot() (updated, revalNeeded, expired, loggedOut int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updated, h.revalNeeded, h.expired, h.loggedOut
}

var testStart = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// newTestEngine builds an engine over a fresh memory store and bus with a
// controllable clock and a dormant background ticker (ticks are driven
// manually by the tests).
func newTestEngine(t *testing.T, validator domain.Validator, hooks Hooks, clock *fakeClock) (*Engine, *store.MemoryRecordStore, *bus.MemoryBus) {
	t.Helper()
	recordStore := store.NewMemoryRecordStore()
	t.Cleanup(func() { _ = recordStore.Close() })
	memBus := bus.NewMemoryBus()

	eng := New(recordStore, memBus, validator, hooks,
		WithClock(clock.Now),
		WithTickInterval(time.Hour),
	)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, recordStore, memBus
}

func seedRecord(t *testing.T, s domain.RecordStore, resourceID string, timeout time.Duration, start time.Time) *domain.SessionRecord {
	t.Helper()
	rec := domain.NewSessionRecord(resourceID, "token-initial", timeout, start)
	require.NoError(t, s.Put(context.Background(), rec))
	return rec
}

// --- Tests ---

func TestStartWithoutRecordTerminates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	counter := &hookCounter{}
	eng, _, _ := newTestEngine(t, &MockValidator{}, counter.hooks(), clock)

	surface := &fakeSurface{content: "client records"}
	eng.RegisterSurface("editor", surface)

	require.NoError(t, eng.Start(ctx, "res-1"))

	assert.Equal(t, domain.StateTerminated, eng.State())
	assert.Equal(t, 1, surface.Clears(), "secure teardown must run exactly once")
	assert.Empty(t, surface.Content())
	_, _, expired, _ := counter.snapshot()
	assert.Equal(t, 1, expired)
}

func TestStartWithExpiredRecordTerminates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)

	// Record granted 31 minutes ago with a 30 minute timeout.
	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart.Add(-31*time.Minute))

	surface := &fakeSurface{content: "client records"}
	eng.RegisterSurface("editor", surface)

	require.NoError(t, eng.Start(ctx, "res-1"))

	assert.Equal(t, domain.StateTerminated, eng.State())
	assert.Equal(t, 1, surface.Clears())

	// The semantically absent record must also be physically gone.
	_, err := recordStore.Get(ctx, "res-1")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestStartPublishesDefensiveExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)

	recordStore := store.NewMemoryRecordStore()
	t.Cleanup(func() { _ = recordStore.Close() })
	memBus := bus.NewMemoryBus()

	var received []*domain.LifecycleEvent
	var mu sync.Mutex
	_, err := memBus.Subscribe(ctx, "res-1", func(ev *domain.LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})
	require.NoError(t, err)

	eng := New(recordStore, memBus, &MockValidator{}, Hooks{}, WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = eng.Close() })

	require.NoError(t, eng.Start(ctx, "res-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, domain.EventExpired, received[0].Type)
	assert.Equal(t, "res-1", received[0].ResourceID)
}

func TestStartWithValidRecordIsActive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	counter := &hookCounter{}
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, counter.hooks(), clock)

	seeded := seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)

	require.NoError(t, eng.Start(ctx, "res-1"))

	assert.Equal(t, domain.StateActive, eng.State())
	rec := eng.Record()
	require.NotNil(t, rec)
	assert.Equal(t, seeded.ExpiresAt, rec.ExpiresAt)
	updated, _, _, _ := counter.snapshot()
	assert.Equal(t, 1, updated)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)
	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)

	require.NoError(t, eng.Start(ctx, "res-1"))
	assert.Error(t, eng.Start(ctx, "res-1"))
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)

	recordStore := store.NewMemoryRecordStore()
	t.Cleanup(func() { _ = recordStore.Close() })

	eng := New(&corruptStore{recordStore}, bus.NewMemoryBus(), &MockValidator{}, Hooks{}, WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = eng.Close() })

	surface := &fakeSurface{content: "client records"}
	eng.RegisterSurface("editor", surface)

	require.NoError(t, eng.Start(ctx, "res-1"))

	assert.Equal(t, domain.StateTerminated, eng.State())
	assert.Equal(t, 1, surface.Clears())
}

func TestTickAfterSuspensionTerminates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	counter := &hookCounter{}
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, counter.hooks(), clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))
	require.Equal(t, domain.StateActive, eng.State())

	// Simulate a backgrounded context resuming hours later: the first
	// tick recomputes from wall clock and terminates directly, never an
	// extended Active.
	clock.Advance(6 * time.Hour)
	eng.tick(ctx)

	assert.Equal(t, domain.StateTerminated, eng.State())
	_, _, expired, _ := counter.snapshot()
	assert.Equal(t, 1, expired)
}

func TestTickEntersRevalidationOncePerEpoch(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	counter := &hookCounter{}
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, counter.hooks(), clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	// 29m elapsed: inside the 60s window.
	clock.Advance(29 * time.Minute)
	eng.tick(ctx)
	assert.Equal(t, domain.StateRevalidationPending, eng.State())

	// Further ticks in the same epoch must not stack prompts.
	eng.tick(ctx)
	eng.tick(ctx)
	_, revalNeeded, _, _ := counter.snapshot()
	assert.Equal(t, 1, revalNeeded)
	assert.Equal(t, domain.StateRevalidationPending, eng.State())
}

func TestTickOutsideWindowStaysActive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	clock.Advance(10 * time.Minute)
	eng.tick(ctx)
	assert.Equal(t, domain.StateActive, eng.State())
}

func TestTickAdoptsSiblingRenewal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	clock.Advance(29 * time.Minute)
	eng.tick(ctx)
	require.Equal(t, domain.StateRevalidationPending, eng.State())

	// A sibling context renews the grant directly in the store. The next
	// local tick converges without any broadcast.
	clock.Advance(30 * time.Second)
	renewed := domain.NewSessionRecord("res-1", "token-renewed", 30*time.Minute, clock.Now())
	require.NoError(t, recordStore.Put(ctx, renewed))

	eng.tick(ctx)
	assert.Equal(t, domain.StateActive, eng.State())
	rec := eng.Record()
	require.NotNil(t, rec)
	assert.Equal(t, renewed.ExpiresAt, rec.ExpiresAt)
}

func TestBroadcastRevalidatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	renewed := domain.NewSessionRecord("res-1", "token-renewed", 30*time.Minute, testStart.Add(29*time.Minute))
	event := &domain.LifecycleEvent{
		ID:         "ev-1",
		Type:       domain.EventRevalidated,
		ResourceID: "res-1",
		Record:     renewed,
	}

	eng.handleBroadcast(event)
	first := eng.Record()
	firstState := eng.State()

	eng.handleBroadcast(event)
	second := eng.Record()

	assert.Equal(t, domain.StateActive, firstState)
	assert.Equal(t, domain.StateActive, eng.State())
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
	assert.Equal(t, first.SessionToken, second.SessionToken)
}

func TestBroadcastTerminalEventsForceTeardown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	counter := &hookCounter{}
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, counter.hooks(), clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	surface := &fakeSurface{content: "client records"}
	eng.RegisterSurface("editor", surface)

	eng.handleBroadcast(&domain.LifecycleEvent{ID: "ev-1", Type: domain.EventExpired, ResourceID: "res-1"})

	assert.Equal(t, domain.StateTerminated, eng.State())
	assert.Equal(t, 1, surface.Clears())

	// Replaying the terminal event stays idempotent.
	eng.handleBroadcast(&domain.LifecycleEvent{ID: "ev-1", Type: domain.EventExpired, ResourceID: "res-1"})
	assert.Equal(t, 1, surface.Clears())

	// Terminated is absorbing: a late Revalidated cannot resurrect it.
	renewed := domain.NewSessionRecord("res-1", "token-renewed", 30*time.Minute, clock.Now())
	eng.handleBroadcast(&domain.LifecycleEvent{ID: "ev-2", Type: domain.EventRevalidated, ResourceID: "res-1", Record: renewed})
	assert.Equal(t, domain.StateTerminated, eng.State())
}

func TestBroadcastIgnoresForeignResource(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	eng.handleBroadcast(&domain.LifecycleEvent{ID: "ev-1", Type: domain.EventExpired, ResourceID: "res-other"})
	assert.Equal(t, domain.StateActive, eng.State())
}

func TestLogoutWipesAllRecordsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)

	recordStore := store.NewMemoryRecordStore()
	t.Cleanup(func() { _ = recordStore.Close() })
	memBus := bus.NewMemoryBus()

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	seedRecord(t, recordStore, "res-2", 30*time.Minute, testStart)

	counterA := &hookCounter{}
	tabA := New(recordStore, memBus, &MockValidator{}, counterA.hooks(), WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = tabA.Close() })

	counterB := &hookCounter{}
	tabB := New(recordStore, memBus, &MockValidator{}, counterB.hooks(), WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = tabB.Close() })

	surfaceB := &fakeSurface{content: "client records"}
	tabB.RegisterSurface("editor", surfaceB)

	require.NoError(t, tabA.Start(ctx, "res-1"))
	require.NoError(t, tabB.Start(ctx, "res-1"))

	tabA.Logout(ctx)

	// Both contexts end Terminated; the sibling's content is purged too.
	assert.Equal(t, domain.StateTerminated, tabA.State())
	assert.Equal(t, domain.StateTerminated, tabB.State())
	assert.Equal(t, 1, surfaceB.Clears())

	// Full logout wipes every resource's record, not just res-1.
	_, err := recordStore.Get(ctx, "res-1")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	_, err = recordStore.Get(ctx, "res-2")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	_, _, _, loggedOutB := counterB.snapshot()
	assert.Equal(t, 1, loggedOutB)
}

func TestExpiryConvergesSiblingViaBroadcast(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)

	recordStore := store.NewMemoryRecordStore()
	t.Cleanup(func() { _ = recordStore.Close() })
	memBus := bus.NewMemoryBus()

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)

	tabA := New(recordStore, memBus, &MockValidator{}, Hooks{}, WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = tabA.Close() })
	tabB := New(recordStore, memBus, &MockValidator{}, Hooks{}, WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = tabB.Close() })

	surfaceB := &fakeSurface{content: "client records"}
	tabB.RegisterSurface("editor", surfaceB)

	require.NoError(t, tabA.Start(ctx, "res-1"))
	require.NoError(t, tabB.Start(ctx, "res-1"))

	// Only tab A ticks; tab B converges purely from the broadcast.
	clock.Advance(30 * time.Minute)
	tabA.tick(ctx)

	assert.Equal(t, domain.StateTerminated, tabA.State())
	assert.Equal(t, domain.StateTerminated, tabB.State())
	assert.Empty(t, surfaceB.Content())
}

func TestNilBusTickOnlyConvergence(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)

	recordStore := store.NewMemoryRecordStore()
	t.Cleanup(func() { _ = recordStore.Close() })

	eng := New(recordStore, nil, &MockValidator{}, Hooks{}, WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() { _ = eng.Close() })

	seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))
	require.Equal(t, domain.StateActive, eng.State())

	clock.Advance(31 * time.Minute)
	eng.tick(ctx)
	assert.Equal(t, domain.StateTerminated, eng.State())
}

func TestRefreshIsDisplayOnly(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	counter := &hookCounter{}
	eng, recordStore, _ := newTestEngine(t, &MockValidator{}, counter.hooks(), clock)

	seeded := seedRecord(t, recordStore, "res-1", 30*time.Minute, testStart)
	require.NoError(t, eng.Start(ctx, "res-1"))

	clock.Advance(10 * time.Minute)
	require.NoError(t, eng.Refresh(ctx))

	rec := eng.Record()
	require.NotNil(t, rec)
	assert.Equal(t, seeded.ExpiresAt, rec.ExpiresAt, "refresh must never advance the deadline")
	assert.Equal(t, domain.StateActive, eng.State())

	updated, _, _, _ := counter.snapshot()
	assert.Equal(t, 2, updated) // start + refresh
}

func TestRefreshAfterTerminationFails(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testStart)
	eng, _, _ := newTestEngine(t, &MockValidator{}, Hooks{}, clock)

	require.NoError(t, eng.Start(ctx, "res-1")) // no record: Terminated
	assert.ErrorIs(t, eng.Refresh(ctx), ErrSessionTerminated)
}
