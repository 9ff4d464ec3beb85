package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	reservationserrors "chargehold/internal/reservations/errors"
	"chargehold/internal/reservations/repository"
	"chargehold/internal/reservations/storage"
	"chargehold/internal/reservations/timer"
	"chargehold/internal/reservations/validator"
	"chargehold/pkg/config"
	"chargehold/pkg/logger"
	"chargehold/pkg/model"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────
// Test fixtures
// ────────────────────────────────────────────────

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type flakyStore struct {
	*storage.MemoryStore
	failSave atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, origin string, values map[string][]byte) error {
	if f.failSave.Load() {
		return errors.New("quota exceeded")
	}
	return f.MemoryStore.Save(ctx, origin, values)
}

// gatedStore pauses the next Load after arm until release is closed.
type gatedStore struct {
	*storage.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Load(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.Load(ctx, keys...)
}

type harness struct {
	svc    ReservationService
	clock  fakeClock
	timers *timer.Manual
	store  storage.Store
	repo   repository.StateRepository
}

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		HoldDuration:   15 * time.Minute,
		NotifyBefore:   5 * time.Minute,
		TickInterval:   time.Second,
		PersistTimeout: time.Second,
		Log:            logger.Discard(),
	}
}

func newHarness(t *testing.T, store storage.Store, clock fakeClock, cfg *config.Config, origin string) *harness {
	t.Helper()
	repo := repository.NewStateRepository(store, "test", origin)
	timers := timer.NewManual()
	svc := NewReservationService(repo, timers, validator.NewReservationValidator(cfg.Log), clock, cfg)
	t.Cleanup(svc.Stop)
	return &harness{svc: svc, clock: clock, timers: timers, store: store, repo: repo}
}

func newTestHarness(t *testing.T) *harness {
	return newHarness(t, storage.NewMemoryStore(), clockwork.NewFakeClockAt(epoch), testConfig(), "instance-a")
}

func request(userID, stationID string, available int, hold model.Hold) model.ReservationRequest {
	return model.ReservationRequest{
		UserID:  userID,
		Station: model.Station{ID: stationID, Name: "Station " + stationID, Available: available, Total: available + 2},
		Hold:    hold,
	}
}

func (h *harness) create(t *testing.T, req model.ReservationRequest) model.Reservation {
	t.Helper()
	result := h.svc.CreateReservation(context.Background(), req)
	require.True(t, result.Success, "create failed: %s", result.Error)
	require.NotNil(t, result.Reservation)
	return *result.Reservation
}

// advance moves the clock and runs one tick of every live timer.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.timers.FireAll(context.Background())
}

func countActive(reservations []model.Reservation) int {
	n := 0
	for _, r := range reservations {
		if r.IsActive() {
			n++
		}
	}
	return n
}

// ────────────────────────────────────────────────
// CreateReservation
// ────────────────────────────────────────────────

func TestCreateReservation_Success(t *testing.T) {
	h := newTestHarness(t)

	r := h.create(t, request("alice", "S1", 2, model.PointHold("P1")))

	assert.Regexp(t, `^res_\d+_[0-9a-f]{8}$`, r.ID)
	assert.Equal(t, model.StatusActive, r.Status)
	assert.Equal(t, "S1", r.StationID)
	assert.Equal(t, "Station S1", r.StationName)
	assert.Equal(t, epoch, r.CreatedAt)
	assert.Equal(t, epoch.Add(15*time.Minute), r.ExpiresAt)
	assert.Equal(t, int64(900), r.RemainingTime)
	assert.False(t, r.NotificationSent)

	assert.Equal(t, 1, h.svc.ReservedCount("S1"))
	assert.True(t, h.svc.IsPointReserved("S1", "P1"))
	assert.True(t, h.timers.Running(r.ID))
	assert.Equal(t, 1, h.svc.ActiveCount())

	persisted, err := h.repo.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, persisted.Reservations, r.ID)
	assert.Equal(t, model.StatusActive, persisted.Reservations[r.ID].Status)
	assert.Equal(t, map[string]int{"S1": 1}, persisted.ReservedSlots)
	assert.Equal(t, map[string]string{"S1_P1": "alice"}, persisted.ReservedPoints)
}

func TestCreateReservation_OneActivePerUser(t *testing.T) {
	h := newTestHarness(t)
	h.create(t, request("alice", "S1", 5, model.StationHold()))

	result := h.svc.CreateReservation(context.Background(), request("alice", "S2", 5, model.StationHold()))

	assert.False(t, result.Success)
	assert.Nil(t, result.Reservation)
	assert.Equal(t, ReasonUserHasActive, result.Reason)
	assert.Equal(t, reservationserrors.MsgUserHasActive, result.Error)
	assert.Equal(t, 0, h.svc.ReservedCount("S2"))
	assert.Len(t, h.svc.GetUserReservations("alice"), 1)
}

func TestCreateReservation_PointAlreadyHeld(t *testing.T) {
	h := newTestHarness(t)
	h.create(t, request("alice", "S2", 5, model.PointHold("P7")))

	result := h.svc.CreateReservation(context.Background(), request("carol", "S2", 5, model.PointHold("P7")))

	assert.False(t, result.Success)
	assert.Equal(t, ReasonPointReserved, result.Reason)
	assert.Equal(t, reservationserrors.MsgPointReserved, result.Error)
	assert.Equal(t, 1, h.svc.ReservedCount("S2"))

	// Same point id at another station is a different point.
	h.create(t, request("carol", "S3", 5, model.PointHold("P7")))
}

func TestCreateReservation_PreconditionOrder(t *testing.T) {
	h := newTestHarness(t)
	h.create(t, request("alice", "S1", 1, model.PointHold("P1")))

	// alice already holds, P1 is taken and S1 is full: the first check wins.
	result := h.svc.CreateReservation(context.Background(), request("alice", "S1", 1, model.PointHold("P1")))
	assert.Equal(t, ReasonUserHasActive, result.Reason)

	// bob: P1 taken and S1 full, point check comes first.
	result = h.svc.CreateReservation(context.Background(), request("bob", "S1", 1, model.PointHold("P1")))
	assert.Equal(t, ReasonPointReserved, result.Reason)

	result = h.svc.CreateReservation(context.Background(), request("bob", "S1", 1, model.PointHold("P2")))
	assert.Equal(t, ReasonStationFull, result.Reason)
}

func TestCreateReservation_StationFull(t *testing.T) {
	h := newTestHarness(t)

	h.create(t, request("alice", "S1", 1, model.StationHold()))
	result := h.svc.CreateReservation(context.Background(), request("bob", "S1", 1, model.StationHold()))

	assert.False(t, result.Success)
	assert.Equal(t, ReasonStationFull, result.Reason)
	assert.Equal(t, reservationserrors.MsgStationFull, result.Error)
	assert.Equal(t, 1, h.svc.ReservedCount("S1"))
	assert.Equal(t, 0, h.svc.AvailableSlots(model.Station{ID: "S1", Available: 1}))
}

func TestCreateReservation_ZeroAvailability(t *testing.T) {
	h := newTestHarness(t)

	result := h.svc.CreateReservation(context.Background(), request("alice", "S1", 0, model.StationHold()))

	assert.Equal(t, ReasonStationFull, result.Reason)
	assert.Equal(t, 0, h.svc.ActiveCount())
}

func TestCreateReservation_InvalidRequest(t *testing.T) {
	h := newTestHarness(t)

	req := request("", "S1", 1, model.Hold{Kind: model.HoldPoint})
	result := h.svc.CreateReservation(context.Background(), req)

	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidRequest, result.Reason)
	assert.Equal(t, reservationserrors.MsgInvalidRequest, result.Error)
	assert.Contains(t, result.Details, "user_id")
	assert.Empty(t, h.timers.RunningIDs())
}

func TestCreateReservation_NormalizesInput(t *testing.T) {
	h := newTestHarness(t)

	r := h.create(t, request(" alice ", " S1\t", 2, model.PointHold(" P1 ")))

	assert.Equal(t, "alice", r.UserID)
	assert.Equal(t, "S1", r.StationID)
	assert.True(t, h.svc.IsPointReserved("S1", "P1"))

	result := h.svc.CreateReservation(context.Background(), request("bob", "S1", 2, model.PointHold("P1 ")))
	assert.Equal(t, ReasonPointReserved, result.Reason)
}

func TestCreateReservation_UniqueIDsWithinOneMillisecond(t *testing.T) {
	h := newTestHarness(t)

	seen := map[string]bool{}
	for i := range 50 {
		r := h.create(t, request(fmt.Sprintf("user-%d", i), "S1", 100, model.StationHold()))
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
}

func TestCreateReservation_ConcurrentSameUser(t *testing.T) {
	h := newTestHarness(t)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stationID := fmt.Sprintf("S%d", i)
			if h.svc.CreateReservation(context.Background(), request("alice", stationID, 1, model.StationHold())).Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, 1, countActive(h.svc.GetUserReservations("alice")))
}

func TestCreateReservation_ConcurrentSamePoint(t *testing.T) {
	h := newTestHarness(t)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := request(fmt.Sprintf("user-%d", i), "S1", 100, model.PointHold("P1"))
			if h.svc.CreateReservation(context.Background(), req).Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, 1, h.svc.ReservedCount("S1"))
}

// ────────────────────────────────────────────────
// Cancel / Complete
// ────────────────────────────────────────────────

func TestCancelReservation_Twice(t *testing.T) {
	h := newTestHarness(t)
	a := h.create(t, request("alice", "S1", 3, model.StationHold()))
	h.create(t, request("bob", "S1", 3, model.StationHold()))
	require.Equal(t, 2, h.svc.ReservedCount("S1"))

	assert.True(t, h.svc.CancelReservation(context.Background(), a.ID))
	assert.False(t, h.svc.CancelReservation(context.Background(), a.ID))

	assert.Equal(t, 1, h.svc.ReservedCount("S1"), "ledger must be decremented exactly once")
	got, ok := h.svc.GetReservation(a.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, epoch, *got.EndedAt)
	assert.False(t, h.timers.Running(a.ID))
}

func TestCompleteAfterCancel(t *testing.T) {
	h := newTestHarness(t)
	a := h.create(t, request("alice", "S1", 3, model.PointHold("P1")))
	h.create(t, request("bob", "S1", 3, model.StationHold()))

	require.True(t, h.svc.CancelReservation(context.Background(), a.ID))
	assert.False(t, h.svc.CompleteReservation(context.Background(), a.ID))

	got, _ := h.svc.GetReservation(a.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, 1, h.svc.ReservedCount("S1"))
	assert.False(t, h.svc.IsPointReserved("S1", "P1"))
}

func TestCompleteReservation(t *testing.T) {
	h := newTestHarness(t)
	a := h.create(t, request("alice", "S1", 1, model.StationHold()))

	h.clock.Advance(3 * time.Minute)
	require.True(t, h.svc.CompleteReservation(context.Background(), a.ID))

	got, _ := h.svc.GetReservation(a.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 0, h.svc.ReservedCount("S1"))
	_, ok := h.svc.GetActiveReservationByUser("alice")
	assert.False(t, ok)

	// A completed hold frees the user for a new one.
	h.create(t, request("alice", "S1", 1, model.StationHold()))
}

func TestFinish_UnknownID(t *testing.T) {
	h := newTestHarness(t)

	assert.False(t, h.svc.CancelReservation(context.Background(), "res_missing"))
	assert.False(t, h.svc.CompleteReservation(context.Background(), "res_missing"))
}

func TestPointReleasedOnCancel(t *testing.T) {
	h := newTestHarness(t)
	a := h.create(t, request("alice", "S2", 5, model.PointHold("P7")))

	require.True(t, h.svc.CancelReservation(context.Background(), a.ID))
	assert.False(t, h.svc.IsPointReserved("S2", "P7"))

	c := h.create(t, request("carol", "S2", 5, model.PointHold("P7")))
	holder, ok := c.Hold.PointID()
	assert.True(t, ok)
	assert.Equal(t, "P7", holder)
}

func TestCancelRacingExpiry(t *testing.T) {
	h := newTestHarness(t)
	var expirations atomic.Int32
	h.svc.OnExpiration(func(model.Reservation) { expirations.Add(1) })

	a := h.create(t, request("alice", "S1", 1, model.PointHold("P1")))

	// The deadline passed but no tick ran yet.
	h.clock.Advance(16 * time.Minute)
	assert.False(t, h.svc.CancelReservation(context.Background(), a.ID))

	got, _ := h.svc.GetReservation(a.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, int32(1), expirations.Load())
	assert.Equal(t, 0, h.svc.ReservedCount("S1"))

	h.timers.FireAll(context.Background())
	assert.Equal(t, int32(1), expirations.Load())
}

// ────────────────────────────────────────────────
// Timer-driven transitions
// ────────────────────────────────────────────────

func TestTimeoutLaw(t *testing.T) {
	cfg := testConfig()
	cfg.HoldDuration = 15 * time.Second
	cfg.NotifyBefore = 5 * time.Second
	h := newHarness(t, storage.NewMemoryStore(), clockwork.NewFakeClockAt(epoch), cfg, "instance-a")

	var expired []model.Reservation
	h.svc.OnExpiration(func(r model.Reservation) { expired = append(expired, r) })

	r := h.create(t, request("alice", "S1", 2, model.PointHold("P1")))
	h.create(t, request("bob", "S1", 2, model.StationHold()))

	for range 14 {
		h.advance(time.Second)
	}
	got, _ := h.svc.GetReservation(r.ID)
	require.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.RemainingTime)
	assert.Equal(t, 2, h.svc.ReservedCount("S1"))

	// Expiry happens at the deadline; bob's hold expires on the same tick.
	h.advance(time.Second)

	got, _ = h.svc.GetReservation(r.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, int64(0), got.RemainingTime)
	assert.Equal(t, 0, h.svc.ReservedCount("S1"))
	assert.False(t, h.svc.IsPointReserved("S1", "P1"))
	assert.False(t, h.timers.Running(r.ID))
	require.Len(t, expired, 2)

	h.advance(time.Second)
	assert.Len(t, expired, 2, "expiration fires once per reservation")
}

func TestTimeoutLaw_LedgerDropsByOne(t *testing.T) {
	h := newTestHarness(t)

	a := h.create(t, request("alice", "S1", 3, model.StationHold()))
	h.clock.Advance(time.Minute)
	h.create(t, request("bob", "S1", 3, model.StationHold()))

	h.clock.Advance(14 * time.Minute)
	h.timers.Fire(context.Background(), a.ID)

	assert.Equal(t, 1, h.svc.ReservedCount("S1"))
	got, _ := h.svc.GetReservation(a.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
}

func TestNotificationFiresOnce(t *testing.T) {
	h := newTestHarness(t)

	var notified, expired atomic.Int32
	h.svc.OnNotification(func(model.Reservation) { notified.Add(1) })
	h.svc.OnExpiration(func(model.Reservation) { expired.Add(1) })

	r := h.create(t, request("alice", "S1", 1, model.StationHold()))

	h.advance(9 * time.Minute)
	assert.Equal(t, int32(0), notified.Load())

	h.advance(time.Minute)
	assert.Equal(t, int32(1), notified.Load())
	got, _ := h.svc.GetReservation(r.ID)
	assert.True(t, got.NotificationSent)
	assert.True(t, h.svc.IsNearExpiration(got))

	for range 10 {
		h.advance(20 * time.Second)
	}
	assert.Equal(t, int32(1), notified.Load())

	h.advance(5 * time.Minute)
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, int32(1), expired.Load())
}

func TestNotificationFlagIsPersisted(t *testing.T) {
	h := newTestHarness(t)
	r := h.create(t, request("alice", "S1", 1, model.StationHold()))

	h.advance(11 * time.Minute)

	persisted, err := h.repo.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Reservations[r.ID].NotificationSent)
}

func TestMissedTicks_NotificationBeforeExpiration(t *testing.T) {
	h := newTestHarness(t)

	var mu sync.Mutex
	var order []model.EventType
	h.svc.OnEvent(func(ev model.Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, ev.Type)
	})

	h.create(t, request("alice", "S1", 1, model.StationHold()))

	// Process suspended well past the deadline; one tick catches up.
	h.advance(time.Hour)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.EventType{model.EventCreated, model.EventNearExpiry, model.EventExpired}, order)
}

func TestTick_StopsTimerForTerminalReservation(t *testing.T) {
	h := newTestHarness(t)
	r := h.create(t, request("alice", "S1", 1, model.StationHold()))

	require.True(t, h.svc.CancelReservation(context.Background(), r.ID))
	assert.False(t, h.timers.Running(r.ID))
	assert.False(t, h.timers.Fire(context.Background(), r.ID))
}

func TestTick_EvaluatesAllActive(t *testing.T) {
	h := newTestHarness(t)
	var expirations atomic.Int32
	h.svc.OnExpiration(func(model.Reservation) { expirations.Add(1) })

	h.create(t, request("alice", "S1", 5, model.StationHold()))
	h.create(t, request("bob", "S1", 5, model.StationHold()))

	h.clock.Advance(15 * time.Minute)
	h.svc.Tick(context.Background())

	assert.Equal(t, int32(2), expirations.Load())
	assert.Equal(t, 0, h.svc.ActiveCount())
}

// ────────────────────────────────────────────────
// Subscriptions
// ────────────────────────────────────────────────

func TestSubscriptions_OrderAndUnsubscribe(t *testing.T) {
	h := newTestHarness(t)

	var calls []string
	h.svc.OnExpiration(func(model.Reservation) { calls = append(calls, "first") })
	unsubscribe := h.svc.OnExpiration(func(model.Reservation) { calls = append(calls, "second") })
	h.svc.OnExpiration(func(model.Reservation) { calls = append(calls, "third") })

	h.create(t, request("alice", "S1", 5, model.StationHold()))
	h.advance(15 * time.Minute)
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	unsubscribe()
	unsubscribe()
	calls = nil
	h.create(t, request("bob", "S1", 5, model.StationHold()))
	h.advance(15 * time.Minute)
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestSubscriptions_PanicDoesNotStopOthers(t *testing.T) {
	h := newTestHarness(t)

	var reached atomic.Bool
	h.svc.OnNotification(func(model.Reservation) { panic("listener bug") })
	h.svc.OnNotification(func(model.Reservation) { reached.Store(true) })

	h.create(t, request("alice", "S1", 5, model.StationHold()))
	h.advance(12 * time.Minute)

	assert.True(t, reached.Load())
}

func TestSubscriptions_CallbackMayCallService(t *testing.T) {
	h := newTestHarness(t)

	// A listener re-booking on expiry must not deadlock.
	h.svc.OnExpiration(func(r model.Reservation) {
		h.svc.CreateReservation(context.Background(), request(r.UserID, "S9", 1, model.StationHold()))
	})

	h.create(t, request("alice", "S1", 5, model.StationHold()))
	h.advance(15 * time.Minute)

	active, ok := h.svc.GetActiveReservationByUser("alice")
	require.True(t, ok)
	assert.Equal(t, "S9", active.StationID)
}

// ────────────────────────────────────────────────
// Lookups
// ────────────────────────────────────────────────

func TestGetUserReservations_NewestFirst(t *testing.T) {
	h := newTestHarness(t)

	first := h.create(t, request("alice", "S1", 5, model.StationHold()))
	require.True(t, h.svc.CancelReservation(context.Background(), first.ID))
	h.clock.Advance(time.Second)
	second := h.create(t, request("alice", "S1", 5, model.StationHold()))
	h.create(t, request("bob", "S1", 5, model.StationHold()))

	list := h.svc.GetUserReservations("alice")
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	assert.Empty(t, h.svc.GetUserReservations("nobody"))
}

func TestGetReservation_RemainingTimeIsDerived(t *testing.T) {
	h := newTestHarness(t)
	r := h.create(t, request("alice", "S1", 5, model.StationHold()))

	h.clock.Advance(90*time.Second + 400*time.Millisecond)

	got, ok := h.svc.GetReservation(r.ID)
	require.True(t, ok)
	assert.Equal(t, int64(809), got.RemainingTime)

	_, ok = h.svc.GetReservation("res_missing")
	assert.False(t, ok)
}

func TestGetReservation_ReturnsCopy(t *testing.T) {
	h := newTestHarness(t)
	r := h.create(t, request("alice", "S1", 5, model.StationHold()))

	got, _ := h.svc.GetReservation(r.ID)
	got.Status = model.StatusCancelled

	again, _ := h.svc.GetReservation(r.ID)
	assert.Equal(t, model.StatusActive, again.Status)
}

// ────────────────────────────────────────────────
// Persistence, restart and cross-instance sync
// ────────────────────────────────────────────────

func TestRestart_RestoresRemainingTime(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	first := newHarness(t, store, clock, testConfig(), "instance-a")
	r := first.create(t, request("alice", "S1", 2, model.PointHold("P1")))
	first.svc.Stop()

	clock.Advance(100*time.Second + 300*time.Millisecond)

	second := newHarness(t, store, clock, testConfig(), "instance-b")
	require.NoError(t, second.svc.Start(context.Background()))

	got, ok := second.svc.GetReservation(r.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.InDelta(t, 799, got.RemainingTime, 1)
	assert.True(t, got.CreatedAt.Equal(r.CreatedAt))
	assert.True(t, got.ExpiresAt.Equal(r.ExpiresAt))
	assert.True(t, second.timers.Running(r.ID))
	assert.Equal(t, 1, second.svc.ReservedCount("S1"))
	assert.True(t, second.svc.IsPointReserved("S1", "P1"))
}

func TestRestart_ExpiresOverdueHolds(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	first := newHarness(t, store, clock, testConfig(), "instance-a")
	r := first.create(t, request("alice", "S1", 1, model.PointHold("P1")))
	first.svc.Stop()

	clock.Advance(time.Hour)

	second := newHarness(t, store, clock, testConfig(), "instance-b")
	var expired atomic.Int32
	second.svc.OnExpiration(func(model.Reservation) { expired.Add(1) })
	require.NoError(t, second.svc.Start(context.Background()))

	got, _ := second.svc.GetReservation(r.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, 0, second.svc.ReservedCount("S1"))
	assert.False(t, second.timers.Running(r.ID))

	persisted, err := second.repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, persisted.ReservedSlots)
	assert.Empty(t, persisted.ReservedPoints)
}

func TestStart_CorruptStateStartsEmpty(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "other", map[string][]byte{
		"test:reservations": []byte("{not json"),
	}))

	h := newHarness(t, store, clockwork.NewFakeClockAt(epoch), testConfig(), "instance-a")
	require.NoError(t, h.svc.Start(context.Background()))

	assert.Equal(t, 0, h.svc.ActiveCount())
	h.create(t, request("alice", "S1", 1, model.StationHold()))
}

func TestPersistenceFailure_DegradedMode(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	h := newHarness(t, store, clockwork.NewFakeClockAt(epoch), testConfig(), "instance-a")
	store.failSave.Store(true)

	r := h.create(t, request("alice", "S1", 1, model.StationHold()))
	assert.Equal(t, 1, h.svc.ReservedCount("S1"))

	result := h.svc.CreateReservation(context.Background(), request("bob", "S1", 1, model.StationHold()))
	assert.Equal(t, ReasonStationFull, result.Reason, "in-memory state stays authoritative")

	assert.True(t, h.svc.CancelReservation(context.Background(), r.ID))
	assert.Empty(t, store.Dump(), "nothing reached the store")

	store.failSave.Store(false)
	h.create(t, request("bob", "S1", 1, model.StationHold()))
	assert.NotEmpty(t, store.Dump())
}

func TestCrossInstanceSync(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	a := newHarness(t, store, clock, testConfig(), "instance-a")
	b := newHarness(t, store, clock, testConfig(), "instance-b")
	require.NoError(t, a.svc.Start(context.Background()))
	require.NoError(t, b.svc.Start(context.Background()))

	r := a.create(t, request("alice", "S1", 1, model.PointHold("P1")))

	require.Eventually(t, func() bool {
		_, ok := b.svc.GetReservation(r.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.svc.ReservedCount("S1"))
	assert.True(t, b.svc.IsPointReserved("S1", "P1"))
	assert.True(t, b.timers.Running(r.ID))

	result := b.svc.CreateReservation(context.Background(), request("bob", "S1", 1, model.StationHold()))
	assert.Equal(t, ReasonStationFull, result.Reason)

	require.True(t, b.svc.CancelReservation(context.Background(), r.ID))

	require.Eventually(t, func() bool {
		got, _ := a.svc.GetReservation(r.ID)
		return got.Status == model.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.svc.ReservedCount("S1"))
	assert.False(t, a.timers.Running(r.ID))
}

func TestReload_FiresNoEvents(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	a := newHarness(t, store, clock, testConfig(), "instance-a")
	b := newHarness(t, store, clock, testConfig(), "instance-b")

	var events atomic.Int32
	b.svc.OnEvent(func(model.Event) { events.Add(1) })

	r := a.create(t, request("alice", "S1", 1, model.StationHold()))
	require.True(t, a.svc.CancelReservation(context.Background(), r.ID))

	require.NoError(t, b.svc.Reload(context.Background()))
	got, ok := b.svc.GetReservation(r.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, int32(0), events.Load())
	assert.Equal(t, 0, b.timers.Starts(r.ID))
}

func TestReload_KeepsLocalWriteMadeDuringLoad(t *testing.T) {
	store := newGatedStore()
	h := newHarness(t, store, clockwork.NewFakeClockAt(epoch), testConfig(), "instance-a")
	ctx := context.Background()

	store.armed.Store(true)
	reloaded := make(chan error, 1)
	go func() { reloaded <- h.svc.Reload(ctx) }()
	<-store.entered

	created := make(chan CreateResult, 1)
	go func() {
		created <- h.svc.CreateReservation(ctx, request("alice", "S1", 1, model.StationHold()))
	}()

	select {
	case <-created:
		t.Fatal("create finished while reload was reading the store")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-reloaded)
	result := <-created
	require.True(t, result.Success, result.Error)

	got, ok := h.svc.GetReservation(result.Reservation.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, 1, h.svc.ReservedCount("S1"))
	assert.True(t, h.timers.Running(got.ID))

	bob := h.svc.CreateReservation(ctx, request("bob", "S1", 1, model.StationHold()))
	assert.Equal(t, ReasonStationFull, bob.Reason)
}

func TestCrossInstance_LifecycleEventsFireOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	a := newHarness(t, store, clock, testConfig(), "instance-a")
	b := newHarness(t, store, clock, testConfig(), "instance-b")
	ctx := context.Background()
	require.NoError(t, a.svc.Start(ctx))
	require.NoError(t, b.svc.Start(ctx))

	var notifiedA, notifiedB, expiredA, expiredB atomic.Int32
	a.svc.OnNotification(func(model.Reservation) { notifiedA.Add(1) })
	b.svc.OnNotification(func(model.Reservation) { notifiedB.Add(1) })
	a.svc.OnExpiration(func(model.Reservation) { expiredA.Add(1) })
	b.svc.OnExpiration(func(model.Reservation) { expiredB.Add(1) })

	r := a.create(t, request("alice", "S1", 1, model.StationHold()))
	require.Eventually(t, func() bool {
		return b.timers.Running(r.ID)
	}, 2*time.Second, 10*time.Millisecond)

	clock.Advance(11 * time.Minute)
	a.timers.FireAll(ctx)
	b.timers.FireAll(ctx)

	assert.Equal(t, int32(1), notifiedA.Load()+notifiedB.Load(), "near expiry fires on one instance")
	got, _ := b.svc.GetReservation(r.ID)
	assert.True(t, got.NotificationSent)

	clock.Advance(5 * time.Minute)
	a.timers.FireAll(ctx)
	b.timers.FireAll(ctx)

	assert.Equal(t, int32(1), notifiedA.Load()+notifiedB.Load())
	assert.Equal(t, int32(1), expiredA.Load()+expiredB.Load(), "expiry fires on one instance")

	got, _ = b.svc.GetReservation(r.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, 0, b.svc.ReservedCount("S1"))
	assert.False(t, b.timers.Running(r.ID))
}

func TestCrossInstance_TickAdoptsStoredExpiry(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	a := newHarness(t, store, clock, testConfig(), "instance-a")
	b := newHarness(t, store, clock, testConfig(), "instance-b")
	ctx := context.Background()

	var events atomic.Int32
	b.svc.OnEvent(func(model.Event) { events.Add(1) })

	a.create(t, request("alice", "S1", 1, model.StationHold()))
	require.NoError(t, b.svc.Reload(ctx))

	clock.Advance(16 * time.Minute)
	a.svc.Tick(ctx)
	b.svc.Tick(ctx)

	assert.Equal(t, int32(0), events.Load())
	assert.Equal(t, 0, b.svc.ActiveCount())
	assert.Equal(t, 0, b.svc.ReservedCount("S1"))
}

func TestStop_StopsTimers(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	h.create(t, request("alice", "S1", 1, model.StationHold()))

	h.svc.Stop()
	assert.Empty(t, h.timers.RunningIDs())

	// Stop is safe to call again.
	h.svc.Stop()
}

func TestPing(t *testing.T) {
	h := newTestHarness(t)
	assert.NoError(t, h.svc.Ping(context.Background()))
}
