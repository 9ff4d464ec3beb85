package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	reservationserrors "chargehold/internal/reservations/errors"
	"chargehold/internal/reservations/ledger"
	"chargehold/internal/reservations/repository"
	"chargehold/internal/reservations/timer"
	"chargehold/internal/reservations/validator"
	"chargehold/pkg/config"
	"chargehold/pkg/logger"
	"chargehold/pkg/model"
	"chargehold/pkg/sanitizer"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type FailureReason string

const (
	ReasonUserHasActive  FailureReason = "user_has_active"
	ReasonPointReserved  FailureReason = "point_reserved"
	ReasonStationFull    FailureReason = "station_full"
	ReasonInvalidRequest FailureReason = "invalid_request"
)

// CreateResult is the outcome of CreateReservation. Rejections are results,
// not errors: callers branch on Success.
type CreateResult struct {
	Success     bool
	Reservation *model.Reservation
	Error       string
	Reason      FailureReason
	Details     map[string]any
}

type ReservationService interface {
	CreateReservation(ctx context.Context, req model.ReservationRequest) CreateResult
	CancelReservation(ctx context.Context, id string) bool
	CompleteReservation(ctx context.Context, id string) bool

	GetReservation(id string) (model.Reservation, bool)
	GetActiveReservationByUser(userID string) (model.Reservation, bool)
	GetUserReservations(userID string) []model.Reservation
	ReservedCount(stationID string) int
	AvailableSlots(station model.Station) int
	IsPointReserved(stationID, chargingPointID string) bool
	ActiveCount() int
	IsNearExpiration(r model.Reservation) bool

	OnNotification(fn func(model.Reservation)) func()
	OnExpiration(fn func(model.Reservation)) func()
	OnEvent(fn func(model.Event)) func()

	Start(ctx context.Context) error
	Tick(ctx context.Context)
	Reload(ctx context.Context) error
	Stop()
	Ping(ctx context.Context) error
}

type reservationService struct {
	repo      repository.StateRepository
	timers    timer.Driver
	validator *validator.ReservationValidator
	clock     clockwork.Clock
	cfg       *config.Config
	log       *logger.Logger

	mu           sync.Mutex
	reservations map[string]*model.Reservation
	ledger       *ledger.Ledger

	notifications listeners[model.Reservation]
	expirations   listeners[model.Reservation]
	events        listeners[model.Event]

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func NewReservationService(
	repo repository.StateRepository,
	timers timer.Driver,
	validator *validator.ReservationValidator,
	clock clockwork.Clock,
	cfg *config.Config,
) ReservationService {
	return &reservationService{
		repo:         repo,
		timers:       timers,
		validator:    validator,
		clock:        clock,
		cfg:          cfg,
		log:          cfg.Log.Component("reservation_service"),
		reservations: make(map[string]*model.Reservation),
		ledger:       ledger.New(),
	}
}

func (s *reservationService) CreateReservation(ctx context.Context, req model.ReservationRequest) CreateResult {
	sanitizer.SanitizeReservationRequest(&req)
	if err := s.validator.Validate(&req); err != nil {
		s.log.Warn("Reservation request validation failed",
			"user_id", req.UserID,
			"station_id", req.Station.ID,
			"error", err,
		)
		result := CreateResult{Error: reservationserrors.MsgInvalidRequest, Reason: ReasonInvalidRequest}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			result.Details = verrs.Details()
		}
		return result
	}

	now := s.clock.Now()

	s.mu.Lock()
	events, dirty := s.settleLocked(ctx, now)

	result := s.checkLocked(req)
	if result.Reason != "" {
		if dirty {
			s.persistLocked(ctx)
		}
		s.mu.Unlock()
		s.dispatch(events)

		s.log.Info("Reservation rejected",
			"user_id", req.UserID,
			"station_id", req.Station.ID,
			"reason", result.Reason,
		)
		return result
	}

	reservation := &model.Reservation{
		ID:            s.newIDLocked(now),
		UserID:        req.UserID,
		StationID:     req.Station.ID,
		StationName:   req.Station.Name,
		Hold:          req.Hold,
		Status:        model.StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.HoldDuration),
		RemainingTime: int64(s.cfg.HoldDuration / time.Second),
	}
	s.reservations[reservation.ID] = reservation
	s.ledger.Acquire(reservation.StationID, reservation.Hold, reservation.UserID)
	s.persistLocked(ctx)
	s.timers.Start(reservation.ID, s.tickFunc(reservation.ID))

	created := reservation.Snapshot(now)
	events = append(events, model.Event{Type: model.EventCreated, Reservation: created, OccurredAt: now})
	s.mu.Unlock()
	s.dispatch(events)

	s.log.Info("Reservation created",
		"id", created.ID,
		"user_id", created.UserID,
		"station_id", created.StationID,
		"hold", created.Hold.Kind,
		"charging_point_id", created.Hold.ChargingPointID,
		"expires_at", created.ExpiresAt,
	)

	return CreateResult{Success: true, Reservation: &created}
}

// checkLocked applies the creation preconditions in order; the first failure wins.
func (s *reservationService) checkLocked(req model.ReservationRequest) CreateResult {
	for _, r := range s.reservations {
		if r.UserID == req.UserID && r.IsActive() {
			return CreateResult{Error: reservationserrors.MsgUserHasActive, Reason: ReasonUserHasActive}
		}
	}

	if pointID, ok := req.Hold.PointID(); ok {
		if _, held := s.ledger.PointHolder(req.Station.ID, pointID); held {
			return CreateResult{Error: reservationserrors.MsgPointReserved, Reason: ReasonPointReserved}
		}
	}

	if s.ledger.Available(req.Station) <= 0 {
		return CreateResult{Error: reservationserrors.MsgStationFull, Reason: ReasonStationFull}
	}

	return CreateResult{}
}

func (s *reservationService) newIDLocked(now time.Time) string {
	for {
		id := fmt.Sprintf("res_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
		if _, exists := s.reservations[id]; !exists {
			return id
		}
	}
}

func (s *reservationService) CancelReservation(ctx context.Context, id string) bool {
	return s.finish(ctx, id, model.StatusCancelled)
}

func (s *reservationService) CompleteReservation(ctx context.Context, id string) bool {
	return s.finish(ctx, id, model.StatusCompleted)
}

// finish moves an active reservation to a terminal status. A reservation whose
// deadline has already passed is expired first, so cancel racing expiry
// releases the hold exactly once.
func (s *reservationService) finish(ctx context.Context, id string, status model.Status) bool {
	now := s.clock.Now()

	s.mu.Lock()
	events, dirty := s.settleLocked(ctx, now)

	r, ok := s.reservations[id]
	if !ok || !r.IsActive() {
		if dirty {
			s.persistLocked(ctx)
		}
		s.mu.Unlock()
		s.dispatch(events)

		s.log.Debug("Reservation not active, nothing to finish",
			"id", id,
			"requested_status", status,
			"found", ok,
		)
		return false
	}

	events = append(events, s.endLocked(r, status, now))
	s.persistLocked(ctx)
	s.mu.Unlock()
	s.dispatch(events)

	s.log.Info("Reservation finished",
		"id", id,
		"user_id", r.UserID,
		"station_id", r.StationID,
		"status", status,
	)
	return true
}

// endLocked marks r terminal, releases its slot and point and stops its timer.
// Callers must have checked that r is active.
func (s *reservationService) endLocked(r *model.Reservation, status model.Status, now time.Time) model.Event {
	ended := now
	r.Status = status
	r.EndedAt = &ended
	r.RemainingTime = r.RemainingSeconds(now)
	s.ledger.Release(r.StationID, r.Hold)
	s.timers.Stop(r.ID)

	return model.Event{Type: model.EndEvent(status), Reservation: r.Snapshot(now), OccurredAt: now}
}

// dueLocked reports whether evaluateLocked would change r at now.
func (s *reservationService) dueLocked(r *model.Reservation, now time.Time) bool {
	if !r.IsActive() {
		return false
	}
	return (!r.NotificationSent && r.ExpiresAt.Sub(now) <= s.cfg.NotifyBefore) || r.DueAt(now)
}

// adoptPersistedLocked re-reads the stored record of every reservation that is
// about to change state. A transition another instance has already persisted is
// adopted silently so its events are not fired a second time. Records missing
// from the store, or a store that cannot be read, leave memory as it is.
func (s *reservationService) adoptPersistedLocked(ctx context.Context, due []*model.Reservation) {
	if len(due) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	snapshot, err := s.repo.Load(ctx)
	if err != nil {
		s.log.Warn("Failed to re-read reservation state before transition, using in-memory state",
			"due", len(due),
			"error", err,
		)
		return
	}

	for _, r := range due {
		stored, ok := snapshot.Reservations[r.ID]
		if !ok {
			continue
		}
		if !stored.IsActive() {
			s.ledger.Release(r.StationID, r.Hold)
			s.timers.Stop(r.ID)
			*r = *stored
			s.log.Debug("Reservation already finished by another instance",
				"id", r.ID,
				"status", r.Status,
			)
			continue
		}
		if stored.NotificationSent {
			r.NotificationSent = true
		}
	}
}

// evaluateLocked applies the time-driven transitions to one active reservation.
// A reservation found past its deadline without a warning gets the warning first.
func (s *reservationService) evaluateLocked(r *model.Reservation, now time.Time) ([]model.Event, bool) {
	var events []model.Event
	dirty := false

	r.RemainingTime = r.RemainingSeconds(now)

	if !r.NotificationSent && r.ExpiresAt.Sub(now) <= s.cfg.NotifyBefore {
		r.NotificationSent = true
		dirty = true
		events = append(events, model.Event{Type: model.EventNearExpiry, Reservation: r.Snapshot(now), OccurredAt: now})
	}

	if r.DueAt(now) {
		dirty = true
		events = append(events, s.endLocked(r, model.StatusExpired, now))
	}

	return events, dirty
}

// settleLocked evaluates every active reservation, earliest deadline first.
func (s *reservationService) settleLocked(ctx context.Context, now time.Time) ([]model.Event, bool) {
	var due []*model.Reservation
	for _, r := range s.reservations {
		if s.dueLocked(r, now) {
			due = append(due, r)
		}
	}
	s.adoptPersistedLocked(ctx, due)

	active := make([]*model.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		if r.IsActive() {
			active = append(active, r)
		}
	}
	slices.SortFunc(active, func(a, b *model.Reservation) int {
		return cmp.Or(a.ExpiresAt.Compare(b.ExpiresAt), cmp.Compare(a.ID, b.ID))
	})

	var events []model.Event
	dirty := false
	for _, r := range active {
		ev, changed := s.evaluateLocked(r, now)
		events = append(events, ev...)
		dirty = dirty || changed
	}
	return events, dirty
}

func (s *reservationService) tickFunc(id string) timer.Func {
	return func(ctx context.Context) {
		s.tick(ctx, id)
	}
}

// tick re-reads the reservation on every call; a record that is gone or no
// longer active stops its own timer. Before a transition the stored record is
// consulted so instances sharing a store fire each lifecycle event once.
func (s *reservationService) tick(ctx context.Context, id string) {
	now := s.clock.Now()

	s.mu.Lock()
	r, ok := s.reservations[id]
	if ok && s.dueLocked(r, now) {
		s.adoptPersistedLocked(ctx, []*model.Reservation{r})
	}
	if !ok || !r.IsActive() {
		s.timers.Stop(id)
		s.mu.Unlock()
		return
	}

	events, dirty := s.evaluateLocked(r, now)
	if dirty {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()
	s.dispatch(events)
}

// Tick evaluates every active reservation once against the current time.
func (s *reservationService) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	events, dirty := s.settleLocked(ctx, now)
	if dirty {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()
	s.dispatch(events)
}

// persistLocked writes the full state. Failures are logged and the in-memory
// state stays authoritative. The write is detached from ctx cancellation:
// timer contexts are cancelled by the very transition being persisted.
func (s *reservationService) persistLocked(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	snapshot := &repository.Snapshot{
		Reservations:   s.reservations,
		ReservedSlots:  s.ledger.Slots(),
		ReservedPoints: s.ledger.Points(),
	}
	if err := s.repo.Save(ctx, snapshot); err != nil {
		s.log.Error("Failed to persist reservation state, continuing with in-memory state",
			"reservations", len(s.reservations),
			"error", err,
		)
	}
}

func (s *reservationService) dispatch(events []model.Event) {
	for _, ev := range events {
		switch ev.Type {
		case model.EventNearExpiry:
			s.notifications.notify(s.log, "notification", ev.Reservation)
		case model.EventExpired:
			s.expirations.notify(s.log, "expiration", ev.Reservation)
		}
		s.events.notify(s.log, "event", ev)
	}
}

func (s *reservationService) GetReservation(id string) (model.Reservation, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, false
	}
	return r.Snapshot(now), true
}

func (s *reservationService) GetActiveReservationByUser(userID string) (model.Reservation, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reservations {
		if r.UserID == userID && r.IsActive() {
			return r.Snapshot(now), true
		}
	}
	return model.Reservation{}, false
}

// GetUserReservations returns every reservation the user ever made, newest first.
func (s *reservationService) GetUserReservations(userID string) []model.Reservation {
	now := s.clock.Now()

	s.mu.Lock()
	result := make([]model.Reservation, 0)
	for _, r := range s.reservations {
		if r.UserID == userID {
			result = append(result, r.Snapshot(now))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(result, func(a, b model.Reservation) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	return result
}

func (s *reservationService) ReservedCount(stationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Reserved(stationID)
}

func (s *reservationService) AvailableSlots(station model.Station) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Available(station)
}

func (s *reservationService) IsPointReserved(stationID, chargingPointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ledger.PointHolder(stationID, chargingPointID)
	return ok
}

func (s *reservationService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

func (s *reservationService) IsNearExpiration(r model.Reservation) bool {
	return r.NearExpiration(s.clock.Now(), s.cfg.NotifyBefore)
}

func (s *reservationService) OnNotification(fn func(model.Reservation)) func() {
	return s.notifications.add(fn)
}

func (s *reservationService) OnExpiration(fn func(model.Reservation)) func() {
	return s.expirations.add(fn)
}

func (s *reservationService) OnEvent(fn func(model.Event)) func() {
	return s.events.add(fn)
}

// Start restores persisted state, restarts timers for active holds, expires
// whatever ran out while the service was down and begins following writes
// from other instances. A load failure starts the service empty. The returned
// error only reports that cross-instance sync could not be started.
func (s *reservationService) Start(ctx context.Context) error {
	s.mu.Lock()
	snapshot, err := s.repo.Load(ctx)
	if err != nil {
		s.log.Error("Failed to load reservation state, starting empty", "error", err)
		snapshot = repository.NewSnapshot()
	}
	s.replaceLocked(snapshot)
	active := s.activeCountLocked()
	s.mu.Unlock()

	s.log.Info("Reservation state restored",
		"reservations", len(snapshot.Reservations),
		"active", active,
	)

	s.Tick(ctx)

	return s.watch(ctx)
}

func (s *reservationService) watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watchCancel != nil {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	changes, err := s.repo.Changes(watchCtx)
	if err != nil {
		cancel()
		s.log.Error("Failed to subscribe to reservation state changes", "error", err)
		return fmt.Errorf("subscribe to state changes: %w", err)
	}

	done := make(chan struct{})
	s.watchCancel = cancel
	s.watchDone = done

	go func() {
		defer close(done)
		for change := range changes {
			s.log.Info("Reservation state changed by another instance",
				"origin", change.Origin,
				"keys", change.Keys,
			)
			if err := s.Reload(watchCtx); err != nil {
				s.log.Error("Failed to reload reservation state", "error", err)
			}
		}
	}()

	return nil
}

// Reload replaces in-memory state with the persisted state and reconciles
// timers. It fires no events: the writer already did. The lock is held across
// the read so a local write cannot land between loading and applying.
func (s *reservationService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload reservation state: %w", err)
	}
	s.replaceLocked(snapshot)
	return nil
}

func (s *reservationService) replaceLocked(snapshot *repository.Snapshot) {
	for id := range s.reservations {
		if next, ok := snapshot.Reservations[id]; !ok || !next.IsActive() {
			s.timers.Stop(id)
		}
	}

	s.reservations = snapshot.Reservations
	s.ledger = ledger.FromMaps(snapshot.ReservedSlots, snapshot.ReservedPoints)

	for id, r := range s.reservations {
		if r.IsActive() {
			s.timers.Start(id, s.tickFunc(id))
		}
	}
}

func (s *reservationService) activeCountLocked() int {
	count := 0
	for _, r := range s.reservations {
		if r.IsActive() {
			count++
		}
	}
	return count
}

// Stop ends cross-instance sync and every reservation timer.
func (s *reservationService) Stop() {
	s.watchMu.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel, s.watchDone = nil, nil
	s.watchMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.timers.StopAll()
}

func (s *reservationService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
