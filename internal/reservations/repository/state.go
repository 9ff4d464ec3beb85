package repository

import (
	"context"
	"encoding/json"
	"fmt"

	reservationserrors "chargehold/internal/reservations/errors"
	"chargehold/internal/reservations/storage"
	"chargehold/pkg/model"
)

const (
	keyReservations   = "reservations"
	keyReservedSlots  = "reserved_slots"
	keyReservedPoints = "reserved_points"
)

// Snapshot is the complete persisted reservation state. The three maps are
// always written together.
type Snapshot struct {
	Reservations   map[string]*model.Reservation
	ReservedSlots  map[string]int
	ReservedPoints map[string]string
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Reservations:   make(map[string]*model.Reservation),
		ReservedSlots:  make(map[string]int),
		ReservedPoints: make(map[string]string),
	}
}

type StateRepository interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Changes(ctx context.Context) (<-chan storage.Change, error)
	Ping(ctx context.Context) error
}

type stateRepository struct {
	store  storage.Store
	prefix string
	origin string
}

// NewStateRepository stores the snapshot under "<prefix>:reservations",
// "<prefix>:reserved_slots" and "<prefix>:reserved_points". origin identifies
// this instance's writes so its own changes are not reported back to it.
func NewStateRepository(store storage.Store, prefix, origin string) StateRepository {
	return &stateRepository{
		store:  store,
		prefix: prefix,
		origin: origin,
	}
}

func (r *stateRepository) key(name string) string {
	return r.prefix + ":" + name
}

func (r *stateRepository) Load(ctx context.Context) (*Snapshot, error) {
	blobs, err := r.store.Load(ctx,
		r.key(keyReservations),
		r.key(keyReservedSlots),
		r.key(keyReservedPoints),
	)
	if err != nil {
		return nil, fmt.Errorf("load reservation state: %w", err)
	}

	snapshot := NewSnapshot()
	if err := decodeBlob(blobs, r.key(keyReservations), &snapshot.Reservations); err != nil {
		return nil, err
	}
	if err := decodeBlob(blobs, r.key(keyReservedSlots), &snapshot.ReservedSlots); err != nil {
		return nil, err
	}
	if err := decodeBlob(blobs, r.key(keyReservedPoints), &snapshot.ReservedPoints); err != nil {
		return nil, err
	}

	if snapshot.Reservations == nil {
		snapshot.Reservations = make(map[string]*model.Reservation)
	}
	if snapshot.ReservedSlots == nil {
		snapshot.ReservedSlots = make(map[string]int)
	}
	if snapshot.ReservedPoints == nil {
		snapshot.ReservedPoints = make(map[string]string)
	}

	for id, reservation := range snapshot.Reservations {
		if reservation == nil {
			delete(snapshot.Reservations, id)
			continue
		}
		if reservation.ID == "" {
			reservation.ID = id
		}
	}
	return snapshot, nil
}

func (r *stateRepository) Save(ctx context.Context, snapshot *Snapshot) error {
	reservations, err := json.Marshal(snapshot.Reservations)
	if err != nil {
		return fmt.Errorf("encode reservations: %w", err)
	}
	slots, err := json.Marshal(snapshot.ReservedSlots)
	if err != nil {
		return fmt.Errorf("encode reserved slots: %w", err)
	}
	points, err := json.Marshal(snapshot.ReservedPoints)
	if err != nil {
		return fmt.Errorf("encode reserved points: %w", err)
	}

	err = r.store.Save(ctx, r.origin, map[string][]byte{
		r.key(keyReservations):   reservations,
		r.key(keyReservedSlots):  slots,
		r.key(keyReservedPoints): points,
	})
	if err != nil {
		return fmt.Errorf("save reservation state: %w", err)
	}
	return nil
}

func (r *stateRepository) Changes(ctx context.Context) (<-chan storage.Change, error) {
	return r.store.Subscribe(ctx, r.origin)
}

func (r *stateRepository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// decodeBlob leaves dst untouched when the key is absent or empty.
func decodeBlob[T any](blobs map[string][]byte, key string, dst *T) error {
	raw, ok := blobs[key]
	if !ok || len(raw) == 0 {
		return nil
	}

	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", reservationserrors.ErrCorruptState, key, err)
	}
	*dst = decoded
	return nil
}
