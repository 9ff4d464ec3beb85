package ledger

import (
	"maps"

	"chargehold/pkg/model"
)

// Ledger counts outstanding holds per station and tracks which charging points
// are exclusively held. It is not safe for concurrent use; the reservation
// service guards it together with the reservation records.
type Ledger struct {
	slots  map[string]int
	points map[string]string
}

func New() *Ledger {
	return &Ledger{
		slots:  make(map[string]int),
		points: make(map[string]string),
	}
}

// FromMaps copies persisted counters into a new ledger, dropping non-positive counts.
func FromMaps(slots map[string]int, points map[string]string) *Ledger {
	l := New()
	for stationID, count := range slots {
		if count > 0 {
			l.slots[stationID] = count
		}
	}
	maps.Copy(l.points, points)
	return l
}

func (l *Ledger) Reserved(stationID string) int {
	return l.slots[stationID]
}

// Available is the station's reported availability minus outstanding holds,
// clamped at zero.
func (l *Ledger) Available(station model.Station) int {
	return max(0, station.Available-l.slots[station.ID])
}

// PointHolder returns the user holding the charging point, if any.
func (l *Ledger) PointHolder(stationID, chargingPointID string) (string, bool) {
	userID, ok := l.points[model.PointKey(stationID, chargingPointID)]
	return userID, ok
}

func (l *Ledger) Acquire(stationID string, hold model.Hold, userID string) {
	l.slots[stationID]++
	if pointID, ok := hold.PointID(); ok {
		l.points[model.PointKey(stationID, pointID)] = userID
	}
}

// Release returns one slot and frees the held point. Counts never go below zero.
func (l *Ledger) Release(stationID string, hold model.Hold) {
	if count := l.slots[stationID]; count > 1 {
		l.slots[stationID] = count - 1
	} else {
		delete(l.slots, stationID)
	}
	if pointID, ok := hold.PointID(); ok {
		delete(l.points, model.PointKey(stationID, pointID))
	}
}

func (l *Ledger) Slots() map[string]int {
	return maps.Clone(l.slots)
}

func (l *Ledger) Points() map[string]string {
	return maps.Clone(l.points)
}
