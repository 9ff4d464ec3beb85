package model

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExpired, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

type HoldKind string

const (
	HoldStation HoldKind = "station"
	HoldPoint   HoldKind = "point"
)

// Hold is what a reservation claims: one slot from a station's pool, or one
// specific charging point at that station. ChargingPointID is set iff Kind is HoldPoint.
type Hold struct {
	Kind            HoldKind `json:"kind" validate:"required,oneof=station point"`
	ChargingPointID string   `json:"charging_point_id,omitempty" validate:"max=128"`
}

func StationHold() Hold {
	return Hold{Kind: HoldStation}
}

func PointHold(chargingPointID string) Hold {
	return Hold{Kind: HoldPoint, ChargingPointID: chargingPointID}
}

// HoldFor builds a point hold when chargingPointID is set and a station hold otherwise.
func HoldFor(chargingPointID string) Hold {
	if chargingPointID == "" {
		return StationHold()
	}
	return PointHold(chargingPointID)
}

// PointID returns the held charging point, or false for station-level holds.
func (h Hold) PointID() (string, bool) {
	switch h.Kind {
	case HoldPoint:
		return h.ChargingPointID, true
	case HoldStation:
		return "", false
	default:
		return "", false
	}
}

// Check enforces the pairing between Kind and ChargingPointID.
func (h Hold) Check() error {
	switch h.Kind {
	case HoldStation:
		if h.ChargingPointID != "" {
			return fmt.Errorf("station hold cannot name a charging point")
		}
	case HoldPoint:
		if h.ChargingPointID == "" {
			return fmt.Errorf("point hold requires a charging point id")
		}
	default:
		return fmt.Errorf("unknown hold kind %q", h.Kind)
	}
	return nil
}

// PointKey is the reserved-point map key for a charging point at a station.
func PointKey(stationID, chargingPointID string) string {
	return stationID + "_" + chargingPointID
}

type Reservation struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	StationID        string     `json:"station_id"`
	StationName      string     `json:"station_name"`
	Hold             Hold       `json:"hold"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RemainingTime    int64      `json:"remaining_time"`
	NotificationSent bool       `json:"notification_sent"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

func (r *Reservation) IsActive() bool {
	return r.Status == StatusActive
}

// RemainingSeconds is max(0, floor((ExpiresAt - now) / 1s)).
func (r *Reservation) RemainingSeconds(now time.Time) int64 {
	left := r.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64(left / time.Second)
}

// DueAt reports whether the hold deadline has been reached at now.
func (r *Reservation) DueAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NearExpiration reports whether an active hold has time left but no more than within.
func (r *Reservation) NearExpiration(now time.Time, within time.Duration) bool {
	if !r.IsActive() {
		return false
	}
	left := r.ExpiresAt.Sub(now)
	return left > 0 && left <= within
}

// Snapshot returns a deep copy with RemainingTime computed for now.
func (r *Reservation) Snapshot(now time.Time) Reservation {
	cp := *r
	if r.EndedAt != nil {
		ended := *r.EndedAt
		cp.EndedAt = &ended
	}
	cp.RemainingTime = r.RemainingSeconds(now)
	return cp
}

// PointKey returns the reserved-point key for point-level holds.
func (r *Reservation) PointKey() (string, bool) {
	pointID, ok := r.Hold.PointID()
	if !ok {
		return "", false
	}
	return PointKey(r.StationID, pointID), true
}

// FormatRemainingTime renders seconds as "M:SS". Negative values render as "0:00".
func FormatRemainingTime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
