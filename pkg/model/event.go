package model

import "time"

type EventType string

const (
	EventCreated    EventType = "created"
	EventCancelled  EventType = "cancelled"
	EventCompleted  EventType = "completed"
	EventNearExpiry EventType = "near_expiry"
	EventExpired    EventType = "expired"
)

// Event is a reservation lifecycle transition. Reservation is a copy taken at
// the moment of the transition.
type Event struct {
	Type        EventType   `json:"type"`
	Reservation Reservation `json:"reservation"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// EndEvent maps a terminal status to the event announcing it.
func EndEvent(status Status) EventType {
	switch status {
	case StatusCancelled:
		return EventCancelled
	case StatusCompleted:
		return EventCompleted
	case StatusExpired:
		return EventExpired
	default:
		return ""
	}
}
