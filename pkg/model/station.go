package model

// Station is the caller-supplied snapshot of a charging station. Available is
// whatever the station data source reported; outstanding holds are subtracted
// from it by the reservation ledger.
type Station struct {
	ID        string `json:"id" validate:"required,max=128"`
	Name      string `json:"name" validate:"required,max=256"`
	Available int    `json:"available" validate:"min=0"`
	Total     int    `json:"total" validate:"min=0"`
}

type ReservationRequest struct {
	UserID  string  `json:"user_id" validate:"required,max=128"`
	Station Station `json:"station"`
	Hold    Hold    `json:"hold"`
}
