package errors

import "errors"

var (
	ErrNotFound = errors.New("reservation not found")

	ErrNotActive = errors.New("reservation is not active")

	ErrCorruptState = errors.New("persisted reservation state is corrupt")
)

const (
	MsgUserHasActive  = "You already have an active reservation. Please complete or cancel it before making a new one."
	MsgPointReserved  = "This charging point is already reserved by someone else"
	MsgStationFull    = "No charging slots available at this station"
	MsgInvalidRequest = "Invalid reservation request"
)
