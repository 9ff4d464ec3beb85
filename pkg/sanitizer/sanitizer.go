// Package sanitizer normalizes caller-supplied text before validation so that
// equivalent inputs map to the same ledger keys. Every function is idempotent.
package sanitizer

import (
	"strings"
	"unicode"

	"chargehold/pkg/model"
)

// TrimAndNormalize trims s and collapses every run of whitespace to one space.
func TrimAndNormalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(s))
	lastWasSpace := false

	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				result.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		result.WriteRune(r)
		lastWasSpace = false
	}

	return result.String()
}

func NormalizeName(name string) string {
	return TrimAndNormalize(name)
}

// NormalizeID trims surrounding whitespace and drops control characters.
// Inner spaces are kept: "A 1" and "A1" are different identifiers.
func NormalizeID(id string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, id))
}

// NormalizeHoldKind lowercases the hold kind so "Point" and "point" agree.
func NormalizeHoldKind(kind model.HoldKind) model.HoldKind {
	return model.HoldKind(strings.ToLower(strings.TrimSpace(string(kind))))
}

// SanitizeReservationRequest normalizes req in place.
func SanitizeReservationRequest(req *model.ReservationRequest) {
	req.UserID = NormalizeID(req.UserID)
	req.Station.ID = NormalizeID(req.Station.ID)
	req.Station.Name = NormalizeName(req.Station.Name)
	req.Hold.Kind = NormalizeHoldKind(req.Hold.Kind)
	req.Hold.ChargingPointID = NormalizeID(req.Hold.ChargingPointID)
}
