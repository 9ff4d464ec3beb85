package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "chargehold/pkg/errors"
)

// DecodeJSON reads a single JSON document from the request body into dst.
// Unknown fields are rejected so client typos surface as 400s.
func DecodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperrors.InvalidInput("Request body cannot be empty")
		case errors.As(err, &maxErr):
			return apperrors.InvalidInput("Request body too large")
		default:
			return apperrors.InvalidInput("Invalid request body: " + err.Error())
		}
	}

	if decoder.More() {
		return apperrors.InvalidInput("Request body must contain a single JSON object")
	}
	return nil
}
