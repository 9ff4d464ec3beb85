package middleware

import "net/http"

// MaxRequestSize caps the request body at limit bytes. Reading past the cap fails
// with *http.MaxBytesError, which DecodeJSON reports as a 400.
func MaxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
