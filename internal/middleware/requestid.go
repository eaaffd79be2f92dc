// Package middleware holds the HTTP middleware shared by costgate's routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/costgate/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	maxRequestIDLen = 128
)

// RequestID tags the request context with an id for log correlation. A
// well-formed incoming X-Request-ID is kept, anything else is replaced. The
// id is echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !safeRequestID(id) {
			id = newRequestID()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// safeRequestID allows only visible ASCII so ids cannot inject log lines.
func safeRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	return strings.IndexFunc(id, func(c rune) bool { return c < '!' || c > '~' }) < 0
}

// newRequestID is a random UUID without dashes.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
