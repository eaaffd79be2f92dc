package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
)

const maxRequestBodySize = 64 << 10

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, domain.ErrValidation)
	}
	return n, nil
}

func queryMicros(r *http.Request, name string) (cost.Micros, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	m, err := cost.ParseUSD(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation)
	}
	return m, nil
}

// eventQuery reads ?limit=&after=&after_id= into a cursor query.
func eventQuery(r *http.Request) (quota.EventQuery, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return quota.EventQuery{}, err
	}
	q := quota.EventQuery{Limit: limit, AfterID: r.URL.Query().Get("after_id")}
	if s := r.URL.Query().Get("after"); s != "" {
		q.After, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, fmt.Errorf("after must be an RFC 3339 timestamp: %w", domain.ErrValidation)
		}
	}
	return q, nil
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps sentinel errors to status codes. Messages of client
// errors are passed through without the sentinel suffix.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, strings.TrimSuffix(err.Error(), ": "+domain.ErrConflict.Error()))
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error()))
	case errors.Is(err, domain.ErrStorageUnavailable), errors.Is(err, domain.ErrAggregationUnavailable):
		slog.ErrorContext(r.Context(), "backend unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		slog.ErrorContext(r.Context(), "unhandled domain error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
