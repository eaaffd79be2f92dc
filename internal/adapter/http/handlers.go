package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/middleware"
	"github.com/Strob0t/costgate/internal/resilience"
	"github.com/Strob0t/costgate/internal/service"
	"github.com/Strob0t/costgate/internal/worker"
)

// Handlers holds the services behind the HTTP API.
type Handlers struct {
	Admin   *service.AdminService
	Checker *service.Checker
	Costs   *service.CostService
	Rollups *service.RollupService
	Events  *service.EventService

	// Health inputs, all optional.
	Pings   map[string]func(context.Context) error
	Breaker *resilience.Breaker
	Pool    *worker.Pool
}

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Breaker string            `json:"breaker,omitempty"`
	Workers *worker.Stats     `json:"workers,omitempty"`
}

// Health handles GET /health. Any failing ping reports 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Pings))}
	status := http.StatusOK
	for name, ping := range h.Pings {
		if err := ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.Breaker != nil {
		resp.Breaker = h.Breaker.State().String()
	}
	if h.Pool != nil {
		stats := h.Pool.Stats()
		resp.Workers = &stats
	}
	writeJSON(w, status, resp)
}

type eventPage struct {
	Events      []quota.Event `json:"events"`
	NextAfter   *time.Time    `json:"next_after,omitempty"`
	NextAfterID string        `json:"next_after_id,omitempty"`
}

// newEventPage returns the page with the cursor for the next request when
// the page is full.
func newEventPage(events []quota.Event, limit int) eventPage {
	if events == nil {
		events = []quota.Event{}
	}
	p := eventPage{Events: events}
	if n := len(events); n > 0 && n >= limit {
		last := events[n-1]
		p.NextAfter = &last.Timestamp
		p.NextAfterID = last.ID
	}
	return p
}

// principal returns the caller asserted by the gateway headers, if any.
func principal(r *http.Request) (string, []string) {
	if p := middleware.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID, p.Roles
	}
	return "", nil
}
