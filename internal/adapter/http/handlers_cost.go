package http

import (
	"net/http"
	"time"

	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/service"
)

// Check handles POST /api/v1/check. Identity missing from the body is taken
// from the gateway headers.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CheckRequest](w, r)
	if !ok {
		return
	}
	if req.UserID == "" {
		req.UserID, req.Roles = principal(r)
	}
	d, err := h.Checker.Check(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type usageRequest struct {
	UserID       string      `json:"user_id"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	Cost         cost.Micros `json:"cost"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	ModelID      string      `json:"model_id,omitempty"`
	TierID       string      `json:"tier_id,omitempty"`
}

// RecordUsage handles POST /api/v1/usage
func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[usageRequest](w, r)
	if !ok {
		return
	}
	if req.UserID == "" {
		req.UserID, _ = principal(r)
	}
	rec := cost.UsageRecord{
		UserID:  req.UserID,
		At:      time.Now().UTC(),
		Cost:    req.Cost,
		Usage:   cost.Usage{InputTokens: req.InputTokens, OutputTokens: req.OutputTokens},
		ModelID: req.ModelID,
		TierID:  req.TierID,
	}
	if req.Timestamp != nil {
		rec.At = req.Timestamp.UTC()
	}
	if err := h.Costs.RecordUsage(r.Context(), rec); err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// TopUsers handles GET /api/v1/costs/top?period=&limit=&min_cost=
func (h *Handlers) TopUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	minCost, err := queryMicros(r, "min_cost")
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	q := cost.TopQuery{
		Period:  periodOrCurrentMonth(r),
		Limit:   limit,
		MinCost: minCost,
	}
	top, err := h.Costs.TopUsers(r.Context(), q)
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	if top == nil {
		top = []cost.TopUser{}
	}
	writeJSON(w, http.StatusOK, top)
}

// GetUserCost handles GET /api/v1/costs/users/{id}?period=
func (h *Handlers) GetUserCost(w http.ResponseWriter, r *http.Request) {
	s, err := h.Costs.GetSummary(r.Context(), urlParam(r, "id"), periodOrCurrentMonth(r))
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListRollups handles GET /api/v1/rollups/{type}?period=&limit=
func (h *Handlers) ListRollups(w http.ResponseWriter, r *http.Request) {
	t, err := cost.ParseRollupType(urlParam(r, "type"))
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	list, err := h.Rollups.ListRollups(r.Context(), t, rollupPeriod(r, t), limit)
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	if list == nil {
		list = []cost.Rollup{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetRollup handles GET /api/v1/rollups/{type}/{identifier}?period=
func (h *Handlers) GetRollup(w http.ResponseWriter, r *http.Request) {
	t, err := cost.ParseRollupType(urlParam(r, "type"))
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	ro, err := h.Rollups.GetRollup(r.Context(), cost.RollupKey{
		Type:       t,
		Period:     rollupPeriod(r, t),
		Identifier: urlParam(r, "identifier"),
	})
	if err != nil {
		writeDomainError(w, r, err, "rollup not found")
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func periodOrCurrentMonth(r *http.Request) string {
	if p := r.URL.Query().Get("period"); p != "" {
		return p
	}
	return cost.MonthPeriod(time.Now())
}

// rollupPeriod defaults to today for daily rollups and to the current month
// for everything else.
func rollupPeriod(r *http.Request, t cost.RollupType) string {
	if p := r.URL.Query().Get("period"); p != "" {
		return p
	}
	if t == cost.RollupDaily {
		return cost.DayPeriod(time.Now())
	}
	return cost.MonthPeriod(time.Now())
}
