package http

import (
	"net/http"

	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/middleware"
	"github.com/Strob0t/costgate/internal/service"
)

// --- Tiers ---

// CreateTier handles POST /api/v1/tiers
func (h *Handlers) CreateTier(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[quota.CreateTierRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Admin.CreateTier(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err, "tier not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTiers handles GET /api/v1/tiers
func (h *Handlers) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Admin.ListTiers(r.Context())
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	if tiers == nil {
		tiers = []quota.Tier{}
	}
	writeJSON(w, http.StatusOK, tiers)
}

// GetTier handles GET /api/v1/tiers/{id}
func (h *Handlers) GetTier(w http.ResponseWriter, r *http.Request) {
	t, err := h.Admin.GetTier(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "tier not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTier handles PATCH /api/v1/tiers/{id}
func (h *Handlers) UpdateTier(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[quota.UpdateTierRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Admin.UpdateTier(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, r, err, "tier not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTier handles DELETE /api/v1/tiers/{id}
func (h *Handlers) DeleteTier(w http.ResponseWriter, r *http.Request) {
	if err := h.Admin.DeleteTier(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, "tier not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTierEvents handles GET /api/v1/tiers/{id}/events
func (h *Handlers) ListTierEvents(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r)
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	q = q.Normalize()
	events, err := h.Events.ListByTier(r.Context(), urlParam(r, "id"), q)
	if err != nil {
		writeDomainError(w, r, err, "tier not found")
		return
	}
	writeJSON(w, http.StatusOK, newEventPage(events, q.Limit))
}

// --- Assignments ---

// CreateAssignment handles POST /api/v1/assignments
func (h *Handlers) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[quota.CreateAssignmentRequest](w, r)
	if !ok {
		return
	}
	a, err := h.Admin.CreateAssignment(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err, "assignment not found")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAssignments handles GET /api/v1/assignments?type=|role=|user_id=|tier_id=
// Without a filter the default tier assignments are listed.
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := service.AssignmentFilter{
		Type:   quota.AssignmentType(q.Get("type")),
		Role:   q.Get("role"),
		UserID: q.Get("user_id"),
		TierID: q.Get("tier_id"),
	}
	if f == (service.AssignmentFilter{}) {
		f.Type = quota.AssignDefaultTier
	}
	list, err := h.Admin.ListAssignments(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	if list == nil {
		list = []quota.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetAssignment handles GET /api/v1/assignments/{id}
func (h *Handlers) GetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Admin.GetAssignment(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "assignment not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAssignment handles PATCH /api/v1/assignments/{id}
func (h *Handlers) UpdateAssignment(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[quota.UpdateAssignmentRequest](w, r)
	if !ok {
		return
	}
	a, err := h.Admin.UpdateAssignment(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, r, err, "assignment not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAssignment handles DELETE /api/v1/assignments/{id}
func (h *Handlers) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	if err := h.Admin.DeleteAssignment(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, "assignment not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

// InspectUser handles GET /api/v1/users/{id}?roles=a,b
func (h *Handlers) InspectUser(w http.ResponseWriter, r *http.Request) {
	roles := middleware.ParseRoles(r.URL.Query().Get("roles"))
	uq, err := h.Admin.InspectUser(r.Context(), urlParam(r, "id"), roles)
	if err != nil {
		writeDomainError(w, r, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, uq)
}

// ListUserEvents handles GET /api/v1/users/{id}/events
func (h *Handlers) ListUserEvents(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r)
	if err != nil {
		writeDomainError(w, r, err, "")
		return
	}
	q = q.Normalize()
	events, err := h.Events.ListByUser(r.Context(), urlParam(r, "id"), q)
	if err != nil {
		writeDomainError(w, r, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, newEventPage(events, q.Limit))
}
