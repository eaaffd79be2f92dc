package middleware

import (
	"log/slog"
	"net/http"
	"slices"
)

// RequireRole admits principals holding at least one of roles. Empty role
// names are ignored; with none left every request passes.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roles = slices.DeleteFunc(slices.Clone(roles), func(r string) bool { return r == "" })

	return func(next http.Handler) http.Handler {
		if len(roles) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			switch {
			case p == nil:
				deny(w, http.StatusUnauthorized, "authorization required")
			case slices.ContainsFunc(p.Roles, func(have string) bool { return slices.Contains(roles, have) }):
				next.ServeHTTP(w, r)
			default:
				slog.DebugContext(r.Context(), "admin route denied", "user_id", p.UserID, "path", r.URL.Path)
				deny(w, http.StatusForbidden, "forbidden")
			}
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
