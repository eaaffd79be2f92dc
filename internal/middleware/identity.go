package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Identity headers are set by the trusted gateway in front of costgate after
// it has verified the caller's token.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
)

type identityCtxKey struct{}

// Principal is the caller as asserted by the upstream gateway.
type Principal struct {
	UserID string
	Roles  []string
}

// Identity reads X-User-ID and X-User-Roles into a Principal on the context.
// Requests without X-User-ID carry no principal.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		p := &Principal{UserID: userID, Roles: ParseRoles(r.Header.Get(HeaderUserRoles))}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityCtxKey{}, p)))
	})
}

// PrincipalFromContext returns the caller, or nil when none was asserted.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(identityCtxKey{}).(*Principal)
	return p
}

// ParseRoles splits a comma-separated role list, dropping blanks.
func ParseRoles(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
