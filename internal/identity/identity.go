// Package identity materializes the principal installed by the fronting
// identity collaborator. The portal never authenticates anyone itself; it
// trusts the X-User-ID and X-User-Role headers set by the gateway.
package identity

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"assessportal/internal/app/apiresp"
)

const (
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleEvaluator = "evaluator"
	RoleNewJoinee = "new_joinee"
)

const (
	userIDHeader   = "X-User-ID"
	userRoleHeader = "X-User-Role"
)

type Principal struct {
	ID   int64
	Role string
}

type ctxKey struct{}

// FromContext returns the principal for the current request, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func validRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleEvaluator, RoleNewJoinee:
		return true
	}
	return false
}

// Middleware rejects requests without a usable principal.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(userIDHeader)), 10, 64)
		role := strings.TrimSpace(r.Header.Get(userRoleHeader))
		if err != nil || id <= 0 || !validRole(role) {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "missing or invalid identity headers")
			return
		}
		ctx := WithPrincipal(r.Context(), &Principal{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles gates a route group to the listed roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, ok := allowed[p.Role]; !ok {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
