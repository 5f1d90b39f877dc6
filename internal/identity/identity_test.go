package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		role       string
		wantStatus int
		wantID     int64
	}{
		{name: "valid candidate", id: "42", role: RoleNewJoinee, wantStatus: http.StatusOK, wantID: 42},
		{name: "valid manager", id: "7", role: RoleManager, wantStatus: http.StatusOK, wantID: 7},
		{name: "missing id", id: "", role: RoleEvaluator, wantStatus: http.StatusUnauthorized},
		{name: "non numeric id", id: "abc", role: RoleEvaluator, wantStatus: http.StatusUnauthorized},
		{name: "zero id", id: "0", role: RoleAdmin, wantStatus: http.StatusUnauthorized},
		{name: "unknown role", id: "5", role: "superuser", wantStatus: http.StatusUnauthorized},
		{name: "missing role", id: "5", role: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got *Principal
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = FromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.id != "" {
				req.Header.Set("X-User-ID", tc.id)
			}
			if tc.role != "" {
				req.Header.Set("X-User-Role", tc.role)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			if tc.wantStatus == http.StatusOK {
				if got == nil || got.ID != tc.wantID || got.Role != tc.role {
					t.Fatalf("unexpected principal %+v", got)
				}
			}
		})
	}
}

func TestRequireRoles(t *testing.T) {
	tests := []struct {
		name       string
		principal  *Principal
		allowed    []string
		wantStatus int
	}{
		{name: "allowed", principal: &Principal{ID: 1, Role: RoleEvaluator}, allowed: []string{RoleEvaluator, RoleManager}, wantStatus: http.StatusOK},
		{name: "denied", principal: &Principal{ID: 1, Role: RoleNewJoinee}, allowed: []string{RoleEvaluator}, wantStatus: http.StatusForbidden},
		{name: "no principal", principal: nil, allowed: []string{RoleEvaluator}, wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := RequireRoles(tc.allowed...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tc.principal))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}
