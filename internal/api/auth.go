package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/reBalance888/tunearena/internal/observability"
)

// AdminHeader carries the admin token when no bearer token is sent.
const AdminHeader = "X-Admin-Token"

// AdminAuth guards operator routes with a shared token. An empty token
// disables the routes entirely.
type AdminAuth struct {
	digest []byte
}

// NewAdminAuth creates the guard for token.
func NewAdminAuth(token string) *AdminAuth {
	if token == "" {
		return &AdminAuth{}
	}
	sum := sha256.Sum256([]byte(token))
	return &AdminAuth{digest: sum[:]}
}

// Enabled reports whether a token is configured.
func (a *AdminAuth) Enabled() bool { return len(a.digest) > 0 }

// Valid compares presented against the configured token in constant time.
func (a *AdminAuth) Valid(presented string) bool {
	if !a.Enabled() || presented == "" {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	return hmac.Equal(sum[:], a.digest)
}

// Middleware rejects requests without the admin token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeError(w, "admin routes are disabled", http.StatusForbidden)
			return
		}
		if !a.Valid(presentedToken(r)) {
			observability.RecordConnectionRejected("admin_auth")
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(AdminHeader)
}
