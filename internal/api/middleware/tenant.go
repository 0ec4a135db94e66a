package middleware

import (
	"context"
	"net/http"
	"strings"

	pkgmw "github.com/sibylhq/sibyl/pkg/middleware"
)

type contextKey string

const (
	// TenantIDKey is the context key for the resolved tenant ID.
	TenantIDKey contextKey = "tenant_id"
)

// TenantExtractor resolves the tenant for a request. It checks the
// X-Sibyl-Tenant header, then the tenant query parameter, and falls back
// to "default"; a bearer token is never parsed for a tenant claim.
// Tenant resolution is deliberately separate from authentication: this
// middleware trusts whatever a caller claims, it doesn't verify it.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := ""

		if h := r.Header.Get("X-Sibyl-Tenant"); h != "" {
			tenant = strings.TrimSpace(h)
		}

		if tenant == "" {
			if q := r.URL.Query().Get("tenant"); q != "" {
				tenant = strings.TrimSpace(q)
			}
		}

		// A bearer token, if present, is stripped of its prefix and then
		// ignored: no "tenant" claim is read from it and it is not
		// validated.
		if tenant == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				_ = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if tenant == "" {
			tenant = "default"
		}

		ctx := pkgmw.SetTenant(r.Context(), tenant)
		ctx = context.WithValue(ctx, TenantIDKey, tenant)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenant retrieves the tenant ID from the request context via the
// shared pkg/middleware context key.
func GetTenant(ctx context.Context) string {
	return pkgmw.GetTenant(ctx)
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return "default"
}
