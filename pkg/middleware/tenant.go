// Package middleware provides shared context helpers used by the HTTP
// layer's tenant-resolution chain.
package middleware

import "context"

type contextKey string

const tenantKey contextKey = "tenant"

// GetTenant extracts the tenant ID from the context.
// Returns "default" if no tenant is set.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// SetTenant stores the tenant ID in the context.
func SetTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}
