package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agendaly/agendaly/libs/auth"
)

var errNoTenant = errors.New("request carries no tenant")

// TenantResolver extracts the tenant scope from the request. With a JWT
// secret configured the bearer token's tenant claim is authoritative;
// without one (local development) the X-Tenant-Id header is accepted.
type TenantResolver struct {
	jwtSecret string
}

func NewTenantResolver(jwtSecret string) *TenantResolver {
	return &TenantResolver{jwtSecret: jwtSecret}
}

func (t *TenantResolver) Resolve(r *http.Request) (string, error) {
	if t.jwtSecret != "" {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok {
			return "", errNoTenant
		}
		claims, err := auth.ParseAndVerifyHS256(strings.TrimSpace(token), t.jwtSecret)
		if err != nil {
			return "", err
		}
		if claims.TenantID == "" {
			return "", errNoTenant
		}
		return claims.TenantID, nil
	}

	if tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id")); tenant != "" {
		return tenant, nil
	}
	return "", errNoTenant
}

// tenantOr401 writes the error response itself on failure.
func (t *TenantResolver) tenantOr401(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant, err := t.Resolve(r)
	if err != nil {
		http.Error(w, "missing or invalid tenant credentials", http.StatusUnauthorized)
		return "", false
	}
	return tenant, true
}
