package auth

import "time"

// Principal is the identity bound to a validated, non-denylisted access token.
type Principal struct {
	UserID    string
	TokenID   string
	Scope     []string
	ExpiresAt time.Time
}

// NewPrincipal builds a principal from access-token claims.
func NewPrincipal(claims *Claims) Principal {
	p := Principal{
		UserID:  claims.Subject,
		TokenID: claims.ID,
		Scope:   NormalizeScope(claims.Scope),
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p
}

// HasPermission reports whether the principal's scope grants key.
func (p Principal) HasPermission(key string) bool {
	return Allows(p.Scope, []string{key})
}

// IsSuperAdmin reports whether the scope carries the super-admin marker.
func (p Principal) IsSuperAdmin() bool {
	for _, s := range p.Scope {
		if s == SuperAdminScope {
			return true
		}
	}
	return false
}
