package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	// SuperAdminScope grants every permission.
	SuperAdminScope = "superadmin"

	PermRoleManage = "role_manage"
	PermRoleAdmin  = "role_admin"
)

// Resolver derives a user's scope from the access strings of their roles.
type Resolver struct {
	roles func(ctx context.Context) RoleStore
}

// NewResolver returns a resolver reading roles from store.
func NewResolver(store Store) *Resolver {
	return &Resolver{roles: store.Roles}
}

// Resolve returns the sorted union of permission tokens across the user's roles.
// A user without roles has an empty scope.
func (r *Resolver) Resolve(ctx context.Context, userID string) ([]string, error) {
	roles, err := r.roles(ctx).RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}
	return ScopeFromRoles(roles), nil
}

// ScopeFromRoles splits each role's access string on commas and unions the trimmed tokens.
func ScopeFromRoles(roles []*Role) []string {
	var tokens []string
	for _, role := range roles {
		if role == nil {
			continue
		}
		tokens = append(tokens, strings.Split(role.Access, ",")...)
	}
	return NormalizeScope(tokens)
}

// NormalizeScope trims, drops empties and deduplicates, returning a sorted slice.
func NormalizeScope(scope []string) []string {
	if len(scope) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(scope))
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether scope satisfies every required permission.
// The super-admin marker satisfies any requirement.
func Allows(scope, required []string) bool {
	have := make(map[string]struct{}, len(scope))
	for _, s := range scope {
		if s == SuperAdminScope {
			return true
		}
		have[s] = struct{}{}
	}
	for _, req := range required {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		if _, ok := have[req]; !ok {
			return false
		}
	}
	return true
}
