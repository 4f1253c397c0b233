package auth

import (
	"slices"

	"github.com/google/uuid"
)

// AuthorizationPolicy answers permission and ownership questions for a
// resolved identity. It holds no mutable state.
type AuthorizationPolicy struct {
	grants map[UserRole]map[Permission]struct{}
}

// NewAuthorizationPolicy validates matrix and freezes it. A matrix missing a
// role fails here instead of at request time.
func NewAuthorizationPolicy(matrix PermissionMatrix) (*AuthorizationPolicy, error) {
	if err := matrix.Validate(); err != nil {
		return nil, err
	}

	grants := make(map[UserRole]map[Permission]struct{}, len(matrix))
	for role, perms := range matrix {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		grants[role] = set
	}
	return &AuthorizationPolicy{grants: grants}, nil
}

// MustAuthorizationPolicy panics when the matrix is invalid.
func MustAuthorizationPolicy(matrix PermissionMatrix) *AuthorizationPolicy {
	p, err := NewAuthorizationPolicy(matrix)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultAuthorizationPolicy uses the built in retail matrix.
func DefaultAuthorizationPolicy() *AuthorizationPolicy {
	return MustAuthorizationPolicy(DefaultPermissionMatrix())
}

func (p *AuthorizationPolicy) HasPermission(identity Identity, permission Permission) bool {
	_, ok := p.grants[identity.Role][permission]
	return ok
}

func (p *AuthorizationPolicy) IsAdmin(identity Identity) bool {
	return identity.Role == RoleAdmin
}

func (p *AuthorizationPolicy) IsOwnerOrAdmin(identity Identity, ownerID uuid.UUID) bool {
	return p.IsAdmin(identity) || (identity.ID != uuid.Nil && identity.ID == ownerID)
}

// Permissions lists what role grants, sorted.
func (p *AuthorizationPolicy) Permissions(role UserRole) []Permission {
	out := make([]Permission, 0, len(p.grants[role]))
	for perm := range p.grants[role] {
		out = append(out, perm)
	}
	slices.Sort(out)
	return out
}

func (p *AuthorizationPolicy) RequirePermission(identity Identity, permission Permission) error {
	if identity.IsZero() {
		return ErrUnauthenticated
	}
	if !p.HasPermission(identity, permission) {
		return withSource(ErrForbidden, nil, map[string]any{"permission": string(permission)})
	}
	return nil
}

func (p *AuthorizationPolicy) RequireAdmin(identity Identity) error {
	if identity.IsZero() {
		return ErrUnauthenticated
	}
	if !p.IsAdmin(identity) {
		return ErrForbidden
	}
	return nil
}

func (p *AuthorizationPolicy) RequireOwnerOrAdmin(identity Identity, ownerID uuid.UUID) error {
	if identity.IsZero() {
		return ErrUnauthenticated
	}
	if !p.IsOwnerOrAdmin(identity, ownerID) {
		return ErrForbidden
	}
	return nil
}
