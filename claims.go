package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind separates access tokens from refresh tokens. A token of one kind
// never validates as the other.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenClaims is the payload of both token kinds. Refresh tokens carry only
// the subject and the token id.
type TokenClaims struct {
	jwt.RegisteredClaims
	UID   string    `json:"uid,omitempty"`
	Email string    `json:"email,omitempty"`
	Role  UserRole  `json:"role,omitempty"`
	Kind  TokenKind `json:"kind"`
}

// UserID returns the subject as a UUID.
func (c *TokenClaims) UserID() (uuid.UUID, error) {
	if c.UID != "" {
		return uuid.Parse(c.UID)
	}
	return uuid.Parse(c.Subject)
}

// TokenID returns the jti as a UUID.
func (c *TokenClaims) TokenID() (uuid.UUID, error) {
	return uuid.Parse(c.ID)
}

// Expires returns the expiration time, zero when unset.
func (c *TokenClaims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
