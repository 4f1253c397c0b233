package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the user model
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,type:varchar(36)" json:"id"`
	Username      string     `bun:"username,notnull,unique" json:"username"`
	Email         string     `bun:"email,notnull,unique" json:"email"`
	PasswordHash  string     `bun:"password_hash,notnull" json:"-"`
	Role          UserRole   `bun:"role,notnull" json:"role"`
	IsActive      bool       `bun:"is_active,notnull" json:"is_active"`
	LoginAttempts int        `bun:"login_attempts,notnull" json:"-"`
	LockUntil     *time.Time `bun:"lock_until,nullzero" json:"-"`
	LoginVersion  int64      `bun:"login_version,notnull" json:"-"`
	LastLogin     *time.Time `bun:"last_login,nullzero" json:"last_login,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// LoginState is the brute force bookkeeping of a user. Version is bumped on
// every write and used for compare and set.
type LoginState struct {
	Attempts  int
	LockUntil *time.Time
	Version   int64
}

// LoginState returns the current bookkeeping snapshot.
func (u *User) LoginState() LoginState {
	return LoginState{
		Attempts:  u.LoginAttempts,
		LockUntil: u.LockUntil,
		Version:   u.LoginVersion,
	}
}

// IsLocked reports whether the lock is still in force at now.
func (s LoginState) IsLocked(now time.Time) bool {
	return s.LockUntil != nil && now.Before(*s.LockUntil)
}

// Identity is the resolved caller of a request.
type Identity struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     UserRole  `json:"role"`
	IsActive bool      `json:"is_active"`
}

// IsZero reports whether no identity was resolved.
func (i Identity) IsZero() bool {
	return i.ID == uuid.Nil
}

// IdentityFromUser projects a user onto its request identity.
func IdentityFromUser(u *User) Identity {
	if u == nil {
		return Identity{}
	}
	return Identity{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
		IsActive: u.IsActive,
	}
}

// RefreshTokenRecord tracks one issued refresh token. Only a hash of the
// token value is stored.
type RefreshTokenRecord struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`
	TokenID       uuid.UUID  `bun:"token_id,pk,type:varchar(36)" json:"token_id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:varchar(36)" json:"user_id"`
	TokenHash     string     `bun:"token_hash,notnull" json:"-"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	Revoked       bool       `bun:"revoked,notnull" json:"revoked"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// IsExpired reports whether the record is past its expiry at now.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Credentials is a login request.
type Credentials struct {
	// Identifier is a username or an email address.
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// TokenPair is an access token plus the refresh token that can renew it.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

// AuthResult is returned on a successful login.
type AuthResult struct {
	Identity Identity   `json:"user"`
	Tokens   *TokenPair `json:"tokens"`
}
