package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepository is the user store the authentication flows read from and
// record login outcomes to. Missing users are reported as ErrUserNotFound,
// any other failure is treated as an infrastructure fault.
type UserRepository interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	// FindUserByCredentialKey resolves a username or an email address.
	FindUserByCredentialKey(ctx context.Context, key string) (*User, error)
	// UpdateLoginState writes next only if the stored login version still
	// equals expectedVersion, bumping the version. It reports whether the
	// write happened.
	UpdateLoginState(ctx context.Context, id uuid.UUID, expectedVersion int64, next LoginState) (bool, error)
	// RecordLoginSuccess resets attempts, clears the lock and stamps the
	// last login under the same compare and set rule.
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, expectedVersion int64, at time.Time) (bool, error)
}

// RefreshTokenRepository persists issued refresh tokens.
type RefreshTokenRepository interface {
	AppendRefreshToken(ctx context.Context, userID uuid.UUID, record *RefreshTokenRecord) error
	// FindRefreshToken returns ErrRefreshTokenNotFound when absent.
	FindRefreshToken(ctx context.Context, tokenID uuid.UUID) (*RefreshTokenRecord, error)
	// RevokeRefreshToken flips revoked only when the record belongs to
	// userID and is not already revoked. It reports whether it did.
	RevokeRefreshToken(ctx context.Context, userID, tokenID uuid.UUID) (bool, error)
	RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int, error)
	// RunInTx runs fn against a repository bound to a single transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo RefreshTokenRepository) error) error
}

// UserAdminRepository adds the writes behind the user administration
// commands. Role, activation and delete changes must refuse to remove the
// last active administrator with ErrLastAdmin.
type UserAdminRepository interface {
	UserRepository
	CreateUser(ctx context.Context, user *User) (*User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdateUserRole(ctx context.Context, id uuid.UUID, role UserRole) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
}
