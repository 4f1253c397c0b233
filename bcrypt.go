package auth

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"
)

// PasswordVerifier hashes credentials and checks plaintext against a hash.
// Verify returns (false, nil) on a mismatch and an error only when the
// comparison itself could not run.
type PasswordVerifier interface {
	Hash(password string) (string, error)
	Verify(password, hash string) (bool, error)
}

// DefaultBcryptCost is the work factor used for stored password hashes.
const DefaultBcryptCost = 12

// BcryptVerifier is the PasswordVerifier backed by bcrypt. The salt is
// embedded in the hash output.
type BcryptVerifier struct {
	cost int
}

type BcryptOption func(*BcryptVerifier)

// WithBcryptCost overrides the work factor. Values outside bcrypt's range
// fall back to the package default.
func WithBcryptCost(cost int) BcryptOption {
	return func(v *BcryptVerifier) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			v.cost = cost
		}
	}
}

func NewBcryptVerifier(opts ...BcryptOption) *BcryptVerifier {
	v := &BcryptVerifier{cost: DefaultBcryptCost}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Hash will generate a password hash
func (v *BcryptVerifier) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}
	return string(h), nil
}

// Verify will validate the given cleartext password matches the hashed password
func (v *BcryptVerifier) Verify(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to compare password hash")
}

// HashPassword hashes with the default verifier.
func HashPassword(password string) (string, error) {
	return NewBcryptVerifier().Hash(password)
}
