package auth

import (
	"errors"
	"math"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	TextCodeAccountLocked        = "ACCOUNT_LOCKED"
	TextCodeAccountDeactivated   = "ACCOUNT_DEACTIVATED"
	TextCodeTokenExpired         = "TOKEN_EXPIRED"
	TextCodeTokenInvalid         = "TOKEN_INVALID"
	TextCodeUserNotFound         = "USER_NOT_FOUND"
	TextCodeRefreshTokenNotFound = "REFRESH_TOKEN_NOT_FOUND"
	TextCodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	TextCodeUnauthenticated      = "UNAUTHENTICATED"
	TextCodeForbidden            = "FORBIDDEN"
	TextCodeEmptyPassword        = "EMPTY_PASSWORD"
	TextCodeLastAdmin            = "LAST_ADMIN"
	TextCodeInvalidPayload       = "INVALID_PAYLOAD"
	TextCodeUserExists           = "USER_EXISTS"
)

// metadata key carrying the remaining lock duration in whole seconds
const retryAfterKey = "retry_after_seconds"

var (
	// ErrInvalidCredentials is the only signal a caller gets for a failed
	// login, whatever the reason.
	ErrInvalidCredentials = goerrors.New("the credentials provided are invalid", goerrors.CategoryAuth).
				WithTextCode(TextCodeInvalidCredentials).
				WithCode(goerrors.CodeUnauthorized)

	ErrAccountLocked = goerrors.New("too many failed login attempts, try again later", goerrors.CategoryRateLimit).
				WithTextCode(TextCodeAccountLocked).
				WithCode(goerrors.CodeUnauthorized)

	ErrAccountDeactivated = goerrors.New("account is deactivated", goerrors.CategoryAuthz).
				WithTextCode(TextCodeAccountDeactivated).
				WithCode(goerrors.CodeForbidden)

	ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
			WithTextCode(TextCodeTokenExpired).
			WithCode(goerrors.CodeUnauthorized)

	ErrTokenInvalid = goerrors.New("token is invalid", goerrors.CategoryAuth).
			WithTextCode(TextCodeTokenInvalid).
			WithCode(goerrors.CodeUnauthorized)

	// ErrUserNotFound never leaves the package boundary as is; it is folded
	// into ErrInvalidCredentials or ErrUnauthenticated.
	ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
			WithTextCode(TextCodeUserNotFound).
			WithCode(goerrors.CodeNotFound)

	ErrRefreshTokenNotFound = goerrors.New("refresh token not found", goerrors.CategoryNotFound).
				WithTextCode(TextCodeRefreshTokenNotFound).
				WithCode(goerrors.CodeNotFound)

	ErrStorageUnavailable = goerrors.New("storage unavailable", goerrors.CategoryInternal).
				WithTextCode(TextCodeStorageUnavailable).
				WithCode(503)

	ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
				WithTextCode(TextCodeUnauthenticated).
				WithCode(goerrors.CodeUnauthorized)

	ErrForbidden = goerrors.New("insufficient permissions", goerrors.CategoryAuthz).
			WithTextCode(TextCodeForbidden).
			WithCode(goerrors.CodeForbidden)

	ErrNoEmptyString = goerrors.New("password can not be empty", goerrors.CategoryValidation).
				WithTextCode(TextCodeEmptyPassword).
				WithCode(goerrors.CodeBadRequest)

	ErrUserExists = goerrors.New("a user with that username or email already exists", goerrors.CategoryConflict).
			WithTextCode(TextCodeUserExists).
			WithCode(goerrors.CodeConflict)

	ErrLastAdmin = goerrors.New("operation would leave no active administrator", goerrors.CategoryConflict).
			WithTextCode(TextCodeLastAdmin).
			WithCode(goerrors.CodeConflict)
)

// NewAccountLockedError returns a copy of ErrAccountLocked carrying the
// remaining lock time. errors.Is(err, ErrAccountLocked) holds for the copy.
func NewAccountLockedError(retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	clone := ErrAccountLocked.Clone()
	clone.Source = ErrAccountLocked
	clone.Metadata = map[string]any{
		retryAfterKey: int(math.Ceil(retryAfter.Seconds())),
	}
	return clone
}

// RetryAfter extracts the wait carried by lockout and rate limit errors.
func RetryAfter(err error) (time.Duration, bool) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return 0, false
	}
	secs, ok := richErr.Metadata[retryAfterKey].(int)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// wrapStorage tags an infrastructure failure so callers can apply their own
// retry policy. The cause stays reachable through errors.Is.
func wrapStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	if IsStorageUnavailable(err) {
		return err
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode(TextCodeStorageUnavailable).
		WithCode(503)
}

// withSource returns a copy of sentinel that wraps cause for diagnostics
// while still matching the sentinel.
func withSource(sentinel *goerrors.Error, cause error, metadata map[string]any) error {
	clone := sentinel.Clone()
	clone.Source = sentinel
	if cause != nil {
		md := map[string]any{"cause": cause.Error()}
		for k, v := range metadata {
			md[k] = v
		}
		clone.Metadata = md
	} else if len(metadata) > 0 {
		clone.Metadata = metadata
	}
	return clone
}

// Annotate returns a copy of sentinel carrying metadata that still matches
// the sentinel through errors.Is. Store implementations use it to report
// not found, conflict and last admin outcomes.
func Annotate(sentinel *goerrors.Error, metadata map[string]any) error {
	return withSource(sentinel, nil, metadata)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

func IsInvalidCredentials(err error) bool {
	return hasTextCode(err, TextCodeInvalidCredentials)
}

func IsAccountLocked(err error) bool {
	return hasTextCode(err, TextCodeAccountLocked)
}

func IsAccountDeactivated(err error) bool {
	return hasTextCode(err, TextCodeAccountDeactivated)
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	return hasTextCode(err, TextCodeTokenExpired)
}

// IsTokenInvalidError reports malformed, forged, revoked or replayed tokens.
func IsTokenInvalidError(err error) bool {
	return hasTextCode(err, TextCodeTokenInvalid)
}

func IsUserNotFound(err error) bool {
	return hasTextCode(err, TextCodeUserNotFound)
}

func IsRefreshTokenNotFound(err error) bool {
	return hasTextCode(err, TextCodeRefreshTokenNotFound)
}

func IsStorageUnavailable(err error) bool {
	return hasTextCode(err, TextCodeStorageUnavailable)
}

func IsUnauthenticated(err error) bool {
	return hasTextCode(err, TextCodeUnauthenticated)
}

func IsForbidden(err error) bool {
	return hasTextCode(err, TextCodeForbidden)
}

func IsUserExists(err error) bool {
	return hasTextCode(err, TextCodeUserExists)
}

func IsLastAdmin(err error) bool {
	return hasTextCode(err, TextCodeLastAdmin)
}

// IsValidationError reports payload and input errors.
func IsValidationError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Category == goerrors.CategoryValidation ||
		richErr.Category == goerrors.CategoryBadInput
}

// rootCause unwraps to the innermost error, used for log output only.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
