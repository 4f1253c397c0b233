package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"

	"github.com/goliatone/go-retail-auth/middleware/jwtware"
)

// ErrorResponse is the JSON body of every failed auth request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	unauthenticatedBody = ErrorBody{Code: TextCodeUnauthenticated, Message: ErrUnauthenticated.Message}
	internalBody        = ErrorBody{Code: "INTERNAL", Message: "internal server error"}
)

// StatusForError maps the error taxonomy onto HTTP status codes. Errors
// from outside the taxonomy keep their own code when it is a client or
// server error status.
func StatusForError(err error) int {
	var richErr *goerrors.Error
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, jwtware.ErrJWTMissingOrMalformed),
		IsUnauthenticated(err),
		IsInvalidCredentials(err),
		IsAccountLocked(err),
		IsTokenExpiredError(err),
		IsTokenInvalidError(err):
		return http.StatusUnauthorized
	case IsForbidden(err), IsAccountDeactivated(err):
		return http.StatusForbidden
	case IsValidationError(err):
		return http.StatusBadRequest
	case IsUserNotFound(err):
		return http.StatusNotFound
	case IsLastAdmin(err), IsUserExists(err):
		return http.StatusConflict
	case IsStorageUnavailable(err):
		return http.StatusServiceUnavailable
	case goerrors.As(err, &richErr) && richErr.Code >= 400 && richErr.Code < 600:
		return richErr.Code
	default:
		return http.StatusInternalServerError
	}
}

// responseBody keeps every token failure indistinguishable to the client.
func responseBody(err error) ErrorBody {
	var richErr *goerrors.Error
	switch {
	case errors.Is(err, jwtware.ErrJWTMissingOrMalformed),
		IsUnauthenticated(err),
		IsTokenExpiredError(err),
		IsTokenInvalidError(err):
		return unauthenticatedBody
	case IsInvalidCredentials(err):
		return ErrorBody{Code: TextCodeInvalidCredentials, Message: ErrInvalidCredentials.Message}
	case IsAccountLocked(err):
		return ErrorBody{Code: TextCodeAccountLocked, Message: ErrAccountLocked.Message}
	case IsStorageUnavailable(err):
		return ErrorBody{Code: TextCodeStorageUnavailable, Message: "service temporarily unavailable"}
	case goerrors.As(err, &richErr) && richErr.Category != goerrors.CategoryInternal:
		return ErrorBody{Code: richErr.TextCode, Message: richErr.Message}
	default:
		return internalBody
	}
}

// NewHTTPErrorHandler renders auth errors as JSON. Lockouts carry a
// Retry-After header with the remaining seconds.
func NewHTTPErrorHandler(logger Logger) router.ErrorHandler {
	if logger == nil {
		logger = defaultLogger()
	}

	return func(c router.Context, err error) error {
		status := StatusForError(err)

		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			logger.Debug("auth request failed",
				"status", status,
				"code", richErr.TextCode,
				"error", richErr.Error(),
				"metadata", print.MaybePrettyJSON(richErr.Metadata),
			)
		} else {
			logger.Debug("auth request failed", "status", status, "error", err)
		}

		if status >= http.StatusInternalServerError {
			logger.Error("auth request error", "status", status, "error", err)
		}

		if retryAfter, ok := RetryAfter(err); ok {
			c.SetHeader("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		}

		return c.JSON(status, ErrorResponse{Error: responseBody(err)})
	}
}

// ProtectedRoute returns the authentication gate as router middleware. The
// gate reads the token using the lookup configured on the Auther. The
// resolved Identity is stored in locals under the configured context key and
// in the request context.
func ProtectedRoute(auther *Auther, cfg Config, errorHandler router.ErrorHandler) router.MiddlewareFunc {
	if errorHandler == nil {
		errorHandler = NewHTTPErrorHandler(auther.LoggerProvider().GetLogger("auth.http"))
	}

	contextKey := cfg.GetContextKey()
	if contextKey == "" {
		contextKey = DefaultContextKey
	}

	return jwtware.New(jwtware.Config[Identity]{
		ErrorHandler: errorHandler,
		ContextKey:   contextKey,
		RequestResolver: func(ctx context.Context, src jwtware.CredentialSource) (Identity, error) {
			return auther.AuthenticateRequest(ctx, src)
		},
		ContextEnricher: WithIdentity,
	})
}
