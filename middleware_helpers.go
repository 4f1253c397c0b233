package auth

import (
	"github.com/goliatone/go-router"
)

// RequirePermission guards a route behind a permission. It must run after
// ProtectedRoute so the identity is already resolved.
func RequirePermission(policy *AuthorizationPolicy, contextKey string, permission Permission, errorHandler router.ErrorHandler) router.MiddlewareFunc {
	return guard(contextKey, errorHandler, func(identity Identity) error {
		return policy.RequirePermission(identity, permission)
	})
}

// RequireAdmin guards a route behind the admin role.
func RequireAdmin(policy *AuthorizationPolicy, contextKey string, errorHandler router.ErrorHandler) router.MiddlewareFunc {
	return guard(contextKey, errorHandler, policy.RequireAdmin)
}

func guard(contextKey string, errorHandler router.ErrorHandler, check func(Identity) error) router.MiddlewareFunc {
	if errorHandler == nil {
		errorHandler = NewHTTPErrorHandler(nil)
	}
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			identity, _ := GetRouterIdentity(c, contextKey)
			if err := check(identity); err != nil {
				return errorHandler(c, err)
			}
			return c.Next()
		}
	}
}
