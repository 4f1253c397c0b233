package auth_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goliatone/go-router"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-retail-auth"
)

func newTestController(t *testing.T, env *testEnv) *auth.AuthController {
	t.Helper()
	return auth.NewAuthController(
		auth.WithControllerAuther(env.auther),
		auth.WithControllerConfig(newMockConfig()),
		auth.WithControllerLogger(nopLogger{}),
		auth.WithControllerClock(env.clock.Now),
	)
}

func newRequestContext() *router.MockContext {
	ctx := router.NewMockContext()
	ctx.On("Context").Return(context.Background()).Maybe()
	return ctx
}

// expectJSON captures the body of the single JSON response sent with status.
func expectJSON[T any](ctx *router.MockContext, status int) *T {
	out := new(T)
	ctx.On("JSON", status, mock.Anything).Run(func(args mock.Arguments) {
		*out = args.Get(1).(T)
	}).Return(nil).Once()
	return out
}

func bindPayload[T any](ctx *router.MockContext, payload T) {
	ctx.On("Bind", mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(0).(*T) = payload
	}).Return(nil)
}

func refreshCookie(value string) any {
	return mock.MatchedBy(func(c *router.Cookie) bool {
		return c.Name == auth.DefaultRefreshCookieName && c.Value == value && c.HTTPOnly && c.Secure
	})
}

func TestAuthController_Login(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)

	ctx := newRequestContext()
	bindPayload(ctx, auth.LoginRequest{Identifier: "cashier", Password: testPassword})
	ctx.On("Cookie", mock.AnythingOfType("*router.Cookie")).Return()
	result := expectJSON[*auth.AuthResult](ctx, http.StatusOK)

	require.NoError(t, ctrl.Login(ctx))
	require.NotNil(t, *result)
	assert.Equal(t, user.ID, (*result).Identity.ID)

	ctx.AssertCalled(t, "Cookie", refreshCookie((*result).Tokens.RefreshToken))
	ctx.AssertExpectations(t)
}

func TestAuthController_LoginInvalidCredentials(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)

	ctx := newRequestContext()
	bindPayload(ctx, auth.LoginRequest{Identifier: "cashier", Password: "wrong"})
	body := expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

	require.NoError(t, ctrl.Login(ctx))
	assert.Equal(t, auth.TextCodeInvalidCredentials, body.Error.Code)
	ctx.AssertNotCalled(t, "Cookie", mock.Anything)
	ctx.AssertNotCalled(t, "SetHeader", mock.Anything, mock.Anything)
}

func TestAuthController_LoginLockedSetsRetryAfter(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)

	for i := 0; i < auth.MaxLoginAttempts; i++ {
		failLogin(t, env, "cashier")
	}

	ctx := newRequestContext()
	bindPayload(ctx, auth.LoginRequest{Identifier: "cashier", Password: testPassword})
	ctx.On("SetHeader", "Retry-After", "300").Return(ctx).Once()
	body := expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

	require.NoError(t, ctrl.Login(ctx))
	assert.Equal(t, auth.TextCodeAccountLocked, body.Error.Code)
	ctx.AssertExpectations(t)
}

func TestAuthController_LoginBadPayload(t *testing.T) {
	env := newTestEnv(t, newMemoryStore())
	ctrl := newTestController(t, env)

	t.Run("unparsable body", func(t *testing.T) {
		ctx := newRequestContext()
		ctx.On("Bind", mock.Anything).Return(errors.New("unexpected EOF"))
		body := expectJSON[auth.ErrorResponse](ctx, http.StatusBadRequest)

		require.NoError(t, ctrl.Login(ctx))
		assert.Equal(t, auth.TextCodeInvalidPayload, body.Error.Code)
	})

	t.Run("missing identifier", func(t *testing.T) {
		ctx := newRequestContext()
		bindPayload(ctx, auth.LoginRequest{Password: testPassword})
		expectJSON[auth.ErrorResponse](ctx, http.StatusBadRequest)

		require.NoError(t, ctrl.Login(ctx))
		ctx.AssertExpectations(t)
	})
}

func TestAuthController_RefreshFromCookie(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)
	session := env.login(t, "cashier")

	ctx := newRequestContext()
	ctx.CookiesM[auth.DefaultRefreshCookieName] = session.Tokens.RefreshToken
	ctx.On("Cookie", mock.AnythingOfType("*router.Cookie")).Return()
	pair := expectJSON[*auth.TokenPair](ctx, http.StatusOK)

	require.NoError(t, ctrl.Refresh(ctx))
	require.NotNil(t, *pair)
	assert.NotEqual(t, session.Tokens.RefreshToken, (*pair).RefreshToken)
	ctx.AssertCalled(t, "Cookie", refreshCookie((*pair).RefreshToken))
}

func TestAuthController_RefreshFromBody(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)
	session := env.login(t, "cashier")

	ctx := newRequestContext()
	bindPayload(ctx, auth.RefreshRequest{RefreshToken: session.Tokens.RefreshToken})
	ctx.On("Cookie", mock.AnythingOfType("*router.Cookie")).Return()
	expectJSON[*auth.TokenPair](ctx, http.StatusOK)

	require.NoError(t, ctrl.Refresh(ctx))
	ctx.AssertExpectations(t)
}

func TestAuthController_RefreshReplayClearsCookie(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)
	session := env.login(t, "cashier")

	_, err := env.auther.Refresh(context.Background(), session.Tokens.RefreshToken)
	require.NoError(t, err)

	ctx := newRequestContext()
	ctx.CookiesM[auth.DefaultRefreshCookieName] = session.Tokens.RefreshToken
	ctx.On("Cookie", refreshCookie("")).Return().Once()
	body := expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

	require.NoError(t, ctrl.Refresh(ctx))
	assert.Equal(t, auth.TextCodeUnauthenticated, body.Error.Code, "replays are not disclosed")
	ctx.AssertExpectations(t)
}

func TestAuthController_RefreshWithoutToken(t *testing.T) {
	env := newTestEnv(t, newMemoryStore())
	ctrl := newTestController(t, env)

	ctx := newRequestContext()
	ctx.On("Bind", mock.Anything).Return(nil)
	expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

	require.NoError(t, ctrl.Refresh(ctx))
	ctx.AssertExpectations(t)
}

func TestAuthController_Me(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)

	ctx := newRequestContext()
	ctx.LocalsMock[auth.DefaultContextKey] = auth.IdentityFromUser(user)
	res := expectJSON[auth.MeResponse](ctx, http.StatusOK)

	require.NoError(t, ctrl.Me(ctx))
	assert.Equal(t, user.ID, res.User.ID)
	assert.Equal(t, env.auther.Policy().Permissions(auth.RoleStaff), res.Permissions)
	assert.Contains(t, res.Permissions, auth.PermissionRecordSales)
	assert.NotContains(t, res.Permissions, auth.PermissionManageUsers)
}

func TestAuthController_MeReadsRequestContext(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleUser)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)

	ctx := router.NewMockContext()
	ctx.On("Context").Return(auth.WithIdentity(context.Background(), auth.IdentityFromUser(user)))
	res := expectJSON[auth.MeResponse](ctx, http.StatusOK)

	require.NoError(t, ctrl.Me(ctx))
	assert.Equal(t, user.ID, res.User.ID)
}

func TestAuthController_MeUnauthenticated(t *testing.T) {
	env := newTestEnv(t, newMemoryStore())
	ctrl := newTestController(t, env)

	ctx := newRequestContext()
	body := expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

	require.NoError(t, ctrl.Me(ctx))
	assert.Equal(t, auth.TextCodeUnauthenticated, body.Error.Code)
}

func TestAuthController_Logout(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)
	session := env.login(t, "cashier")
	env.login(t, "cashier")

	ctx := newRequestContext()
	ctx.LocalsMock[auth.DefaultContextKey] = session.Identity
	ctx.CookiesM[auth.DefaultRefreshCookieName] = session.Tokens.RefreshToken
	ctx.On("Cookie", refreshCookie("")).Return().Once()
	expectJSON[map[string]string](ctx, http.StatusOK)

	require.NoError(t, ctrl.Logout(ctx))
	assert.Equal(t, 1, env.store.activeTokens(user.ID))
	ctx.AssertExpectations(t)
}

func TestAuthController_LogoutAll(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)
	session := env.login(t, "cashier")
	env.login(t, "cashier")

	ctx := newRequestContext()
	ctx.LocalsMock[auth.DefaultContextKey] = session.Identity
	ctx.On("Cookie", refreshCookie("")).Return().Once()
	body := expectJSON[map[string]string](ctx, http.StatusOK)

	require.NoError(t, ctrl.LogoutAll(ctx))
	assert.Equal(t, "logged_out", (*body)["status"])
	assert.Zero(t, env.store.activeTokens(user.ID))
}

func TestProtectedRoute(t *testing.T) {
	user := newTestUser(t, "cashier", auth.RoleStaff)
	env := newTestEnv(t, newMemoryStore(user))
	ctrl := newTestController(t, env)
	session := env.login(t, "cashier")

	handler := ctrl.Protected(func(router.Context) error { return nil })

	t.Run("valid token", func(t *testing.T) {
		ctx := newRequestContext()
		ctx.On("GetString", "Authorization", "").Return("Bearer " + session.Tokens.AccessToken)
		ctx.On("Locals", auth.DefaultContextKey, mock.AnythingOfType("auth.Identity")).Return(nil)
		ctx.On("SetContext", mock.Anything).Return().Maybe()

		require.NoError(t, handler(ctx))
		assert.True(t, ctx.NextCalled)
		ctx.AssertExpectations(t)
	})

	t.Run("cookie fallback", func(t *testing.T) {
		ctx := newRequestContext()
		ctx.On("GetString", "Authorization", "").Return("")
		ctx.CookiesM["access_token"] = session.Tokens.AccessToken
		ctx.On("Locals", auth.DefaultContextKey, mock.AnythingOfType("auth.Identity")).Return(nil)
		ctx.On("SetContext", mock.Anything).Return().Maybe()

		require.NoError(t, handler(ctx))
		assert.True(t, ctx.NextCalled)
	})

	t.Run("missing token", func(t *testing.T) {
		ctx := newRequestContext()
		ctx.On("GetString", "Authorization", "").Return("")
		body := expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

		require.NoError(t, handler(ctx))
		assert.False(t, ctx.NextCalled)
		assert.Equal(t, auth.TextCodeUnauthenticated, body.Error.Code)
	})

	t.Run("deactivated account", func(t *testing.T) {
		require.NoError(t, env.store.SetUserActive(context.Background(), user.ID, false))
		t.Cleanup(func() {
			_ = env.store.SetUserActive(context.Background(), user.ID, true)
		})

		ctx := newRequestContext()
		ctx.On("GetString", "Authorization", "").Return("Bearer " + session.Tokens.AccessToken)
		body := expectJSON[auth.ErrorResponse](ctx, http.StatusForbidden)

		require.NoError(t, handler(ctx))
		assert.False(t, ctx.NextCalled)
		assert.Equal(t, auth.TextCodeAccountDeactivated, body.Error.Code)
	})
}

func TestProtectedRoute_ConfiguredLookup(t *testing.T) {
	user := newTestUser(t, "stock", auth.RoleStaff)
	store := newMemoryStore(user)
	cfg := newMockConfig(func(m *MockConfig) {
		m.On("GetTokenLookup").Return("cookie:pos_session")
	})

	auther, err := auth.NewAuthenticator(store, store, cfg,
		auth.WithPasswordVerifier(testVerifier),
		auth.WithLogger(nopLogger{}),
	)
	require.NoError(t, err)

	session, err := auther.Authenticate(context.Background(), auth.Credentials{Identifier: "stock", Password: testPassword})
	require.NoError(t, err)

	ctrl := auth.NewAuthController(
		auth.WithControllerAuther(auther),
		auth.WithControllerConfig(cfg),
		auth.WithControllerLogger(nopLogger{}),
	)
	handler := ctrl.Protected(func(router.Context) error { return nil })

	t.Run("configured cookie", func(t *testing.T) {
		ctx := newRequestContext()
		ctx.CookiesM["pos_session"] = session.Tokens.AccessToken
		ctx.On("Locals", auth.DefaultContextKey, mock.AnythingOfType("auth.Identity")).Return(nil)
		ctx.On("SetContext", mock.Anything).Return().Maybe()

		require.NoError(t, handler(ctx))
		assert.True(t, ctx.NextCalled)
		ctx.AssertNotCalled(t, "GetString", "Authorization", "")
	})

	t.Run("header is not consulted", func(t *testing.T) {
		ctx := newRequestContext()
		ctx.On("GetString", "Authorization", "").Return("Bearer " + session.Tokens.AccessToken).Maybe()
		body := expectJSON[auth.ErrorResponse](ctx, http.StatusUnauthorized)

		require.NoError(t, handler(ctx))
		assert.False(t, ctx.NextCalled)
		assert.Equal(t, auth.TextCodeUnauthenticated, body.Error.Code)
	})
}

func TestRequirePermission(t *testing.T) {
	env := newTestEnv(t, newMemoryStore())
	errorHandler := auth.NewHTTPErrorHandler(nopLogger{})
	guard := auth.RequirePermission(env.auther.Policy(), auth.DefaultContextKey, auth.PermissionManageUsers, errorHandler)
	handler := guard(func(router.Context) error { return nil })

	tests := []struct {
		name     string
		identity *auth.Identity
		status   int
	}{
		{name: "admin", identity: &auth.Identity{ID: uuid.New(), Role: auth.RoleAdmin}, status: http.StatusOK},
		{name: "staff", identity: &auth.Identity{ID: uuid.New(), Role: auth.RoleStaff}, status: http.StatusForbidden},
		{name: "anonymous", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newRequestContext()
			if tt.identity != nil {
				ctx.LocalsMock[auth.DefaultContextKey] = *tt.identity
			}
			if tt.status != http.StatusOK {
				expectJSON[auth.ErrorResponse](ctx, tt.status)
			}

			require.NoError(t, handler(ctx))
			assert.Equal(t, tt.status == http.StatusOK, ctx.NextCalled)
			ctx.AssertExpectations(t)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	env := newTestEnv(t, newMemoryStore())
	handler := auth.RequireAdmin(env.auther.Policy(), "", nil)(func(router.Context) error { return nil })

	ctx := newRequestContext()
	ctx.LocalsMock[auth.DefaultContextKey] = auth.Identity{ID: uuid.New(), Role: auth.RoleAdmin}

	require.NoError(t, handler(ctx))
	assert.True(t, ctx.NextCalled)
}
