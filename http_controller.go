package auth

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

const DefaultRefreshCookieName = "refresh_token"

// RegisterAuthRoutes mounts the JSON auth endpoints on app.
func RegisterAuthRoutes[T any](app router.Router[T], opts ...AuthControllerOption) *AuthController {
	controller := NewAuthController(opts...)
	protected := controller.Protected

	var limited []router.MiddlewareFunc
	if controller.Limiter != nil {
		limited = append(limited, controller.Limiter)
	}

	app.Post(controller.Routes.Login, controller.Login, limited...).
		SetName("auth.login")

	app.Post(controller.Routes.Refresh, controller.Refresh, limited...).
		SetName("auth.refresh")

	app.Post(controller.Routes.Logout, controller.Logout, protected).
		SetName("auth.logout")

	app.Post(controller.Routes.LogoutAll, controller.LogoutAll, protected).
		SetName("auth.logout-all")

	app.Get(controller.Routes.Me, controller.Me, protected).
		SetName("auth.me")

	return controller
}

type AuthControllerRoutes struct {
	Login     string
	Refresh   string
	Logout    string
	LogoutAll string
	Me        string
}

type AuthController struct {
	Debug             bool
	Logger            Logger
	Routes            *AuthControllerRoutes
	Auther            *Auther
	Config            Config
	ErrorHandler      router.ErrorHandler
	Protected         router.MiddlewareFunc
	Limiter           router.MiddlewareFunc
	RefreshCookieName string
	CookieSecure      bool
	clock             Clock
}

type AuthControllerOption func(*AuthController) *AuthController

func WithControllerAuther(a *Auther) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Auther = a
		return c
	}
}

func WithControllerConfig(cfg Config) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Config = cfg
		return c
	}
}

func WithControllerLogger(l Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if l != nil {
			c.Logger = l
		}
		return c
	}
}

func WithControllerErrorHandler(h router.ErrorHandler) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if h != nil {
			c.ErrorHandler = h
		}
		return c
	}
}

func WithControllerRateLimiter(mw router.MiddlewareFunc) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Limiter = mw
		return c
	}
}

func WithControllerRoutes(routes *AuthControllerRoutes) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if routes != nil {
			c.Routes = routes
		}
		return c
	}
}

func WithControllerClock(clock Clock) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.clock = normalizeClock(clock)
		return c
	}
}

func WithControllerDebug(debug bool) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Debug = debug
		return c
	}
}

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Routes: &AuthControllerRoutes{
			Login:     "/auth/login",
			Refresh:   "/auth/refresh",
			Logout:    "/auth/logout",
			LogoutAll: "/auth/logout-all",
			Me:        "/auth/me",
		},
		RefreshCookieName: DefaultRefreshCookieName,
		CookieSecure:      true,
		clock:             systemClock,
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Auther == nil {
		panic("Missing Auther in auth controller...")
	}

	if c.Config == nil {
		panic("Missing Config in auth controller...")
	}

	if c.Logger == nil {
		c.Logger = c.Auther.LoggerProvider().GetLogger("auth.http")
	}

	if c.ErrorHandler == nil {
		c.ErrorHandler = NewHTTPErrorHandler(c.Logger)
	}

	if name := c.Config.GetRefreshCookieName(); name != "" {
		c.RefreshCookieName = name
	}
	c.CookieSecure = c.Config.GetCookieSecure()

	if c.Protected == nil {
		c.Protected = ProtectedRoute(c.Auther, c.Config, c.ErrorHandler)
	}

	return c
}

// LoginRequest payload
type LoginRequest struct {
	Identifier string `form:"identifier" json:"identifier"`
	Password   string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Identifier,
			validation.Required,
			validation.Length(1, 254),
		),
		validation.Field(
			&r.Password,
			validation.Required,
			validation.Length(1, 72),
		),
	)
}

// RefreshRequest carries the refresh token when it is not sent as a cookie.
type RefreshRequest struct {
	RefreshToken string `form:"refresh_token" json:"refresh_token"`
}

func (a *AuthController) Login(ctx router.Context) error {
	payload := new(LoginRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, invalidPayload(err))
	}

	if err := goerrors.ValidateWithOzzo(payload.Validate, "invalid login payload"); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if a.Debug {
		a.Logger.Debug("login request", "identifier", payload.Identifier)
	}

	result, err := a.Auther.Authenticate(ctx.Context(), Credentials{
		Identifier: payload.Identifier,
		Password:   payload.Password,
	})
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	a.setRefreshCookie(ctx, result.Tokens)

	return ctx.JSON(router.StatusOK, result)
}

func (a *AuthController) Refresh(ctx router.Context) error {
	token := a.refreshTokenFromRequest(ctx)
	if token == "" {
		return a.ErrorHandler(ctx, ErrUnauthenticated)
	}

	pair, err := a.Auther.Refresh(ctx.Context(), token)
	if err != nil {
		if IsTokenInvalidError(err) || IsTokenExpiredError(err) || IsAccountDeactivated(err) {
			a.clearRefreshCookie(ctx)
		}
		return a.ErrorHandler(ctx, err)
	}

	a.setRefreshCookie(ctx, pair)

	return ctx.JSON(router.StatusOK, pair)
}

func (a *AuthController) Logout(ctx router.Context) error {
	identity, ok := GetRouterIdentity(ctx, a.Config.GetContextKey())
	if !ok {
		return a.ErrorHandler(ctx, ErrUnauthenticated)
	}

	token := a.refreshTokenFromRequest(ctx)
	if token != "" {
		if err := a.Auther.Logout(ctx.Context(), identity.ID, token); err != nil {
			return a.ErrorHandler(ctx, err)
		}
	}

	a.clearRefreshCookie(ctx)

	return ctx.JSON(router.StatusOK, map[string]string{"status": "logged_out"})
}

func (a *AuthController) LogoutAll(ctx router.Context) error {
	identity, ok := GetRouterIdentity(ctx, a.Config.GetContextKey())
	if !ok {
		return a.ErrorHandler(ctx, ErrUnauthenticated)
	}

	if err := a.Auther.LogoutEverywhere(ctx.Context(), identity.ID); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	a.clearRefreshCookie(ctx)

	return ctx.JSON(router.StatusOK, map[string]string{"status": "logged_out"})
}

// MeResponse describes the caller and what it may do.
type MeResponse struct {
	User        Identity     `json:"user"`
	Permissions []Permission `json:"permissions"`
}

func (a *AuthController) Me(ctx router.Context) error {
	identity, ok := GetRouterIdentity(ctx, a.Config.GetContextKey())
	if !ok {
		return a.ErrorHandler(ctx, ErrUnauthenticated)
	}

	res := MeResponse{
		User:        identity,
		Permissions: a.Auther.Policy().Permissions(identity.Role),
	}

	if a.Debug {
		a.Logger.Debug("me response", "payload", print.MaybePrettyJSON(res))
	}

	return ctx.JSON(router.StatusOK, res)
}

func (a *AuthController) refreshTokenFromRequest(ctx router.Context) string {
	if token := strings.TrimSpace(ctx.Cookies(a.RefreshCookieName)); token != "" {
		return token
	}

	payload := new(RefreshRequest)
	if err := ctx.Bind(payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.RefreshToken)
}

func (a *AuthController) setRefreshCookie(c router.Context, pair *TokenPair) {
	if pair == nil {
		return
	}
	c.Cookie(&router.Cookie{
		Name:     a.RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Expires:  pair.RefreshExpiresAt,
		HTTPOnly: true,
		Secure:   a.CookieSecure,
		SameSite: "Strict",
	})
}

func (a *AuthController) clearRefreshCookie(c router.Context) {
	c.Cookie(&router.Cookie{
		Name:     a.RefreshCookieName,
		Value:    "",
		Path:     "/auth",
		Expires:  a.clock().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   a.CookieSecure,
		SameSite: "Strict",
	})
}

func invalidPayload(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "unable to parse request payload").
		WithTextCode(TextCodeInvalidPayload).
		WithCode(goerrors.CodeBadRequest)
}
