package auth

import (
	"context"
	"strings"
)

const (
	DefaultTokenLookup = "header:Authorization,cookie:access_token"
	DefaultAuthScheme  = "Bearer"
)

// CredentialSource exposes the parts of an inbound request a token can be
// read from.
type CredentialSource interface {
	Header(name string) string
	Cookie(name string) string
}

type credentialLookup struct {
	source string
	name   string
}

// ParseTokenLookup parses "header:Authorization,cookie:access_token" into an
// ordered list of lookups. Unknown sources are ignored.
func ParseTokenLookup(lookup string) []credentialLookup {
	out := make([]credentialLookup, 0, 2)
	for _, part := range strings.Split(lookup, ",") {
		source, name, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		source = strings.TrimSpace(source)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch source {
		case "header", "cookie":
			out = append(out, credentialLookup{source: source, name: name})
		}
	}
	return out
}

// AuthenticationGate resolves the identity behind an access token. Every
// rejection looks the same to the caller; the reason is only logged.
type AuthenticationGate struct {
	issuer  *TokenIssuer
	users   UserRepository
	lookups []credentialLookup
	scheme  string
	logger  Logger
}

type GateOption func(*AuthenticationGate)

// WithTokenLookup sets where tokens are read from and the header scheme.
func WithTokenLookup(lookup, scheme string) GateOption {
	return func(g *AuthenticationGate) {
		if parsed := ParseTokenLookup(lookup); len(parsed) > 0 {
			g.lookups = parsed
		}
		if scheme = strings.TrimSpace(scheme); scheme != "" {
			g.scheme = scheme
		}
	}
}

func WithGateLogger(l Logger) GateOption {
	return func(g *AuthenticationGate) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewAuthenticationGate(issuer *TokenIssuer, users UserRepository, opts ...GateOption) *AuthenticationGate {
	g := &AuthenticationGate{
		issuer:  issuer,
		users:   users,
		lookups: ParseTokenLookup(DefaultTokenLookup),
		scheme:  DefaultAuthScheme,
		logger:  defaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ExtractToken reads the bearer token from the first lookup that yields
// one, headers before cookies in the default lookup.
func (g *AuthenticationGate) ExtractToken(src CredentialSource) (string, error) {
	if src == nil {
		return "", ErrUnauthenticated
	}

	for _, l := range g.lookups {
		switch l.source {
		case "header":
			if token := stripScheme(src.Header(l.name), g.scheme); token != "" {
				return token, nil
			}
		case "cookie":
			if token := strings.TrimSpace(src.Cookie(l.name)); token != "" {
				return token, nil
			}
		}
	}
	return "", ErrUnauthenticated
}

func stripScheme(value, scheme string) string {
	value = strings.TrimSpace(value)
	l := len(scheme)
	if len(value) > l+1 && strings.EqualFold(value[:l], scheme) && value[l] == ' ' {
		return strings.TrimSpace(value[l:])
	}
	return ""
}

// Authenticate extracts and resolves the token carried by src.
func (g *AuthenticationGate) Authenticate(ctx context.Context, src CredentialSource) (Identity, error) {
	token, err := g.ExtractToken(src)
	if err != nil {
		g.logger.Debug("request carries no access token")
		return Identity{}, err
	}
	return g.AuthenticateToken(ctx, token)
}

// AuthenticateToken validates an access token and loads its user. Bad,
// expired or orphaned tokens yield ErrUnauthenticated; an inactive user
// yields ErrAccountDeactivated; storage faults propagate.
func (g *AuthenticationGate) AuthenticateToken(ctx context.Context, token string) (Identity, error) {
	claims, err := g.issuer.Validate(token, TokenKindAccess)
	if err != nil {
		g.logger.Info("access token rejected", "reason", reasonOf(err))
		return Identity{}, ErrUnauthenticated
	}

	userID, _ := claims.UserID()
	user, err := g.users.FindUserByID(ctx, userID)
	if err != nil {
		if IsUserNotFound(err) {
			g.logger.Info("access token rejected", "reason", "user not found", "user_id", userID)
			return Identity{}, ErrUnauthenticated
		}
		g.logger.Error("access token user lookup failed", "user_id", userID, "error", err)
		return Identity{}, wrapStorage(err, "failed to load token subject")
	}

	if !user.IsActive {
		g.logger.Info("access token rejected", "reason", "account deactivated", "user_id", userID)
		return Identity{}, ErrAccountDeactivated
	}

	return IdentityFromUser(user), nil
}

func reasonOf(err error) string {
	switch {
	case IsTokenExpiredError(err):
		return "token expired"
	case IsTokenInvalidError(err):
		return "token invalid"
	default:
		return rootCause(err).Error()
	}
}
