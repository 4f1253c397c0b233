package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultSigningKeyID is used when the configuration names no key id.
	DefaultSigningKeyID = "k1"
)

var signingMethod = jwt.SigningMethodHS256

// Keyring holds the HMAC secrets for one token kind. Tokens are signed with
// the active key; any key in the ring validates.
type Keyring struct {
	ActiveKID string
	Keys      map[string][]byte
}

func (k Keyring) validate(kind TokenKind) error {
	secret, ok := k.Keys[k.ActiveKID]
	if k.ActiveKID == "" || !ok || len(secret) == 0 {
		return goerrors.New("missing active signing key", goerrors.CategoryValidation).
			WithTextCode("INVALID_SIGNING_KEY").
			WithMetadata(map[string]any{"kind": string(kind), "kid": k.ActiveKID})
	}
	return nil
}

func (k Keyring) keyfunc() jwt.Keyfunc {
	given := make(map[string]keyfunc.GivenKey, len(k.Keys))
	for kid, secret := range k.Keys {
		given[kid] = keyfunc.NewGivenCustom(secret, keyfunc.GivenKeyOptions{
			Algorithm: signingMethod.Alg(),
		})
	}
	return keyfunc.NewGiven(given).Keyfunc
}

// TokenIssuer signs and validates access and refresh tokens. Access tokens
// are never persisted; their validity is signature plus expiry.
type TokenIssuer struct {
	access     Keyring
	refresh    Keyring
	accessKey  jwt.Keyfunc
	refreshKey jwt.Keyfunc
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	clock      Clock
	logger     Logger
}

type TokenIssuerOption func(*TokenIssuer)

// WithRetiredAccessKeys keeps rotated out access secrets valid for validation.
func WithRetiredAccessKeys(keys map[string][]byte) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		for kid, secret := range keys {
			if _, exists := ti.access.Keys[kid]; !exists {
				ti.access.Keys[kid] = secret
			}
		}
	}
}

// WithRetiredRefreshKeys keeps rotated out refresh secrets valid for validation.
func WithRetiredRefreshKeys(keys map[string][]byte) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		for kid, secret := range keys {
			if _, exists := ti.refresh.Keys[kid]; !exists {
				ti.refresh.Keys[kid] = secret
			}
		}
	}
}

func WithTokenIssuerClock(c Clock) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		ti.clock = normalizeClock(c)
	}
}

func WithTokenIssuerLogger(l Logger) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		if l != nil {
			ti.logger = l
		}
	}
}

// NewTokenIssuer builds an issuer from injected configuration. It fails when
// a secret is missing, when both kinds share a secret, or when the refresh
// TTL is not longer than the access TTL.
func NewTokenIssuer(cfg Config, opts ...TokenIssuerOption) (*TokenIssuer, error) {
	kid := cfg.GetSigningKeyID()
	if kid == "" {
		kid = DefaultSigningKeyID
	}

	ti := &TokenIssuer{
		access: Keyring{
			ActiveKID: kid,
			Keys:      map[string][]byte{kid: []byte(cfg.GetSigningKey())},
		},
		refresh: Keyring{
			ActiveKID: kid,
			Keys:      map[string][]byte{kid: []byte(cfg.GetRefreshSigningKey())},
		},
		accessTTL:  cfg.GetAccessTokenTTL(),
		refreshTTL: cfg.GetRefreshTokenTTL(),
		issuer:     cfg.GetIssuer(),
		audience:   slices.Clone(cfg.GetAudience()),
		clock:      systemClock,
		logger:     defaultLogger(),
	}

	if ti.accessTTL <= 0 {
		ti.accessTTL = DefaultAccessTokenTTL
	}
	if ti.refreshTTL <= 0 {
		ti.refreshTTL = DefaultRefreshTokenTTL
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ti)
		}
	}

	if err := ti.access.validate(TokenKindAccess); err != nil {
		return nil, err
	}
	if err := ti.refresh.validate(TokenKindRefresh); err != nil {
		return nil, err
	}

	if string(ti.access.Keys[kid]) == string(ti.refresh.Keys[kid]) {
		return nil, goerrors.New("access and refresh tokens must use distinct signing keys", goerrors.CategoryValidation).
			WithTextCode("INVALID_SIGNING_KEY")
	}

	if ti.refreshTTL <= ti.accessTTL {
		return nil, goerrors.New("refresh token TTL must be longer than access token TTL", goerrors.CategoryValidation).
			WithTextCode("INVALID_TOKEN_TTL").
			WithMetadata(map[string]any{
				"access_ttl":  ti.accessTTL.String(),
				"refresh_ttl": ti.refreshTTL.String(),
			})
	}

	ti.accessKey = ti.access.keyfunc()
	ti.refreshKey = ti.refresh.keyfunc()

	return ti, nil
}

// AccessTTL returns the access token lifetime.
func (ti *TokenIssuer) AccessTTL() time.Duration {
	return ti.accessTTL
}

// RefreshTTL returns the refresh token lifetime.
func (ti *TokenIssuer) RefreshTTL() time.Duration {
	return ti.refreshTTL
}

// IssueAccessToken signs a short lived token carrying id, email and role.
func (ti *TokenIssuer) IssueAccessToken(userID uuid.UUID, email string, role UserRole) (string, time.Time, error) {
	now := ti.clock()
	expiresAt := now.Add(ti.accessTTL)

	claims := &TokenClaims{
		RegisteredClaims: ti.registeredClaims(userID, now, expiresAt),
		UID:              userID.String(),
		Email:            email,
		Role:             role,
		Kind:             TokenKindAccess,
	}
	claims.ID = uuid.NewString()

	token, err := ti.sign(claims, ti.access)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// IssueRefreshToken signs a long lived token with a fresh token id.
func (ti *TokenIssuer) IssueRefreshToken(userID uuid.UUID) (string, uuid.UUID, time.Time, error) {
	now := ti.clock()
	expiresAt := now.Add(ti.refreshTTL)
	tokenID := uuid.New()

	claims := &TokenClaims{
		RegisteredClaims: ti.registeredClaims(userID, now, expiresAt),
		UID:              userID.String(),
		Kind:             TokenKindRefresh,
	}
	claims.ID = tokenID.String()

	token, err := ti.sign(claims, ti.refresh)
	if err != nil {
		return "", uuid.Nil, time.Time{}, err
	}
	return token, tokenID, expiresAt, nil
}

// Validate checks signature, expiry, issuer, audience and kind. Expired
// tokens yield ErrTokenExpired, everything else ErrTokenInvalid.
func (ti *TokenIssuer) Validate(tokenString string, kind TokenKind) (*TokenClaims, error) {
	var keyFn jwt.Keyfunc
	switch kind {
	case TokenKindAccess:
		keyFn = ti.accessKey
	case TokenKindRefresh:
		keyFn = ti.refreshKey
	default:
		return nil, withSource(ErrTokenInvalid, nil, map[string]any{"kind": string(kind)})
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(ti.clock),
		jwt.WithExpirationRequired(),
	}
	if ti.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ti.issuer))
	}
	if len(ti.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ti.audience...))
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFn, parserOptions...)
	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, withSource(ErrTokenExpired, err, nil)
		}
		ti.logger.Debug("token validation failed", "kind", kind, "error", err)
		return nil, withSource(ErrTokenInvalid, err, nil)
	}

	if !token.Valid || claims.Kind != kind {
		ti.logger.Warn("token kind mismatch", "expected", kind, "got", claims.Kind)
		return nil, withSource(ErrTokenInvalid, nil, map[string]any{"kind": string(claims.Kind)})
	}

	if _, err := claims.UserID(); err != nil {
		return nil, withSource(ErrTokenInvalid, err, nil)
	}

	if kind == TokenKindRefresh {
		if _, err := claims.TokenID(); err != nil {
			return nil, withSource(ErrTokenInvalid, err, nil)
		}
	}

	return claims, nil
}

func (ti *TokenIssuer) registeredClaims(userID uuid.UUID, now, expiresAt time.Time) jwt.RegisteredClaims {
	var aud jwt.ClaimStrings
	if len(ti.audience) > 0 {
		aud = slices.Clone(ti.audience)
	}
	return jwt.RegisteredClaims{
		Issuer:    ti.issuer,
		Subject:   userID.String(),
		Audience:  aud,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func (ti *TokenIssuer) sign(claims *TokenClaims, ring Keyring) (string, error) {
	token := jwt.NewWithClaims(signingMethod, claims)
	token.Header["kid"] = ring.ActiveKID

	signed, err := token.SignedString(ring.Keys[ring.ActiveKID])
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}
	return signed, nil
}

// HashToken returns the hex encoded SHA-256 of a token value, the form in
// which refresh tokens are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
