package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Auther composes the credential, lockout and token components into the
// operations the transport layer calls.
type Auther struct {
	users          UserRepository
	tokens         RefreshTokenRepository
	verifier       PasswordVerifier
	guard          *AccountLockGuard
	issuer         *TokenIssuer
	store          *TokenStore
	gate           *AuthenticationGate
	policy         *AuthorizationPolicy
	lockPolicy     LockPolicy
	matrix         PermissionMatrix
	issuerOpts     []TokenIssuerOption
	clock          Clock
	activitySink   ActivitySink
	logger         Logger
	loggerProvider LoggerProvider

	dummyOnce sync.Once
	dummyHash string
}

type AutherOption func(*Auther)

func WithPasswordVerifier(v PasswordVerifier) AutherOption {
	return func(a *Auther) {
		if v != nil {
			a.verifier = v
		}
	}
}

func WithClock(c Clock) AutherOption {
	return func(a *Auther) {
		a.clock = normalizeClock(c)
	}
}

func WithAutherLockPolicy(p LockPolicy) AutherOption {
	return func(a *Auther) {
		a.lockPolicy = p.normalize()
	}
}

func WithPermissionMatrix(m PermissionMatrix) AutherOption {
	return func(a *Auther) {
		a.matrix = m
	}
}

// WithRetiredSigningKeys keeps rotated out secrets valid for validation.
func WithRetiredSigningKeys(access, refresh map[string][]byte) AutherOption {
	return func(a *Auther) {
		a.issuerOpts = append(a.issuerOpts,
			WithRetiredAccessKeys(access),
			WithRetiredRefreshKeys(refresh),
		)
	}
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func WithActivitySink(sink ActivitySink) AutherOption {
	return func(a *Auther) {
		a.activitySink = normalizeActivitySink(sink)
	}
}

func WithLogger(l Logger) AutherOption {
	return func(a *Auther) {
		a.logger = l
	}
}

func WithLoggerProvider(p LoggerProvider) AutherOption {
	return func(a *Auther) {
		a.loggerProvider = p
	}
}

// NewAuthenticator wires the authentication components from cfg. It fails
// when the signing configuration or the permission matrix is invalid.
func NewAuthenticator(users UserRepository, tokens RefreshTokenRepository, cfg Config, opts ...AutherOption) (*Auther, error) {
	a := &Auther{
		users:        users,
		tokens:       tokens,
		lockPolicy:   DefaultLockPolicy(),
		matrix:       DefaultPermissionMatrix(),
		clock:        systemClock,
		activitySink: noopActivitySink{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	a.loggerProvider, a.logger = ResolveLogger("auth", a.loggerProvider, a.logger)

	if a.verifier == nil {
		a.verifier = NewBcryptVerifier()
	}

	policy, err := NewAuthorizationPolicy(a.matrix)
	if err != nil {
		return nil, err
	}
	a.policy = policy

	issuerOpts := append([]TokenIssuerOption{
		WithTokenIssuerClock(a.clock),
		WithTokenIssuerLogger(a.loggerProvider.GetLogger("auth.tokens")),
	}, a.issuerOpts...)

	a.issuer, err = NewTokenIssuer(cfg, issuerOpts...)
	if err != nil {
		return nil, err
	}

	a.guard = NewAccountLockGuard(users, a.verifier,
		WithLockPolicy(a.lockPolicy),
		WithLockGuardClock(a.clock),
		WithLockGuardActivitySink(a.activitySink),
		WithLockGuardLogger(a.loggerProvider.GetLogger("auth.lock_guard")),
	)

	a.store = NewTokenStore(a.issuer, tokens, users,
		WithTokenStoreClock(a.clock),
		WithTokenStoreActivitySink(a.activitySink),
		WithTokenStoreLogger(a.loggerProvider.GetLogger("auth.token_store")),
	)

	a.gate = NewAuthenticationGate(a.issuer, users,
		WithTokenLookup(cfg.GetTokenLookup(), cfg.GetAuthScheme()),
		WithGateLogger(a.loggerProvider.GetLogger("auth.gate")),
	)

	return a, nil
}

func (s *Auther) Gate() *AuthenticationGate          { return s.gate }
func (s *Auther) Policy() *AuthorizationPolicy       { return s.policy }
func (s *Auther) TokenStore() *TokenStore            { return s.store }
func (s *Auther) TokenIssuer() *TokenIssuer          { return s.issuer }
func (s *Auther) PasswordVerifier() PasswordVerifier { return s.verifier }
func (s *Auther) LockGuard() *AccountLockGuard       { return s.guard }
func (s *Auther) LoggerProvider() LoggerProvider     { return s.loggerProvider }

// Authenticate checks credentials and issues a token pair. Unknown users,
// wrong passwords and malformed input all surface as ErrInvalidCredentials.
func (s *Auther) Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error) {
	identifier := strings.TrimSpace(creds.Identifier)
	if identifier == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindUserByCredentialKey(ctx, identifier)
	if err != nil {
		if IsUserNotFound(err) {
			s.equalizeTiming(creds.Password)
			s.logger.Info("login failed", "reason", "unknown identifier")
			s.emitAuthEvent(ctx, ActivityEventLoginFailure, "", map[string]any{
				"reason": "unknown_identifier",
			})
			return nil, ErrInvalidCredentials
		}
		s.logger.Error("login user lookup failed", "error", err)
		return nil, wrapStorage(err, "failed to load user")
	}

	updated, err := s.guard.Attempt(ctx, user, creds.Password)
	if err != nil {
		reason := "invalid_credentials"
		switch {
		case IsAccountLocked(err):
			reason = "account_locked"
		case !IsInvalidCredentials(err):
			s.logger.Error("login attempt failed", "user_id", user.ID, "error", err)
			return nil, err
		}
		s.emitAuthEvent(ctx, ActivityEventLoginFailure, user.ID.String(), map[string]any{
			"reason": reason,
		})
		return nil, err
	}

	if !updated.IsActive {
		s.logger.Info("login refused for deactivated account", "user_id", updated.ID)
		s.emitAuthEvent(ctx, ActivityEventLoginFailure, updated.ID.String(), map[string]any{
			"reason": "account_deactivated",
		})
		return nil, ErrAccountDeactivated
	}

	pair, err := s.store.IssuePair(ctx, updated)
	if err != nil {
		s.logger.Error("login token issue failed", "user_id", updated.ID, "error", err)
		return nil, err
	}

	s.emitAuthEvent(ctx, ActivityEventLoginSuccess, updated.ID.String(), nil)

	return &AuthResult{
		Identity: IdentityFromUser(updated),
		Tokens:   pair,
	}, nil
}

// Refresh rotates a refresh token into a new pair.
func (s *Auther) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, _, err := s.store.Refresh(ctx, strings.TrimSpace(refreshToken))
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// AuthenticateRequest runs the full gate pipeline over an inbound request:
// token extraction, validation and user reload.
func (s *Auther) AuthenticateRequest(ctx context.Context, src CredentialSource) (Identity, error) {
	return s.gate.Authenticate(ctx, src)
}

// AuthenticateRequestToken resolves the identity behind an access token.
func (s *Auther) AuthenticateRequestToken(ctx context.Context, accessToken string) (Identity, error) {
	return s.gate.AuthenticateToken(ctx, strings.TrimSpace(accessToken))
}

// Logout revokes a single refresh token of userID.
func (s *Auther) Logout(ctx context.Context, userID uuid.UUID, refreshToken string) error {
	if err := s.store.Revoke(ctx, userID, strings.TrimSpace(refreshToken)); err != nil {
		return err
	}
	s.emitAuthEvent(ctx, ActivityEventLogout, userID.String(), nil)
	return nil
}

// LogoutEverywhere revokes every refresh token of userID.
func (s *Auther) LogoutEverywhere(ctx context.Context, userID uuid.UUID) error {
	count, err := s.store.RevokeAll(ctx, userID)
	if err != nil {
		return err
	}
	s.emitAuthEvent(ctx, ActivityEventLogoutEverywhere, userID.String(), map[string]any{
		"revoked": count,
	})
	return nil
}

// equalizeTiming runs one comparison against a throwaway hash so an unknown
// identifier costs the same as a wrong password.
func (s *Auther) equalizeTiming(password string) {
	s.dummyOnce.Do(func() {
		h, err := s.verifier.Hash(uuid.NewString())
		if err != nil {
			s.logger.Warn("failed to build timing hash", "error", err)
			return
		}
		s.dummyHash = h
	})
	if s.dummyHash != "" {
		_, _ = s.verifier.Verify(password, s.dummyHash)
	}
}

func (s *Auther) emitAuthEvent(ctx context.Context, eventType ActivityEventType, userID string, metadata map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		UserID:     userID,
		Metadata:   metadata,
		OccurredAt: s.clock(),
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := s.activitySink.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink record error", "error", err)
	}
}
