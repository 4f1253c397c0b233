package auth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
)

const tokenTypeBearer = "Bearer"

// TokenStore issues token pairs and owns the refresh token lifecycle:
// rotation, replay detection and revocation.
type TokenStore struct {
	issuer       *TokenIssuer
	tokens       RefreshTokenRepository
	users        UserRepository
	clock        Clock
	activitySink ActivitySink
	logger       Logger
}

type TokenStoreOption func(*TokenStore)

func WithTokenStoreClock(c Clock) TokenStoreOption {
	return func(s *TokenStore) {
		s.clock = normalizeClock(c)
	}
}

func WithTokenStoreLogger(l Logger) TokenStoreOption {
	return func(s *TokenStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTokenStoreActivitySink(sink ActivitySink) TokenStoreOption {
	return func(s *TokenStore) {
		s.activitySink = normalizeActivitySink(sink)
	}
}

func NewTokenStore(issuer *TokenIssuer, tokens RefreshTokenRepository, users UserRepository, opts ...TokenStoreOption) *TokenStore {
	s := &TokenStore{
		issuer:       issuer,
		tokens:       tokens,
		users:        users,
		clock:        systemClock,
		activitySink: noopActivitySink{},
		logger:       defaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Issuer exposes the token issuer backing the store.
func (s *TokenStore) Issuer() *TokenIssuer {
	return s.issuer
}

// IssuePair signs an access and a refresh token for user and persists the
// refresh token record.
func (s *TokenStore) IssuePair(ctx context.Context, user *User) (*TokenPair, error) {
	return s.issuePair(ctx, s.tokens, user)
}

func (s *TokenStore) issuePair(ctx context.Context, repo RefreshTokenRepository, user *User) (*TokenPair, error) {
	access, accessExp, err := s.issuer.IssueAccessToken(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	refresh, tokenID, refreshExp, err := s.issuer.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	record := &RefreshTokenRecord{
		TokenID:   tokenID,
		UserID:    user.ID,
		TokenHash: HashToken(refresh),
		ExpiresAt: refreshExp,
		CreatedAt: &now,
	}

	if err := repo.AppendRefreshToken(ctx, user.ID, record); err != nil {
		return nil, wrapStorage(err, "failed to persist refresh token")
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		TokenType:        tokenTypeBearer,
	}, nil
}

// Refresh rotates oldToken: the old record is revoked and a new pair is
// issued in one transaction. Presenting an already revoked token is taken as
// theft and revokes every refresh token of its owner.
func (s *TokenStore) Refresh(ctx context.Context, oldToken string) (*TokenPair, *User, error) {
	claims, err := s.issuer.Validate(oldToken, TokenKindRefresh)
	if err != nil {
		return nil, nil, err
	}

	userID, _ := claims.UserID()
	tokenID, _ := claims.TokenID()

	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		if IsUserNotFound(err) {
			s.logger.Info("refresh token for unknown user", "user_id", userID)
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, wrapStorage(err, "failed to load refresh token owner")
	}

	var (
		pair        *TokenPair
		replayed    bool
		deactivated bool
		hash        = HashToken(oldToken)
	)

	err = s.tokens.RunInTx(ctx, func(ctx context.Context, repo RefreshTokenRepository) error {
		record, err := repo.FindRefreshToken(ctx, tokenID)
		if err != nil {
			if IsRefreshTokenNotFound(err) {
				s.logger.Info("refresh token not on record", "token_id", tokenID)
				return ErrTokenInvalid
			}
			return wrapStorage(err, "failed to load refresh token")
		}

		if record.UserID != userID || subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(hash)) != 1 {
			s.logger.Warn("refresh token does not match its record", "token_id", tokenID, "user_id", userID)
			return ErrTokenInvalid
		}

		if record.Revoked {
			replayed = true
			return nil
		}

		if record.IsExpired(s.clock()) {
			return ErrTokenInvalid
		}

		revoked, err := repo.RevokeRefreshToken(ctx, userID, tokenID)
		if err != nil {
			return wrapStorage(err, "failed to revoke refresh token")
		}
		if !revoked {
			// lost the race against a concurrent rotation of the same token
			replayed = true
			return nil
		}

		if !user.IsActive {
			deactivated = true
			return nil
		}

		pair, err = s.issuePair(ctx, repo, user)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if replayed {
		return nil, nil, s.handleReplay(ctx, userID, tokenID)
	}

	if deactivated {
		s.logger.Info("refresh refused for deactivated account", "user_id", userID)
		return nil, nil, ErrAccountDeactivated
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType:  ActivityEventTokenRefreshed,
		UserID:     userID.String(),
		OccurredAt: s.clock(),
	})

	return pair, user, nil
}

func (s *TokenStore) handleReplay(ctx context.Context, userID, tokenID uuid.UUID) error {
	count, err := s.tokens.RevokeAllRefreshTokens(ctx, userID)
	if err != nil {
		s.logger.Error("failed to revoke tokens after replay", "user_id", userID, "error", err)
		return wrapStorage(err, "failed to revoke refresh tokens after replay")
	}

	s.logger.Warn("refresh token replay detected, all tokens revoked",
		"user_id", userID, "token_id", tokenID, "revoked", count)

	s.recordActivity(ctx, ActivityEvent{
		EventType:  ActivityEventTokenReplay,
		UserID:     userID.String(),
		OccurredAt: s.clock(),
		Metadata: map[string]any{
			"token_id": tokenID.String(),
			"revoked":  count,
		},
	})

	return ErrTokenInvalid
}

// Revoke marks the refresh token revoked for its owner. Revoking an expired
// or already revoked token is a no-op; a token of another user is rejected.
func (s *TokenStore) Revoke(ctx context.Context, userID uuid.UUID, token string) error {
	claims, err := s.issuer.Validate(token, TokenKindRefresh)
	if err != nil {
		if IsTokenExpiredError(err) {
			return nil
		}
		return ErrTokenInvalid
	}

	owner, _ := claims.UserID()
	if owner != userID {
		s.logger.Warn("refresh token revoke for a different user", "user_id", userID, "owner_id", owner)
		return ErrTokenInvalid
	}

	tokenID, _ := claims.TokenID()
	if _, err := s.tokens.RevokeRefreshToken(ctx, userID, tokenID); err != nil {
		return wrapStorage(err, "failed to revoke refresh token")
	}
	return nil
}

// RevokeAll revokes every refresh token of userID.
func (s *TokenStore) RevokeAll(ctx context.Context, userID uuid.UUID) (int, error) {
	count, err := s.tokens.RevokeAllRefreshTokens(ctx, userID)
	if err != nil {
		return 0, wrapStorage(err, "failed to revoke refresh tokens")
	}
	return count, nil
}

func (s *TokenStore) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := s.activitySink.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink record error", "error", err)
	}
}
