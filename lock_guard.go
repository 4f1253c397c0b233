package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	// MaxLoginAttempts is the number of consecutive failures that locks an account.
	MaxLoginAttempts = 5
	// LockDuration is how long a locked account refuses logins.
	LockDuration = 5 * time.Minute
	// maxRecordedAttempts caps the stored counter.
	maxRecordedAttempts = 1000
	// defaultCASRetries bounds the compare and set loop under contention.
	defaultCASRetries = 64
)

// LockPolicy configures brute force protection.
type LockPolicy struct {
	Threshold   int
	Duration    time.Duration
	MaxAttempts int
}

// DefaultLockPolicy locks after 5 failures for 5 minutes.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		Threshold:   MaxLoginAttempts,
		Duration:    LockDuration,
		MaxAttempts: maxRecordedAttempts,
	}
}

func (p LockPolicy) normalize() LockPolicy {
	def := DefaultLockPolicy()
	if p.Threshold <= 0 {
		p.Threshold = def.Threshold
	}
	if p.Duration <= 0 {
		p.Duration = def.Duration
	}
	if p.MaxAttempts < p.Threshold {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// nextFailureState computes the login state after one failed attempt that
// was admitted while the account was active.
func nextFailureState(cur LoginState, now time.Time, p LockPolicy) LoginState {
	attempts := cur.Attempts
	lockUntil := cur.LockUntil

	// lock ran out: this attempt is judged as the first of a new series
	if lockUntil != nil && !now.Before(*lockUntil) {
		attempts = 0
		lockUntil = nil
	}

	attempts = min(attempts+1, p.MaxAttempts)

	// a racing attempt already locked the account, count without extending
	if lockUntil != nil {
		return LoginState{Attempts: attempts, LockUntil: lockUntil}
	}

	if attempts >= p.Threshold {
		until := now.Add(p.Duration)
		lockUntil = &until
	}

	return LoginState{Attempts: attempts, LockUntil: lockUntil}
}

// AccountLockGuard decides a login attempt against a user record and keeps
// its failure counter and lock consistent under concurrent attempts.
type AccountLockGuard struct {
	users        UserRepository
	verifier     PasswordVerifier
	policy       LockPolicy
	clock        Clock
	retries      int
	activitySink ActivitySink
	logger       Logger
}

type LockGuardOption func(*AccountLockGuard)

func WithLockPolicy(p LockPolicy) LockGuardOption {
	return func(g *AccountLockGuard) {
		g.policy = p.normalize()
	}
}

func WithLockGuardClock(c Clock) LockGuardOption {
	return func(g *AccountLockGuard) {
		g.clock = normalizeClock(c)
	}
}

func WithLockGuardLogger(l Logger) LockGuardOption {
	return func(g *AccountLockGuard) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithLockGuardActivitySink(s ActivitySink) LockGuardOption {
	return func(g *AccountLockGuard) {
		g.activitySink = normalizeActivitySink(s)
	}
}

func NewAccountLockGuard(users UserRepository, verifier PasswordVerifier, opts ...LockGuardOption) *AccountLockGuard {
	g := &AccountLockGuard{
		users:        users,
		verifier:     verifier,
		policy:       DefaultLockPolicy(),
		clock:        systemClock,
		retries:      defaultCASRetries,
		activitySink: noopActivitySink{},
		logger:       defaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Policy returns the active lock policy.
func (g *AccountLockGuard) Policy() LockPolicy {
	return g.policy
}

// Attempt checks password against user. A locked account is rejected before
// the password is looked at. On success the returned user reflects the reset
// counter and the new last login.
func (g *AccountLockGuard) Attempt(ctx context.Context, user *User, password string) (*User, error) {
	now := g.clock()
	ok, err := g.check(user, password, now)
	if err != nil {
		return nil, err
	}

	if ok {
		return g.recordSuccess(ctx, user, now)
	}
	return nil, g.recordFailure(ctx, user, now)
}

// Confirm re-checks the password of an already authenticated user. Failures
// count toward the lock like failed logins; a success leaves the login
// state untouched.
func (g *AccountLockGuard) Confirm(ctx context.Context, user *User, password string) error {
	now := g.clock()
	ok, err := g.check(user, password, now)
	if err != nil {
		return err
	}

	if ok {
		return nil
	}
	return g.recordFailure(ctx, user, now)
}

func (g *AccountLockGuard) check(user *User, password string, now time.Time) (bool, error) {
	if user == nil {
		return false, ErrInvalidCredentials
	}

	if state := user.LoginState(); state.IsLocked(now) {
		g.logger.Info("password check rejected, account locked", "user_id", user.ID, "lock_until", state.LockUntil)
		return false, NewAccountLockedError(state.LockUntil.Sub(now))
	}

	ok, err := g.verifier.Verify(password, user.PasswordHash)
	if err != nil {
		g.logger.Error("password verification failed", "user_id", user.ID, "error", err)
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "password verification failed")
	}
	return ok, nil
}

func (g *AccountLockGuard) recordSuccess(ctx context.Context, user *User, now time.Time) (*User, error) {
	current := user
	for i := 0; i < g.retries; i++ {
		// a concurrent failure locked the account while we verified
		if i > 0 && current.LoginState().IsLocked(now) {
			g.logger.Info("login success discarded, account locked concurrently", "user_id", current.ID)
			return nil, NewAccountLockedError(current.LockUntil.Sub(now))
		}

		applied, err := g.users.RecordLoginSuccess(ctx, current.ID, current.LoginVersion, now)
		if err != nil {
			return nil, wrapStorage(err, "failed to record successful login")
		}

		if applied {
			updated := *current
			updated.LoginAttempts = 0
			updated.LockUntil = nil
			updated.LoginVersion = current.LoginVersion + 1
			at := now
			updated.LastLogin = &at
			return &updated, nil
		}

		if current, err = g.reload(ctx, current.ID); err != nil {
			return nil, err
		}
	}
	return nil, g.contention(user.ID)
}

func (g *AccountLockGuard) recordFailure(ctx context.Context, user *User, now time.Time) error {
	current := user
	for i := 0; i < g.retries; i++ {
		prev := current.LoginState()
		next := nextFailureState(prev, now, g.policy)

		applied, err := g.users.UpdateLoginState(ctx, current.ID, prev.Version, next)
		if err != nil {
			return wrapStorage(err, "failed to record failed login")
		}

		if applied {
			g.logger.Debug("login failure recorded", "user_id", current.ID, "attempts", next.Attempts)
			if next.LockUntil != nil && !prev.IsLocked(now) {
				g.logger.Warn("account locked", "user_id", current.ID, "attempts", next.Attempts, "lock_until", *next.LockUntil)
				g.recordActivity(ctx, ActivityEvent{
					EventType:  ActivityEventAccountLocked,
					UserID:     current.ID.String(),
					OccurredAt: now,
					Metadata: map[string]any{
						"attempts":   next.Attempts,
						"lock_until": next.LockUntil.Format(time.RFC3339),
					},
				})
			}
			return ErrInvalidCredentials
		}

		if current, err = g.reload(ctx, current.ID); err != nil {
			return err
		}
	}
	return g.contention(user.ID)
}

func (g *AccountLockGuard) reload(ctx context.Context, id uuid.UUID) (*User, error) {
	user, err := g.users.FindUserByID(ctx, id)
	if err != nil {
		if IsUserNotFound(err) {
			// deleted mid login
			return nil, ErrInvalidCredentials
		}
		return nil, wrapStorage(err, "failed to reload user login state")
	}
	return user, nil
}

func (g *AccountLockGuard) contention(id uuid.UUID) error {
	g.logger.Error("login state update gave up under contention", "user_id", id, "retries", g.retries)
	return withSource(ErrStorageUnavailable, nil, map[string]any{"reason": "login state contention"})
}

func (g *AccountLockGuard) recordActivity(ctx context.Context, event ActivityEvent) {
	if err := g.activitySink.Record(ctx, event); err != nil {
		g.logger.Warn("activity sink record error", "error", err)
	}
}
