package auth_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-retail-auth"
)

const (
	testSigningKey        = "access-signing-key-0123456789abcdef"
	testRefreshSigningKey = "refresh-signing-key-0123456789abcdef"
	testPassword          = "Secret!42"
)

var testVerifier = auth.NewBcryptVerifier(auth.WithBcryptCost(bcrypt.MinCost))

// MockConfig implements auth.Config
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) GetSigningKey() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetRefreshSigningKey() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetSigningKeyID() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetAccessTokenTTL() time.Duration {
	return m.Called().Get(0).(time.Duration)
}

func (m *MockConfig) GetRefreshTokenTTL() time.Duration {
	return m.Called().Get(0).(time.Duration)
}

func (m *MockConfig) GetIssuer() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetAudience() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockConfig) GetTokenLookup() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetAuthScheme() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetContextKey() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetRefreshCookieName() string {
	return m.Called().String(0)
}

func (m *MockConfig) GetCookieSecure() bool {
	return m.Called().Bool(0)
}

// newMockConfig returns a config with test defaults. Overrides run first so
// their expectations take precedence over the defaults.
func newMockConfig(overrides ...func(*MockConfig)) *MockConfig {
	mockConfig := new(MockConfig)
	for _, override := range overrides {
		override(mockConfig)
	}
	mockConfig.On("GetSigningKey").Return(testSigningKey).Maybe()
	mockConfig.On("GetRefreshSigningKey").Return(testRefreshSigningKey).Maybe()
	mockConfig.On("GetSigningKeyID").Return("k1").Maybe()
	mockConfig.On("GetAccessTokenTTL").Return(15 * time.Minute).Maybe()
	mockConfig.On("GetRefreshTokenTTL").Return(7 * 24 * time.Hour).Maybe()
	mockConfig.On("GetIssuer").Return("retail-auth-test").Maybe()
	mockConfig.On("GetAudience").Return([]string{"retail:test"}).Maybe()
	mockConfig.On("GetTokenLookup").Return(auth.DefaultTokenLookup).Maybe()
	mockConfig.On("GetAuthScheme").Return(auth.DefaultAuthScheme).Maybe()
	mockConfig.On("GetContextKey").Return(auth.DefaultContextKey).Maybe()
	mockConfig.On("GetRefreshCookieName").Return(auth.DefaultRefreshCookieName).Maybe()
	mockConfig.On("GetCookieSecure").Return(true).Maybe()
	return mockConfig
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []auth.ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func (s *recordingSink) count(eventType auth.ActivityEventType) int {
	n := 0
	for _, t := range s.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type nopLogger struct{}

func (nopLogger) Trace(string, ...any)                      {}
func (nopLogger) Debug(string, ...any)                      {}
func (nopLogger) Info(string, ...any)                       {}
func (nopLogger) Warn(string, ...any)                       {}
func (nopLogger) Error(string, ...any)                      {}
func (nopLogger) Fatal(string, ...any)                      {}
func (n nopLogger) WithContext(context.Context) auth.Logger { return n }

// memoryStore is an in memory UserAdminRepository and RefreshTokenRepository
// with the same compare and set and last admin rules as the SQL store.
type memoryStore struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	users  map[uuid.UUID]*auth.User
	tokens map[uuid.UUID]*auth.RefreshTokenRecord
	fail   map[string]error
}

func newMemoryStore(users ...*auth.User) *memoryStore {
	s := &memoryStore{
		users:  map[uuid.UUID]*auth.User{},
		tokens: map[uuid.UUID]*auth.RefreshTokenRecord{},
		fail:   map[string]error{},
	}
	for _, u := range users {
		cp := *u
		s.users[u.ID] = &cp
	}
	return s
}

// failOn makes every call of method return err.
func (s *memoryStore) failOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = err
}

func (s *memoryStore) user(id uuid.UUID) *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (s *memoryStore) activeTokens(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.tokens {
		if rec.UserID == userID && !rec.Revoked {
			n++
		}
	}
	return n
}

func (s *memoryStore) FindUserByID(_ context.Context, id uuid.UUID) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["FindUserByID"]; err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, auth.Annotate(auth.ErrUserNotFound, map[string]any{"id": id.String()})
	}
	cp := *u
	return &cp, nil
}

func (s *memoryStore) FindUserByCredentialKey(_ context.Context, key string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["FindUserByCredentialKey"]; err != nil {
		return nil, err
	}
	for _, u := range s.users {
		if strings.Contains(key, "@") {
			if u.Email == strings.ToLower(key) {
				cp := *u
				return &cp, nil
			}
			continue
		}
		if u.Username == key {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.Annotate(auth.ErrUserNotFound, nil)
}

func (s *memoryStore) UpdateLoginState(_ context.Context, id uuid.UUID, expectedVersion int64, next auth.LoginState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["UpdateLoginState"]; err != nil {
		return false, err
	}
	u, ok := s.users[id]
	if !ok || u.LoginVersion != expectedVersion {
		return false, nil
	}
	u.LoginAttempts = next.Attempts
	u.LockUntil = nil
	if next.LockUntil != nil {
		at := *next.LockUntil
		u.LockUntil = &at
	}
	u.LoginVersion++
	return true, nil
}

func (s *memoryStore) RecordLoginSuccess(_ context.Context, id uuid.UUID, expectedVersion int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.LoginVersion != expectedVersion {
		return false, nil
	}
	u.LoginAttempts = 0
	u.LockUntil = nil
	u.LastLogin = &at
	u.LoginVersion++
	return true, nil
}

func (s *memoryStore) CreateUser(_ context.Context, user *auth.User) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username || u.Email == user.Email || u.ID == user.ID {
			return nil, auth.Annotate(auth.ErrUserExists, map[string]any{"username": user.Username})
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memoryStore) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.Annotate(auth.ErrUserNotFound, nil)
	}
	u.PasswordHash = hash
	return nil
}

func (s *memoryStore) SetUserActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.Annotate(auth.ErrUserNotFound, nil)
	}
	if !active && s.isLastAdmin(u) {
		return auth.Annotate(auth.ErrLastAdmin, nil)
	}
	u.IsActive = active
	return nil
}

func (s *memoryStore) UpdateUserRole(_ context.Context, id uuid.UUID, role auth.UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.Annotate(auth.ErrUserNotFound, nil)
	}
	if role != auth.RoleAdmin && s.isLastAdmin(u) {
		return auth.Annotate(auth.ErrLastAdmin, nil)
	}
	u.Role = role
	return nil
}

func (s *memoryStore) DeleteUser(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.Annotate(auth.ErrUserNotFound, nil)
	}
	if s.isLastAdmin(u) {
		return auth.Annotate(auth.ErrLastAdmin, nil)
	}
	delete(s.users, id)
	for tokenID, rec := range s.tokens {
		if rec.UserID == id {
			delete(s.tokens, tokenID)
		}
	}
	return nil
}

func (s *memoryStore) isLastAdmin(u *auth.User) bool {
	if u.Role != auth.RoleAdmin || !u.IsActive {
		return false
	}
	admins := 0
	for _, other := range s.users {
		if other.Role == auth.RoleAdmin && other.IsActive {
			admins++
		}
	}
	return admins <= 1
}

func (s *memoryStore) AppendRefreshToken(_ context.Context, userID uuid.UUID, record *auth.RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["AppendRefreshToken"]; err != nil {
		return err
	}
	cp := *record
	cp.UserID = userID
	s.tokens[record.TokenID] = &cp
	return nil
}

func (s *memoryStore) FindRefreshToken(_ context.Context, tokenID uuid.UUID) (*auth.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[tokenID]
	if !ok {
		return nil, auth.Annotate(auth.ErrRefreshTokenNotFound, nil)
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) RevokeRefreshToken(_ context.Context, userID, tokenID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[tokenID]
	if !ok || rec.UserID != userID || rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	return true, nil
}

func (s *memoryStore) RevokeAllRefreshTokens(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["RevokeAllRefreshTokens"]; err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range s.tokens {
		if rec.UserID == userID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

// RunInTx serializes transactions; there is no rollback.
func (s *memoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo auth.RefreshTokenRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

// barrierVerifier holds every Verify call until n calls arrived, so
// concurrent logins all judge the same stale user snapshot.
type barrierVerifier struct {
	auth.PasswordVerifier
	wg *sync.WaitGroup
}

func newBarrierVerifier(n int) barrierVerifier {
	wg := &sync.WaitGroup{}
	wg.Add(n)
	return barrierVerifier{PasswordVerifier: testVerifier, wg: wg}
}

func (b barrierVerifier) Verify(password, hash string) (bool, error) {
	b.wg.Done()
	b.wg.Wait()
	return b.PasswordVerifier.Verify(password, hash)
}

// countingVerifier counts Verify calls on the wrapped verifier.
type countingVerifier struct {
	auth.PasswordVerifier
	calls *atomic.Int64
}

func newCountingVerifier() countingVerifier {
	return countingVerifier{PasswordVerifier: testVerifier, calls: &atomic.Int64{}}
}

func (c countingVerifier) Verify(password, hash string) (bool, error) {
	c.calls.Add(1)
	return c.PasswordVerifier.Verify(password, hash)
}

func newTestUser(t *testing.T, username string, role auth.UserRole) *auth.User {
	t.Helper()
	hash, err := testVerifier.Hash(testPassword)
	require.NoError(t, err)
	return &auth.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        username + "@shop.test",
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
}

type testEnv struct {
	auther *auth.Auther
	store  *memoryStore
	clock  *testClock
	sink   *recordingSink
}

func newTestEnv(t *testing.T, store *memoryStore, opts ...auth.AutherOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store,
		clock: newTestClock(),
		sink:  &recordingSink{},
	}

	base := []auth.AutherOption{
		auth.WithClock(env.clock.Now),
		auth.WithActivitySink(env.sink),
		auth.WithPasswordVerifier(testVerifier),
		auth.WithLogger(nopLogger{}),
	}

	auther, err := auth.NewAuthenticator(store, store, newMockConfig(), append(base, opts...)...)
	require.NoError(t, err)
	env.auther = auther
	return env
}

func (e *testEnv) login(t *testing.T, identifier string) *auth.AuthResult {
	t.Helper()
	res, err := e.auther.Authenticate(context.Background(), auth.Credentials{
		Identifier: identifier,
		Password:   testPassword,
	})
	require.NoError(t, err)
	return res
}
