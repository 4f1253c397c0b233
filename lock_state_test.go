package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFailureState(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	policy := DefaultLockPolicy()
	future := now.Add(2 * time.Minute)
	past := now.Add(-time.Second)

	tests := []struct {
		name         string
		cur          LoginState
		wantAttempts int
		wantLock     *time.Time
	}{
		{
			name:         "first failure",
			cur:          LoginState{},
			wantAttempts: 1,
		},
		{
			name:         "threshold reached",
			cur:          LoginState{Attempts: MaxLoginAttempts - 1},
			wantAttempts: MaxLoginAttempts,
			wantLock:     ptr(now.Add(LockDuration)),
		},
		{
			name:         "racing attempt keeps the existing lock",
			cur:          LoginState{Attempts: MaxLoginAttempts, LockUntil: &future},
			wantAttempts: MaxLoginAttempts + 1,
			wantLock:     &future,
		},
		{
			name:         "expired lock starts over",
			cur:          LoginState{Attempts: 7, LockUntil: &past},
			wantAttempts: 1,
		},
		{
			name:         "counter is capped",
			cur:          LoginState{Attempts: maxRecordedAttempts, LockUntil: &future},
			wantAttempts: maxRecordedAttempts,
			wantLock:     &future,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := nextFailureState(tt.cur, now, policy)
			assert.Equal(t, tt.wantAttempts, next.Attempts)
			if tt.wantLock == nil {
				assert.Nil(t, next.LockUntil)
				return
			}
			require.NotNil(t, next.LockUntil)
			assert.Equal(t, *tt.wantLock, *next.LockUntil)
		})
	}
}

func TestLockPolicyNormalize(t *testing.T) {
	p := LockPolicy{Threshold: -1, Duration: 0, MaxAttempts: 0}.normalize()
	assert.Equal(t, DefaultLockPolicy(), p)

	p = LockPolicy{Threshold: 3, Duration: time.Minute, MaxAttempts: 10}.normalize()
	assert.Equal(t, 3, p.Threshold)
	assert.Equal(t, time.Minute, p.Duration)
	assert.Equal(t, 10, p.MaxAttempts)
}

func ptr[T any](v T) *T {
	return &v
}
