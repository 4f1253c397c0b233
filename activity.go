package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess     ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure     ActivityEventType = "auth.login.failure"
	ActivityEventAccountLocked    ActivityEventType = "auth.login.locked"
	ActivityEventTokenRefreshed   ActivityEventType = "auth.token.refreshed"
	ActivityEventTokenReplay      ActivityEventType = "auth.token.replay_detected"
	ActivityEventLogout           ActivityEventType = "auth.logout"
	ActivityEventLogoutEverywhere ActivityEventType = "auth.logout.all"
	ActivityEventUserRegistered   ActivityEventType = "user.registered"
	ActivityEventPasswordChanged  ActivityEventType = "user.password.changed"
	ActivityEventUserActivated    ActivityEventType = "user.activated"
	ActivityEventUserDeactivated  ActivityEventType = "user.deactivated"
	ActivityEventRoleChanged      ActivityEventType = "user.role.changed"
	ActivityEventUserDeleted      ActivityEventType = "user.deleted"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType ActivityEventType `json:"event_type"`
	// ActorID is the identity performing the action, empty for anonymous
	// flows such as login.
	ActorID    string         `json:"actor_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
// Sinks are best effort; a failing sink never fails the action.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// MultiActivitySink fans an event out to every sink, returning the first error.
func MultiActivitySink(sinks ...ActivitySink) ActivitySink {
	return ActivitySinkFunc(func(ctx context.Context, event ActivityEvent) error {
		var first error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Record(ctx, event); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
