package activitymap

import (
	"strings"
	"time"

	auth "github.com/goliatone/go-retail-auth"
)

const (
	// MetadataKeyOutcome marks whether the action succeeded.
	MetadataKeyOutcome = "outcome"
)

const (
	defaultObjectType = "user"
	defaultActorID    = "system"
	anonymousActorID  = "anonymous"
)

// Normalized is a transport-agnostic activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	now           func() time.Time
}

// Normalize converts an auth.ActivityEvent into the shape published to
// downstream consumers. The channel is the event type prefix unless one is
// forced with WithChannel.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	channel := options.channel
	if channel == "" {
		channel = channelOf(event.EventType)
	}

	return Normalized{
		ActorID:    resolveActor(event, options.actorFallback),
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   strings.TrimSpace(event.UserID),
		Channel:    channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt.UTC(),
	}
}

// WithChannel forces the channel of normalized records.
func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the default object type for normalized records.
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		if objectType = strings.TrimSpace(objectType); objectType != "" {
			opts.objectType = objectType
		}
	}
}

// WithActorFallback sets the actor of admin events raised without an actor,
// such as the bootstrap of the first administrator.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

func WithNow(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// resolveActor falls back to the subject for self service auth events.
// Failed logins against unknown identifiers have neither.
func resolveActor(event auth.ActivityEvent, fallback string) string {
	if actor := strings.TrimSpace(event.ActorID); actor != "" {
		return actor
	}

	if channelOf(event.EventType) == "auth" {
		if user := strings.TrimSpace(event.UserID); user != "" {
			return user
		}
		return anonymousActorID
	}

	return fallback
}

func channelOf(eventType auth.ActivityEventType) string {
	prefix, _, _ := strings.Cut(string(eventType), ".")
	return prefix
}

func normalizeMetadata(event auth.ActivityEvent) map[string]any {
	metadata := cloneMap(event.Metadata)

	switch event.EventType {
	case auth.ActivityEventLoginFailure, auth.ActivityEventAccountLocked, auth.ActivityEventTokenReplay:
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[MetadataKeyOutcome] = "failure"
	case auth.ActivityEventLoginSuccess, auth.ActivityEventTokenRefreshed:
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[MetadataKeyOutcome] = "success"
	}

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
