package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
)

// DefaultKeyPrefix namespaces counter keys.
const DefaultKeyPrefix = "ratelimit:"

// RetryAfterMetadataKey holds the seconds until the window resets.
const RetryAfterMetadataKey = "retry_after_seconds"

const TextCodeRateLimited = "RATE_LIMITED"

var ErrRateLimited = goerrors.New("too many requests", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeRateLimited).
	WithCode(http.StatusTooManyRequests)

// Counter counts hits per key inside a fixed window.
type Counter interface {
	// Incr records one hit and returns the hits so far in the current window
	// together with the time left until it resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Config defines the configuration for the rate limit middleware
type Config struct {
	// Skip defines a function to skip middleware
	Skip func(router.Context) bool

	// Max is the number of requests allowed per window
	Max int

	// Window is the fixed window length
	Window time.Duration

	// KeyGenerator derives the counter key, the client IP by default
	KeyGenerator func(router.Context) string

	// KeyPrefix is prepended to every generated key
	KeyPrefix string

	// Counter stores the hits. Defaults to an in memory counter
	Counter Counter

	// ErrorHandler receives ErrRateLimited copies carrying the retry delay
	ErrorHandler router.ErrorHandler

	// SuccessHandler defines the success handler
	SuccessHandler router.HandlerFunc

	// FailClosed rejects requests when the counter is unavailable
	FailClosed bool

	Logger glog.Logger
}

// New creates a fixed window rate limiter.
func New(config ...Config) router.MiddlewareFunc {
	cfg := configDefault(config...)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Skip != nil && cfg.Skip(ctx) {
				return cfg.SuccessHandler(ctx)
			}

			key := cfg.KeyPrefix + cfg.KeyGenerator(ctx)
			hits, ttl, err := cfg.Counter.Incr(ctx.Context(), key, cfg.Window)
			if err != nil {
				cfg.Logger.Warn("rate limit counter unavailable", "key", key, "error", err)
				if cfg.FailClosed {
					return cfg.ErrorHandler(ctx, limitedError(cfg.Window))
				}
				return cfg.SuccessHandler(ctx)
			}

			remaining := int64(cfg.Max) - hits
			if remaining < 0 {
				remaining = 0
			}
			ctx.SetHeader("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			ctx.SetHeader("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if hits > int64(cfg.Max) {
				cfg.Logger.Info("rate limit exceeded", "key", key, "hits", hits)
				return cfg.ErrorHandler(ctx, limitedError(ttl))
			}

			return cfg.SuccessHandler(ctx)
		}
	}
}

func limitedError(retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	clone := ErrRateLimited.Clone()
	clone.Source = ErrRateLimited
	clone.Metadata = map[string]any{
		RetryAfterMetadataKey: int(math.Ceil(retryAfter.Seconds())),
	}
	return clone
}

func defaultErrorHandler(c router.Context, err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if secs, ok := richErr.Metadata[RetryAfterMetadataKey].(int); ok {
			c.SetHeader("Retry-After", strconv.Itoa(secs))
		}
	}
	return c.JSON(http.StatusTooManyRequests, map[string]any{
		"error": map[string]string{
			"code":    TextCodeRateLimited,
			"message": ErrRateLimited.Message,
		},
	})
}

func configDefault(config ...Config) Config {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Max <= 0 {
		cfg.Max = 10
	}

	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	if cfg.KeyGenerator == nil {
		cfg.KeyGenerator = func(ctx router.Context) string {
			return ctx.IP()
		}
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	if cfg.Counter == nil {
		cfg.Counter = NewMemoryCounter()
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(ctx router.Context) error {
			return ctx.Next()
		}
	}

	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	return cfg
}

type nopLogger struct{}

func (nopLogger) Trace(string, ...any)                      {}
func (nopLogger) Debug(string, ...any)                      {}
func (nopLogger) Info(string, ...any)                       {}
func (nopLogger) Warn(string, ...any)                       {}
func (nopLogger) Error(string, ...any)                      {}
func (nopLogger) Fatal(string, ...any)                      {}
func (n nopLogger) WithContext(context.Context) glog.Logger { return n }
