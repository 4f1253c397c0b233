package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract used across the package.
type Logger = glog.Logger

// LoggerProvider hands out named loggers.
type LoggerProvider = glog.LoggerProvider

// Config holds the token and cookie options consumed by the constructors.
// Secrets are injected here and never read from the environment mid request.
type Config interface {
	GetSigningKey() string
	GetRefreshSigningKey() string
	// GetSigningKeyID identifies the active key in the access and refresh keyrings.
	GetSigningKeyID() string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetIssuer() string
	GetAudience() []string
	GetTokenLookup() string
	GetAuthScheme() string
	GetContextKey() string
	GetRefreshCookieName() string
	GetCookieSecure() bool
}

// Clock returns the current time. Injected so lock and expiry
// decisions can be tested without sleeping.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func normalizeClock(c Clock) Clock {
	if c == nil {
		return systemClock
	}
	return func() time.Time { return c().UTC() }
}

// ResolveLogger returns a provider and logger for the given name. An explicit
// logger wins over the provider; the default logger is used when neither
// yields one.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) (LoggerProvider, Logger) {
	if logger == nil && provider != nil {
		logger = provider.GetLogger(name)
	}

	if logger == nil {
		logger = defaultLogger()
	}

	if provider == nil {
		provider = glog.ProviderFromLogger(logger)
	}

	return &fallbackProvider{provider: provider, fallback: logger}, logger
}

type fallbackProvider struct {
	provider LoggerProvider
	fallback Logger
}

func (p *fallbackProvider) GetLogger(name string) Logger {
	if p.provider != nil {
		if l := p.provider.GetLogger(name); l != nil {
			return l
		}
	}
	return p.fallback
}

func defaultLogger() Logger {
	return &defLogger{}
}

type defLogger struct{}

func (d *defLogger) Trace(msg string, args ...any) {
	d.print("TRC", msg, args...)
}

func (d *defLogger) Debug(msg string, args ...any) {
	d.print("DBG", msg, args...)
}

func (d *defLogger) Info(msg string, args ...any) {
	d.print("INF", msg, args...)
}

func (d *defLogger) Warn(msg string, args ...any) {
	d.print("WRN", msg, args...)
}

func (d *defLogger) Error(msg string, args ...any) {
	d.print("ERR", msg, args...)
}

func (d *defLogger) Fatal(msg string, args ...any) {
	d.print("FTL", msg, args...)
}

func (d *defLogger) WithContext(context.Context) Logger {
	return d
}

func (d *defLogger) print(level, msg string, args ...any) {
	var b strings.Builder
	b.WriteString("[" + level + "] AUTH " + msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	fmt.Println(b.String())
}
