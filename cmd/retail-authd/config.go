package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"

	auth "github.com/goliatone/go-retail-auth"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the process configuration. It implements auth.Config.
type Config struct {
	SigningKey        string        `env:"RETAIL_AUTH_SIGNING_KEY"`
	RefreshSigningKey string        `env:"RETAIL_AUTH_REFRESH_SIGNING_KEY"`
	SigningKeyID      string        `env:"RETAIL_AUTH_SIGNING_KEY_ID" envDefault:"v1"`
	AccessTokenTTL    time.Duration `env:"RETAIL_AUTH_ACCESS_TTL" envDefault:"15m"`
	RefreshTokenTTL   time.Duration `env:"RETAIL_AUTH_REFRESH_TTL" envDefault:"168h"`
	Issuer            string        `env:"RETAIL_AUTH_ISSUER" envDefault:"retail-auth"`
	Audience          []string      `env:"RETAIL_AUTH_AUDIENCE" envDefault:"retail" envSeparator:","`
	TokenLookup       string        `env:"RETAIL_AUTH_TOKEN_LOOKUP" envDefault:"header:Authorization,cookie:access_token"`
	AuthScheme        string        `env:"RETAIL_AUTH_SCHEME" envDefault:"Bearer"`
	ContextKey        string        `env:"RETAIL_AUTH_CONTEXT_KEY" envDefault:"user"`
	RefreshCookieName string        `env:"RETAIL_AUTH_REFRESH_COOKIE" envDefault:"refresh_token"`
	CookieSecure      bool          `env:"RETAIL_AUTH_COOKIE_SECURE" envDefault:"true"`

	HTTPAddr string `env:"RETAIL_AUTH_HTTP_ADDR" envDefault:":8572"`
	Debug    bool   `env:"RETAIL_AUTH_DEBUG"`

	DBDriver string `env:"RETAIL_AUTH_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"RETAIL_AUTH_DB_DSN" envDefault:"file:retail-auth.db?cache=shared"`

	// RedisAddr enables the shared rate limit counter.
	RedisAddr       string        `env:"RETAIL_AUTH_REDIS_ADDR"`
	RedisPassword   string        `env:"RETAIL_AUTH_REDIS_PASSWORD"`
	RateLimitMax    int           `env:"RETAIL_AUTH_RATE_LIMIT_MAX" envDefault:"10"`
	RateLimitWindow time.Duration `env:"RETAIL_AUTH_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// AMQPURL enables publishing activity events.
	AMQPURL      string `env:"RETAIL_AUTH_AMQP_URL"`
	AMQPExchange string `env:"RETAIL_AUTH_AMQP_EXCHANGE" envDefault:"retail.auth.activity"`
}

var _ auth.Config = (*Config)(nil)

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := goerrors.ValidateWithOzzo(cfg.Validate, "invalid configuration"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.RefreshSigningKey,
			validation.Required,
			validation.Length(32, 0),
			validation.By(differentFrom(c.SigningKey, "must differ from the access signing key")),
		),
		validation.Field(&c.SigningKeyID, validation.Required),
		validation.Field(&c.AccessTokenTTL, validation.Required),
		validation.Field(&c.RefreshTokenTTL,
			validation.Required,
			validation.By(longerThan(c.AccessTokenTTL, "must be longer than the access token TTL")),
		),
		validation.Field(&c.DBDriver, validation.Required, validation.In(DriverSQLite, DriverMySQL)),
		validation.Field(&c.DBDSN, validation.Required),
		validation.Field(&c.RateLimitMax, validation.Min(1)),
	)
}

func differentFrom(other, msg string) validation.RuleFunc {
	return func(value any) error {
		if s, _ := value.(string); s != "" && s == other {
			return errors.New(msg)
		}
		return nil
	}
}

func longerThan(other time.Duration, msg string) validation.RuleFunc {
	return func(value any) error {
		if d, _ := value.(time.Duration); d <= other {
			return errors.New(msg)
		}
		return nil
	}
}

func (c Config) GetSigningKey() string             { return c.SigningKey }
func (c Config) GetRefreshSigningKey() string      { return c.RefreshSigningKey }
func (c Config) GetSigningKeyID() string           { return c.SigningKeyID }
func (c Config) GetAccessTokenTTL() time.Duration  { return c.AccessTokenTTL }
func (c Config) GetRefreshTokenTTL() time.Duration { return c.RefreshTokenTTL }
func (c Config) GetIssuer() string                 { return c.Issuer }
func (c Config) GetAudience() []string             { return c.Audience }
func (c Config) GetTokenLookup() string            { return c.TokenLookup }
func (c Config) GetAuthScheme() string             { return c.AuthScheme }
func (c Config) GetContextKey() string             { return c.ContextKey }
func (c Config) GetRefreshCookieName() string      { return c.RefreshCookieName }
func (c Config) GetCookieSecure() bool             { return c.CookieSecure }
