// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/dmitrymomot/postman/internal/dispatcher"
	"github.com/dmitrymomot/postman/pkg/db"
	"github.com/dmitrymomot/postman/pkg/logger"
	"github.com/dmitrymomot/postman/pkg/mailer"
	"github.com/dmitrymomot/postman/pkg/mailer/resend"
	"github.com/dmitrymomot/postman/pkg/mailer/smtp"
	"github.com/dmitrymomot/postman/pkg/redis"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Mail providers.
const (
	ProviderLog    = "log"
	ProviderResend = "resend"
	ProviderSMTP   = "smtp"
)

type Config struct {
	HTTPAddress     string        `env:"HTTP_ADDRESS" envDefault:":4000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	MaxEmailsPerHour int    `env:"MAX_EMAILS_PER_HOUR" envDefault:"200"`
	RateLimitPrefix  string `env:"RATE_LIMIT_PREFIX" envDefault:"email_rate"`
	// QueuePrefix keeps a {hash tag} so every queue key lands on one cluster slot.
	QueuePrefix  string        `env:"QUEUE_PREFIX" envDefault:"postman:{dispatch}"`
	LeaseTimeout time.Duration `env:"DISPATCH_LEASE_TIMEOUT" envDefault:"5m"`

	// ReconcileSchedule is a 5-field cron expression. Empty disables the periodic pass.
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"*/5 * * * *"`
	StatsTTL          time.Duration `env:"STATS_TTL" envDefault:"2s"`

	MailProvider string `env:"MAIL_PROVIDER" envDefault:"log"`

	Dispatch dispatcher.Config
	Database db.Config
	Redis    redis.Config
	Logger   logger.Config
	Breaker  mailer.BreakerConfig
	Resend   resend.Config
	SMTP     smtp.Config
}

// Load reads .env when present, then the process environment.
// Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return parse(env.Options{})
}

// FromMap parses configuration from vars only. Used by tests and tooling.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, errors.Join(ErrInvalid, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.MaxEmailsPerHour <= 0 {
		errs = append(errs, errors.New("MAX_EMAILS_PER_HOUR must be positive"))
	}
	switch c.MailProvider {
	case ProviderLog, ProviderSMTP:
	case ProviderResend:
		if c.Resend.APIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY is required for the resend provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MAIL_PROVIDER %q", c.MailProvider))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if worst := c.Dispatch.MaxEntryDuration(); c.LeaseTimeout <= worst {
		errs = append(errs, fmt.Errorf("DISPATCH_LEASE_TIMEOUT must exceed %s, the longest an entry can stay in processing", worst))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}
