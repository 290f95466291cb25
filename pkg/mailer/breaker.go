package mailer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker around a Sender.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `env:"MAIL_BREAKER_MAX_REQUESTS" envDefault:"1"`
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration `env:"MAIL_BREAKER_INTERVAL" envDefault:"1m"`
	// Timeout is how long the breaker stays open.
	Timeout time.Duration `env:"MAIL_BREAKER_TIMEOUT" envDefault:"30s"`
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `env:"MAIL_BREAKER_FAILURES" envDefault:"5"`
}

// Breaker guards a Sender with a circuit breaker. While open, Send returns
// ErrUnavailable immediately. Permanent failures do not count against the transport.
type Breaker struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. State changes are logged through log.
func NewBreaker(next Sender, cfg BreakerConfig, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	failures := max(cfg.ConsecutiveFailures, 1)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mail-sender",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("mail circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Send(ctx context.Context, email *Email) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, email)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

// State reports the breaker state for health checks.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Healthcheck fails while the breaker is open.
func (b *Breaker) Healthcheck() func(context.Context) error {
	return func(context.Context) error {
		if b.cb.State() == gobreaker.StateOpen {
			return ErrUnavailable
		}
		return nil
	}
}
