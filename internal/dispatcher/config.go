package dispatcher

import (
	"errors"
	"time"
)

// Config tunes the dispatch loop.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	// Concurrency is the number of entries one process handles at once.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"5"`
	// SendSpacing is the minimum gap between two sends from this process. Zero disables it.
	SendSpacing time.Duration `env:"EMAIL_SEND_SPACING" envDefault:"2s"`
	// RetryAttempts is the total number of send attempts before an intent is marked failed.
	// Permanent delivery errors (mailer.IsPermanent) skip the remaining attempts.
	RetryAttempts int `env:"RETRY_ATTEMPTS" envDefault:"3"`
	// RetryBackoffBase is the delay after the first failed attempt. It doubles per attempt.
	RetryBackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"5s"`
	PollInterval     time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"1s"`
	SendTimeout      time.Duration `env:"DISPATCH_SEND_TIMEOUT" envDefault:"30s"`
	// StoreTimeout bounds every record, limiter and queue call made for one entry.
	StoreTimeout time.Duration `env:"DISPATCH_STORE_TIMEOUT" envDefault:"10s"`
	// UnavailableDelay postpones entries while the mail transport breaker is open.
	UnavailableDelay time.Duration `env:"DISPATCH_UNAVAILABLE_DELAY" envDefault:"30s"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		SendSpacing:      2 * time.Second,
		RetryAttempts:    3,
		RetryBackoffBase: 5 * time.Second,
		PollInterval:     time.Second,
		SendTimeout:      30 * time.Second,
		StoreTimeout:     10 * time.Second,
		UnavailableDelay: 30 * time.Second,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.SendSpacing < 0 || c.RetryBackoffBase < 0 || c.UnavailableDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PollInterval <= 0 || c.SendTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("poll interval, send timeout and store timeout must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// storeCallsPerEntry is the longest chain of store calls on one entry:
// load, acquire, then a record write and a queue write.
const storeCallsPerEntry = 4

// MaxEntryDuration is the longest one entry can stay in processing: every
// store call timing out, the send timing out, and a full round of spacing
// waits behind the other slots. Leases shorter than this can expire under a
// live worker.
func (c Config) MaxEntryDuration() time.Duration {
	return storeCallsPerEntry*c.StoreTimeout + c.SendTimeout + time.Duration(c.Concurrency)*c.SendSpacing
}

// backoff returns the delay before the next attempt after attempt failures.
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		if d > time.Hour*24 {
			break
		}
		d *= 2
	}
	return d
}
