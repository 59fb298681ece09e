// Package retry implements the exponential backoff used for initial
// connection attempts. It is the only place in netsock that retries.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/die-net/netsock/internal/config"
	"github.com/die-net/netsock/internal/metrics"
)

// ErrNetworkUnreachable is returned once every attempt has failed.
var ErrNetworkUnreachable = errors.New("network unreachable")

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = time.Second
)

const (
	PropMaxRetries = "netsock.connect.maxRetries"
	PropBaseDelay  = "netsock.connect.baseDelay"
	PropMaxDelay   = "netsock.connect.maxDelay"
)

type Config struct {
	// MaxRetries is the total number of attempts. Zero means DefaultMaxRetries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Sleep blocks between attempts. Nil means time.Sleep.
	Sleep func(time.Duration)

	Logger *zerolog.Logger
}

// ConfigFromProperties reads the attempt budget and delays from props.
func ConfigFromProperties(props *config.Properties) Config {
	return Config{
		MaxRetries: props.Int(PropMaxRetries, DefaultMaxRetries),
		BaseDelay:  props.Duration(PropBaseDelay, DefaultBaseDelay),
		MaxDelay:   props.Duration(PropMaxDelay, DefaultMaxDelay),
	}
}

// Retrier runs a connector until it succeeds or the attempt budget is spent.
// Sleeps between attempts block the caller and cannot be cancelled.
type Retrier struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(time.Duration)
	logger     zerolog.Logger
}

func New(cfg Config) *Retrier {
	r := &Retrier{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		sleep:      cfg.Sleep,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = DefaultMaxRetries
	}
	if r.baseDelay <= 0 {
		r.baseDelay = DefaultBaseDelay
	}
	if r.maxDelay <= 0 {
		r.maxDelay = DefaultMaxDelay
	}
	if r.maxDelay < r.baseDelay {
		r.maxDelay = r.baseDelay
	}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	r.logger = base.With().Str("component", "retry").Logger()
	return r
}

// MaxRetries returns the attempt budget.
func (r *Retrier) MaxRetries() int {
	return r.maxRetries
}

// Delay returns the pause after failed attempt n (1-based):
// min(BaseDelay * 2^(n-1), MaxDelay).
func (r *Retrier) Delay(n int) time.Duration {
	d := r.baseDelay
	for i := 1; i < n; i++ {
		if d >= r.maxDelay/2 {
			return r.maxDelay
		}
		d *= 2
	}
	return min(d, r.maxDelay)
}

// Do calls connect until it returns a nil error. After the last failed
// attempt it returns ErrNetworkUnreachable wrapping the final error.
func Do[T any](r *Retrier, connect func() (T, error)) (T, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		v, err := connect()
		metrics.ConnectAttempts.WithLabelValues(metrics.Result(err)).Inc()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == r.maxRetries {
			break
		}
		delay := r.Delay(attempt)
		r.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connect failed, backing off")
		r.sleep(delay)
	}

	var zero T
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrNetworkUnreachable, r.maxRetries, lastErr)
}
