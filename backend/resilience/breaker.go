// Package resilience wraps calls to downstream dependencies with
// retries, per-attempt timeouts and a circuit breaker. One Breaker is
// constructed per named dependency and shared by all callers.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxAttempts      = 3
	defaultBackoff          = 100 * time.Millisecond
	defaultMaxBackoff       = time.Second
	defaultTimeout          = 2 * time.Second
	defaultWindowSize       = 10
	defaultFailureThreshold = 0.5
	defaultOpenTimeout      = 10 * time.Second
	defaultHalfOpenMax      = 2
)

var (
	// ErrOpen is returned when the breaker short-circuits a call.
	ErrOpen = errors.New("circuit breaker is open")
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type Config struct {
	// MaxAttempts is the total number of tries per Do call, including
	// the first. Zero means defaults throughout.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles per
	// retry up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// FailureThreshold is the failure rate over the last WindowSize
	// calls that trips the breaker.
	FailureThreshold float64
	WindowSize       int
	// OpenTimeout is how long the breaker short-circuits before
	// admitting trial calls.
	OpenTimeout time.Duration
	// HalfOpenMax caps how many trial calls are admitted while
	// half-open; all of them must succeed to close the breaker again.
	HalfOpenMax int
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return cfg
}

type Breaker struct {
	logger zerolog.Logger
	name   string
	cfg    Config

	mx       sync.Mutex
	state    state
	window   []bool // true == failure, ring buffer of call outcomes
	pos      int
	filled   int
	openedAt time.Time
	trials   int // trial calls admitted since entering half-open
	trialOK  int

	now func() time.Time // overridable in tests
}

func NewBreaker(name string, cfg Config, logger *zerolog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		logger: logger.With().Str("component", "breaker").Str("dependency", name).Logger(),
		name:   name,
		cfg:    cfg,
		window: make([]bool, cfg.WindowSize),
		now:    time.Now,
	}
}

// Do runs op with per-attempt timeouts and capped exponential backoff
// between attempts. It returns ErrOpen without calling op when the
// breaker is open. The final outcome, after retries, counts as one
// call toward the failure window.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	var err error
	backoff := b.cfg.Backoff
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		err = b.attempt(ctx, op)
		if err == nil {
			b.record(false)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < b.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > b.cfg.MaxBackoff {
				backoff = b.cfg.MaxBackoff
			}
		}
	}
	b.record(true)
	return err
}

func (b *Breaker) attempt(ctx context.Context, op func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	return op(attemptCtx)
}

// State reports the current breaker state name, for logs and stats.
func (b *Breaker) State() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.state.String()
}

func (b *Breaker) allow() bool {
	b.mx.Lock()
	defer b.mx.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.transition(stateHalfOpen)
		b.trials++
		return true
	default: // half-open, admit a bounded number of trial calls
		if b.trials >= b.cfg.HalfOpenMax {
			return false
		}
		b.trials++
		return true
	}
}

func (b *Breaker) record(failed bool) {
	b.mx.Lock()
	defer b.mx.Unlock()

	switch b.state {
	case stateHalfOpen:
		if failed {
			b.openedAt = b.now()
			b.transition(stateOpen)
			return
		}
		b.trialOK++
		if b.trialOK >= b.cfg.HalfOpenMax {
			b.transition(stateClosed)
		}
	case stateClosed:
		b.window[b.pos] = failed
		b.pos = (b.pos + 1) % b.cfg.WindowSize
		if b.filled < b.cfg.WindowSize {
			b.filled++
		}
		if b.filled == b.cfg.WindowSize && b.failureRate() >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(stateOpen)
		}
	case stateOpen:
		// late result from a call admitted before the trip, ignore
	}
}

func (b *Breaker) failureRate() float64 {
	var failures int
	for _, failed := range b.window {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(b.cfg.WindowSize)
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next state) {
	if b.state == next {
		return
	}
	b.logger.Warn().
		Str("from", b.state.String()).
		Str("to", next.String()).
		Msg("breaker state changed")
	b.state = next
	b.trials = 0
	b.trialOK = 0
	if next == stateClosed {
		b.window = make([]bool, b.cfg.WindowSize)
		b.pos = 0
		b.filled = 0
	}
}
