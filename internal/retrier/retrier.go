// Package retrier runs store commands again when they fail with a transient error.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	minMaxAttempts = 1
	minBaseDelay   = time.Millisecond
	minFactor      = 1.0
	maxJitter      = 1.0
	maxDelayCap    = time.Minute
)

// ExponentialBackoff multiplies the delay by Factor after every attempt.
// LinearBackoff grows the delay by BaseDelay after every attempt.
// FibonacciBackoff follows the Fibonacci sequence scaled by BaseDelay.
const (
	ExponentialBackoff BackoffStrategy = iota
	LinearBackoff
	FibonacciBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned when the base delay parameter is invalid.
	ErrInvalidBaseDelay = errors.New("base delay must be at least 1ms")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
	// ErrAttemptsExhausted wraps the last error once every attempt failed.
	ErrAttemptsExhausted = errors.New("max retry attempts reached")
)

// BackoffStrategy selects how delays grow between attempts.
type BackoffStrategy int

// Settings holds retry parameters.
type Settings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Strategy    BackoffStrategy
}

// Retrier executes a function until it succeeds, fails permanently or runs out of attempts.
type Retrier struct {
	settings  Settings
	retryable func(error) bool

	fibMu  sync.Mutex
	fibSeq []time.Duration
}

// New validates settings and returns a Retrier. A nil retryable falls back to IsTemporary.
func New(settings Settings, retryable func(error) bool) (*Retrier, error) {
	if settings.MaxAttempts < minMaxAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	if settings.BaseDelay < minBaseDelay {
		return nil, ErrInvalidBaseDelay
	}
	if settings.Factor < minFactor {
		return nil, ErrInvalidFactor
	}
	if settings.Jitter < 0 || settings.Jitter > maxJitter {
		return nil, ErrInvalidJitter
	}
	if settings.MaxDelay < settings.BaseDelay {
		settings.MaxDelay = settings.BaseDelay
	}
	if retryable == nil {
		retryable = IsTemporary
	}

	return &Retrier{
		settings:  settings,
		retryable: retryable,
		fibSeq:    []time.Duration{settings.BaseDelay, settings.BaseDelay},
	}, nil
}

// Run executes fn, retrying while the returned error is retryable.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.settings.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return err
		}
		if attempt == r.settings.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(r.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if r.settings.MaxAttempts == 1 {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
}

// Delay returns the wait before the attempt following the given zero-based attempt.
func (r *Retrier) Delay(attempt int) time.Duration {
	var delay float64

	switch r.settings.Strategy {
	case LinearBackoff:
		delay = float64(r.settings.BaseDelay) * float64(attempt+1)
	case FibonacciBackoff:
		delay = float64(r.fibonacci(attempt))
	default:
		delay = float64(r.settings.BaseDelay) * math.Pow(r.settings.Factor, float64(attempt))
	}

	if delay > float64(r.settings.MaxDelay) {
		delay = float64(r.settings.MaxDelay)
	}
	if r.settings.Jitter > 0 {
		delay += rand.Float64() * r.settings.Jitter * delay
	}
	if delay > float64(maxDelayCap) {
		delay = float64(maxDelayCap)
	}
	return time.Duration(delay)
}

func (r *Retrier) fibonacci(attempt int) time.Duration {
	r.fibMu.Lock()
	defer r.fibMu.Unlock()

	for len(r.fibSeq) <= attempt {
		n := len(r.fibSeq)
		next := r.fibSeq[n-1] + r.fibSeq[n-2]
		if next > r.settings.MaxDelay {
			next = r.settings.MaxDelay
		}
		r.fibSeq = append(r.fibSeq, next)
	}
	return r.fibSeq[attempt]
}
