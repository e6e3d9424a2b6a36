// Package retry executes operations with bounded exponential-backoff retries,
// deferring to the circuit breaker for admission control on every attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sakha-crm/assistant/internal/breaker"
)

// ErrRetriesExhausted wraps the last error after all attempts failed.
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// Config controls retry attempts and backoff timing.
type Config struct {
	MaxAttempts       int           // Default 3
	InitialDelay      time.Duration // Default 1s
	BackoffMultiplier float64       // Default 2
	MaxDelay          time.Duration // Default 10s

	// Retryable classifies errors. Non-retryable errors (bad request, auth,
	// validation) fail fast without consuming the remaining attempt budget.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}
}

// Result reports the outcome of a retried operation.
type Result struct {
	Attempts int
}

// Executor runs operations under the retry policy, reporting each raw attempt
// outcome to the breaker. Safe for concurrent use.
type Executor struct {
	cfg Config
	br  *breaker.Breaker

	// sleep is swapped out in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Executor guarded by the given breaker.
// Zero config fields take defaults.
func New(cfg Config, br *breaker.Breaker) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Executor{cfg: cfg, br: br, sleep: sleepCtx}
}

// Do runs op with bounded retries. Before each attempt the breaker is
// consulted; a blocked attempt fails immediately with ErrCircuitOpen without
// counting against the attempt budget or incurring a delay. The breaker is
// informed of every individual success or failure so that trips reflect raw
// call outcomes rather than retry-exhaustion outcomes.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if d := e.br.Allow(); !d.Allowed {
			return Result{Attempts: attempt - 1}, &CircuitOpenError{RetryAfter: d.RetryAfter}
		}

		err := op(ctx)
		if err == nil {
			e.br.RecordSuccess()
			return Result{Attempts: attempt}, nil
		}

		e.br.RecordFailure()
		lastErr = err

		if e.cfg.Retryable != nil && !e.cfg.Retryable(err) {
			return Result{Attempts: attempt}, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		if err := e.sleep(ctx, delay); err != nil {
			return Result{Attempts: attempt}, err
		}
	}

	return Result{Attempts: e.cfg.MaxAttempts}, fmt.Errorf("%w after %d attempts: %w",
		ErrRetriesExhausted, e.cfg.MaxAttempts, lastErr)
}

// backoff computes the delay before the next attempt:
// min(maxDelay, initial*multiplier^(attempt-1)) plus up to 10% uniform jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	base := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.BackoffMultiplier, float64(attempt-1))
	if capped := float64(e.cfg.MaxDelay); base > capped {
		base = capped
	}
	jitter := base * 0.1 * rand.Float64()
	return time.Duration(base + jitter)
}

// CircuitOpenError is returned when the breaker rejects an attempt.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%v (retry after %ds)", breaker.ErrCircuitOpen, e.RetryAfterSeconds())
}

func (e *CircuitOpenError) Unwrap() error { return breaker.ErrCircuitOpen }

// RetryAfterSeconds rounds the cooldown hint up to whole seconds for clients.
func (e *CircuitOpenError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
