// Package breaker implements a circuit breaker around the AI provider.
//
// The breaker stops calling a failing dependency for a cooldown period, then
// cautiously probes recovery with a limited number of trial calls:
//
//	CLOSED ──[failure threshold]──► OPEN ──[reset timeout]──► HALF_OPEN
//	   ▲                              ▲                           │
//	   └──────[2 successes]───────────┴────────[failure]──────────┘
package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the current mode of the circuit breaker.
type State int

const (
	// StateClosed is normal operation; calls pass through.
	StateClosed State = iota

	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits trial calls to test whether the dependency recovered.
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is returned to callers rejected while the circuit is open.
var ErrCircuitOpen = errors.New("breaker: circuit is open")

// historySize bounds the recent-outcome log kept for health reporting.
const historySize = 100

// Config controls breaker thresholds and timing.
type Config struct {
	// FailureThreshold is consecutive failures before opening. Default 5.
	FailureThreshold int

	// SuccessThreshold is successes in HALF_OPEN needed to close. Default 2.
	SuccessThreshold int

	// ResetTimeout is how long to stay OPEN before admitting a trial call.
	// Default 30s.
	ResetTimeout time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Outcome is one entry in the bounded request history.
type Outcome struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	State      State
	RetryAfter time.Duration // Set when rejected; hint for the caller
}

// Snapshot is a point-in-time view of breaker state for health reporting.
type Snapshot struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptAt   time.Time `json:"next_attempt_at,omitempty"`
	History         []Outcome `json:"history"`
}

// Breaker is a process-wide circuit breaker, safe for concurrent use.
// Construct one per protected dependency at startup and inject it.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailure   time.Time
	nextAttemptAt time.Time
	history       []Outcome
}

// New creates a Breaker in the CLOSED state. Zero config fields take defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// SetClock overrides the breaker's time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow checks whether a call may proceed. It must be consulted before every
// individual attempt, not once per retry sequence, so the breaker sees raw
// call outcomes. An OPEN breaker past its reset timeout transitions to
// HALF_OPEN and admits the call as a trial.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		now := b.now()
		if now.Before(b.nextAttemptAt) {
			return Decision{
				Allowed:    false,
				State:      StateOpen,
				RetryAfter: b.nextAttemptAt.Sub(now),
			}
		}
		b.transition(StateHalfOpen)
	}

	return Decision{Allowed: true, State: b.state}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendHistory(true)

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
		return
	}
	b.failureCount = 0
}

// RecordFailure reports a failed call outcome. A failure during HALF_OPEN
// re-opens the circuit immediately, discarding partial success progress.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendHistory(false)
	b.failureCount++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen {
		b.open("failed during recovery trial")
		return
	}
	if b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold {
		b.open("failure threshold reached")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's state and recent history.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := make([]Outcome, len(b.history))
	copy(hist, b.history)
	return Snapshot{
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
		NextAttemptAt:   b.nextAttemptAt,
		History:         hist,
	}
}

// open trips the circuit. Caller must hold b.mu.
func (b *Breaker) open(reason string) {
	b.nextAttemptAt = b.now().Add(b.cfg.ResetTimeout)
	log.Printf("breaker: circuit opened (%s), next attempt at %s", reason, b.nextAttemptAt.Format(time.RFC3339))
	b.transition(StateOpen)
}

// transition moves to a new state and resets counters. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failureCount = 0
	b.successCount = 0
	log.Printf("breaker: state %s -> %s", from, to)
}

// appendHistory records an outcome, evicting the oldest entry past the cap.
// Caller must hold b.mu.
func (b *Breaker) appendHistory(success bool) {
	b.history = append(b.history, Outcome{Timestamp: b.now(), Success: success})
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
}
