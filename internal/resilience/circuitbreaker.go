// Package resilience provides the circuit breaker that guards calls to
// storage backends.
//
// A [Breaker] is a three-state breaker (closed, open, half-open). After
// MaxFailures consecutive failures it rejects calls with [ErrCircuitOpen]
// until ResetTimeout has passed, then lets HalfOpenMax probe calls through.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels the breaker in logs.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// IsFailure decides which errors count against the breaker. Context
	// cancellation never counts. Default: every other non-nil error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called with the old and new state after
	// every transition. It runs with the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// New creates a [Breaker]. Zero-valued fields of cfg take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn when the breaker allows it and records the outcome. It
// returns [ErrCircuitOpen] without calling fn while the breaker is open or
// its probe budget is used up.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, b.counts(err))
	return err
}

func (b *Breaker) counts(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.probeSuccesses = 0, 0
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = b.state == StateHalfOpen
	if probe {
		b.probes++
	}
	to := b.state
	b.mu.Unlock()
	b.transitioned(from, to)
	return probe, nil
}

func (b *Breaker) record(probe, failed bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case probe && failed:
		b.state = StateOpen
		b.openedAt = b.cfg.Now()
	case probe:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
		}
	case failed:
		b.consecutiveFail++
		if b.state == StateClosed && b.consecutiveFail >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.cfg.Now()
		}
	default:
		b.consecutiveFail = 0
	}
	to := b.state
	fails := b.consecutiveFail
	b.mu.Unlock()
	if from != to {
		b.transitioned(from, to, "consecutive_failures", fails)
	}
}

func (b *Breaker) transitioned(from, to State, attrs ...any) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	args := append([]any{"name", b.cfg.Name, "from", from.String(), "to", to.String()}, attrs...)
	b.cfg.Logger.Log(context.Background(), level, "circuit breaker state changed", args...)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probes, b.probeSuccesses = 0, 0
	b.mu.Unlock()
	b.transitioned(from, StateClosed, "manual", true)
}
