// Package resilience protects conversation setup against a failing speech
// service.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// counts failed connects per service. [Failover] puts one breaker in front of
// each configured [s2s.Provider] and dials them in order, skipping services
// whose breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

// String returns the name of the state.
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

// BreakerConfig holds the tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful probes that close the breaker
	// again. Default: 1.
	HalfOpenMax int `yaml:"half_open_max"`

	// Ignore reports errors that say nothing about the health of the service,
	// such as a rejected credential or a cancelled context. They are passed
	// through without being counted.
	Ignore func(error) bool `yaml:"-"`

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// Now replaces time.Now.
	Now func() time.Time `yaml:"-"`
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int // probes admitted in the current half-open window
	probeWins int
}

// NewBreaker creates a closed [Breaker]. Zero-value fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil && b.cfg.Ignore != nil && b.cfg.Ignore(err) {
		b.release(probe)
		return err
	}
	b.record(probe, err)
	return err
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
		b.probes, b.probeWins = 0, 0
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

	b.changed(from, to)
	return probe, nil
}

// release hands back a probe slot for an ignored result.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err != nil && probe:
		b.state = StateOpen
		b.openedAt = b.cfg.Now()
	case err != nil:
		b.failures++
		if b.failures >= b.cfg.MaxFailures && b.state == StateClosed {
			b.state = StateOpen
			b.openedAt = b.cfg.Now()
		}
	case probe:
		b.probeWins++
		if b.probeWins >= b.cfg.HalfOpenMax && b.state == StateHalfOpen {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		switch to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", failures, "err", err)
		case StateClosed:
			slog.Info("circuit breaker closed", "name", b.cfg.Name)
		}
	}
	b.changed(from, to)
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.mu.Unlock()
	b.changed(from, StateClosed)
}
