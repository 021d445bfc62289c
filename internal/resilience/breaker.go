// Package resilience guards calls that cross the columnar RPC plane —
// peer Flight endpoints, shuffle sends, catalog gossip pokes — with a
// circuit breaker per destination node plus the retry/backoff policy in
// pkg/retry.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls one breaker's trip and recovery behavior.
type Config struct {
	MaxRequests   uint32 `yaml:"max_requests"`
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	ReadyToTrip   func(counts Counts) bool `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`
	IsSuccessful  func(err error) bool `yaml:"-"`
}

// Counts tracks requests observed during the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	LastActivity         time.Time
}

// Breaker implements the standard three-state circuit breaker pattern,
// keyed to one peer node's RPC endpoint.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a breaker for one peer, filling unset config fields
// with defaults tuned for a gossip cluster of tens to low hundreds of nodes.
func NewBreaker(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 10 &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

func defaultIsSuccessful(err error) bool {
	return err == nil
}

// ErrOpen reports that the breaker is rejecting calls to a suspect peer.
var ErrOpen = swarmerr.Unavailable("resilience", "circuit breaker open")

// ErrTooManyRequests reports that the half-open probe budget is exhausted.
var ErrTooManyRequests = swarmerr.Unavailable("resilience", "too many requests while half-open")

// Execute runs fn if the breaker allows it, tracking the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentStateLocked(now)

	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrTooManyRequests
	}

	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentStateLocked(now)

	if b.config.IsSuccessful(err) {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setStateLocked(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen, now)
	}
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setStateLocked(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setStateLocked(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the breaker's current state, resolving any pending
// timeout-driven transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(time.Now())
}

// Snapshot returns a copy of the current window's counters.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset forces the breaker back to closed, used when a peer is confirmed
// healthy out-of-band (e.g. a gossip alive message after a long partition).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.setStateLocked(StateClosed, time.Now())
}

// Name returns the peer or endpoint this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}
