package resilience

import (
	"context"
	"sync"

	"github.com/swarmsql/swarmsql/pkg/retry"
)

// Manager owns one Breaker per peer node and wraps calls through it with
// the engine's default retry policy, so a coordinator fanning out to N
// peers backs off flaky shards without starving healthy ones.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	retryer  *retry.Retryer
}

// NewManager creates a manager that lazily allocates one breaker per peer
// name on first use.
func NewManager(config Config, retryConfig retry.Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		retryer:  retry.New(retryConfig),
	}
}

func (m *Manager) breaker(peer string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[peer]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[peer]; ok {
		return b
	}
	b := NewBreaker(peer, m.config)
	m.breakers[peer] = b
	return b
}

// Call runs fn against peer through its breaker, retrying retryable
// failures per the manager's retry policy. The breaker sees every attempt
// the retryer makes, so repeated Unavailable responses from a dying peer
// still trip it even though retry is masking them from the caller.
func (m *Manager) Call(ctx context.Context, peer string, fn func(context.Context) error) error {
	b := m.breaker(peer)
	return m.retryer.Do(ctx, func(ctx context.Context) error {
		return b.Execute(ctx, fn)
	})
}

// PeerState reports the current breaker state for a peer, or StateClosed
// if no breaker has been allocated for it yet (i.e. never called).
func (m *Manager) PeerState(peer string) State {
	m.mu.RLock()
	b, ok := m.breakers[peer]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Snapshot returns a point-in-time view of every known peer's state and
// counts, used by cluster status reporting.
func (m *Manager) Snapshot() map[string]PeerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]PeerStats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = PeerStats{State: b.State(), Counts: b.Snapshot()}
	}
	return out
}

// Reset clears a peer's breaker, e.g. after an operator-initiated rejoin.
func (m *Manager) Reset(peer string) {
	m.mu.RLock()
	b, ok := m.breakers[peer]
	m.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// PeerStats is a snapshot of one peer's breaker state.
type PeerStats struct {
	State  State
	Counts Counts
}
