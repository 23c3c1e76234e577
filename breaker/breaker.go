// Package breaker guards each shard actor with a circuit breaker.
// Failures within a sliding window trip the circuit; a cooldown later a
// single probe is admitted, and its outcome re-closes or re-opens the
// circuit.
package breaker

import (
	"sync"
	"time"

	"github.com/workersql/workersql/protocol"
)

// State of one circuit.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes every breaker of a Set.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips
	// the circuit.
	FailureThreshold int
	// Window is the sliding interval over which failures accumulate.
	Window time.Duration
	// Cooldown is how long a tripped circuit rejects before admitting a
	// probe.
	Cooldown time.Duration
}

// DefaultConfig mirrors the gateway's flag defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         10 * time.Second,
	}
}

// Breaker is the circuit of a single shard.
type Breaker struct {
	shardID string
	cfg     Config

	mu        sync.Mutex
	state     State
	failures  []time.Time
	trippedAt time.Time
}

// NewBreaker builds a closed circuit for shardID.
func NewBreaker(shardID string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{shardID: shardID, cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed. When the cooldown of an open
// circuit has elapsed, exactly one caller is admitted as the half-open
// probe; concurrent callers keep rejecting until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.trippedAt) < b.cfg.Cooldown {
			return b.rejection()
		}
		b.transition(HalfOpen)
		return nil
	default: // HalfOpen: a probe is in flight.
		return b.rejection()
	}
}

// OnSuccess records a completed call. It closes a half-open circuit and
// resets its counters.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.failures = nil
		b.transition(Closed)
	}
}

// OnFailure records a failed call. The threshold'th failure within the
// window trips the circuit; a failed probe re-opens it.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var now = time.Now()
	switch b.state {
	case HalfOpen:
		b.trip(now)
	case Closed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do wraps fn with the circuit. Transient outcomes count as failures;
// permanent errors prove the shard responsive and count as successes.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	var err = fn()
	if err != nil && protocol.CodeOf(err).IsTransient() {
		b.OnFailure()
	} else {
		b.OnSuccess()
	}
	return err
}

func (b *Breaker) rejection() error {
	rejectedCalls.WithLabelValues(b.shardID).Inc()
	return protocol.NewError(protocol.CodeConnectionError,
		"shard %s circuit is open", b.shardID)
}

func (b *Breaker) trip(now time.Time) {
	b.failures = nil
	b.trippedAt = now
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	b.state = to
	stateTransitions.WithLabelValues(b.shardID, string(to)).Inc()
}

func (b *Breaker) prune(now time.Time) {
	var cutoff = now.Add(-b.cfg.Window)
	var keep = b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	b.failures = keep
}

// Set holds one Breaker per shard.
type Set struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, m: make(map[string]*Breaker)}
}

// For returns the breaker of shardID, creating it closed on first use.
func (s *Set) For(shardID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.m[shardID]
	if !ok {
		b = NewBreaker(shardID, s.cfg)
		s.m[shardID] = b
	}
	return b
}

// States snapshots every known circuit, for status surfaces.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make(map[string]State, len(s.m))
	for id, b := range s.m {
		out[id] = b.State()
	}
	return out
}
