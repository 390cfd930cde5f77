package ensemble

import (
	"sync"
	"time"

	"github.com/tremor/tremor/pkg/clock"
)

// BreakerState is the state of a worker circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets runs through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails runs immediately.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe runs through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// OpenTimeout is how long a breaker stays open before probing again.
	OpenTimeout time.Duration
	// MaxHalfOpenRuns caps concurrent probe runs while half-open.
	MaxHalfOpenRuns int
	// OnStateChange is called on every transition (optional).
	OnStateChange func(worker string, from, to BreakerState)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		MaxHalfOpenRuns:  1,
	}
}

// Breaker guards a single remote worker. A worker that keeps failing is not
// contacted again until OpenTimeout has passed.
type Breaker struct {
	mu     sync.Mutex
	config *BreakerConfig
	clock  clock.Clock
	worker string

	state        BreakerState
	failures     int
	successes    int
	openedAt     time.Time
	halfOpenRuns int

	totalOpens int64
}

// NewBreaker creates a closed breaker for worker.
func NewBreaker(worker string, config *BreakerConfig, clk clock.Clock) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		config: config,
		clock:  clk,
		worker: worker,
		state:  BreakerClosed,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState resolves an expired open state to half-open. Must be called with mu held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.clock.Since(b.openedAt) >= b.config.OpenTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a run may contact the worker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch state := b.currentState(); state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.state == BreakerOpen {
			b.transition(BreakerOpen, BreakerHalfOpen)
		}
		if b.halfOpenRuns < b.config.MaxHalfOpenRuns {
			b.halfOpenRuns++
			return true
		}
	}
	return false
}

// RecordSuccess records a successful exchange with the worker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch state := b.currentState(); state {
	case BreakerHalfOpen:
		b.successes++
		if b.halfOpenRuns > 0 {
			b.halfOpenRuns--
		}
		if b.successes >= b.config.SuccessThreshold {
			b.transition(state, BreakerClosed)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure records a transport error or server error from the worker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch state := b.currentState(); state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(state, BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(state, BreakerOpen)
	}
}

// transition moves the breaker to state. Must be called with mu held.
func (b *Breaker) transition(from, to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.halfOpenRuns = 0
	if to == BreakerOpen {
		b.openedAt = b.clock.Now()
		b.totalOpens++
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.worker, from, to)
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(b.currentState(), BreakerClosed)
}

// BreakerStats is a snapshot of one breaker.
type BreakerStats struct {
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
	TotalOpens int64     `json:"total_opens"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:      b.currentState().String(),
		Failures:   b.failures,
		OpenedAt:   b.openedAt,
		TotalOpens: b.totalOpens,
	}
}

// Breakers holds one breaker per remote worker, keyed by host.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   *BreakerConfig
	clock    clock.Clock
}

// NewBreakers creates an empty breaker set.
func NewBreakers(config *BreakerConfig, clk clock.Clock) *Breakers {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breakers{
		breakers: make(map[string]*Breaker),
		config:   config,
		clock:    clk,
	}
}

// Get returns the breaker for worker, creating it on first use.
func (r *Breakers) Get(worker string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[worker]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[worker]; ok {
		return b
	}
	b = NewBreaker(worker, r.config, r.clock)
	r.breakers[worker] = b
	return b
}

// Stats returns a snapshot of every breaker.
func (r *Breakers) Stats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for worker, b := range r.breakers {
		stats[worker] = b.Stats()
	}
	return stats
}

// ResetAll closes every breaker.
func (r *Breakers) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
