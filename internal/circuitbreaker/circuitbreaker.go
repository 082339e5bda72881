// Package circuitbreaker implements a per-provider circuit breaker keyed on
// consecutive failure/success streaks. It short-circuits requests to
// known-bad providers, reducing failover latency from seconds (timeout +
// network) to nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip Closed -> Open
	SuccessThreshold int           // consecutive successes to close Half-Open -> Closed
	OpenTimeout      time.Duration // time in Open before transitioning to Half-Open
}

// DefaultConfig returns sensible defaults: trip after 3 consecutive
// failures, close after 2 consecutive successes, probe after 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a per-provider circuit breaker state machine. A "failure" is
// any network error, timeout, HTTP 5xx, or 429 (see classify.go); any other
// 4xx does not count toward the failure streak.
type Breaker struct {
	mu          sync.Mutex
	state       State
	openedAt    time.Time // when transitioned to Open
	lastUsed    time.Time // for stale eviction
	probing     bool      // true when a half-open probe is in flight
	consecFail  int
	consecOK    int
	failThresh  int
	okThresh    int
	openTimeout time.Duration
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	failThresh := cfg.FailureThreshold
	if failThresh <= 0 {
		failThresh = DefaultConfig().FailureThreshold
	}
	okThresh := cfg.SuccessThreshold
	if okThresh <= 0 {
		okThresh = DefaultConfig().SuccessThreshold
	}
	return &Breaker{
		state:       StateClosed,
		failThresh:  failThresh,
		okThresh:    okThresh,
		openTimeout: cfg.OpenTimeout,
		lastUsed:    time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow checks whether a request should be allowed through.
// Returns true if the request may proceed. In Half-Open, at most one
// concurrent caller is admitted as the exclusive probe.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = StateHalfOpen
			b.consecOK = 0
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome. In Closed, it resets
// the failure streak. In Half-Open, it counts toward SuccessThreshold
// consecutive successes required to close the breaker.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.consecFail = 0

	switch b.state {
	case StateHalfOpen:
		b.consecOK++
		b.probing = false
		if b.consecOK >= b.okThresh {
			b.state = StateClosed
			b.consecOK = 0
		}
	case StateClosed:
		b.consecOK = 0
	}
}

// RecordError records a failed request outcome. Any failure while Half-Open
// reopens the breaker immediately, discarding the partial success streak.
// In Closed, FailureThreshold consecutive failures (any interleaved success
// resets the streak) trips the breaker to Open.
func (b *Breaker) RecordError() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.consecOK = 0

	switch b.state {
	case StateClosed:
		b.consecFail++
		if b.consecFail >= b.failThresh {
			b.state = StateOpen
			b.openedAt = now
			b.consecFail = 0
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
