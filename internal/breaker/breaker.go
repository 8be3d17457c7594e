package breaker

import (
	"sync"
	"time"

	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// State of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker is a failure-counting proxy around one PBX operation class.
// CLOSED passes calls through and counts consecutive failures; after
// FailThreshold failures it opens. OPEN short-circuits without touching
// the network until Timeout has elapsed, then the next call probes in
// HALF-OPEN: success closes the breaker, failure re-opens it.
type Breaker struct {
	name          string
	failThreshold int
	timeout       time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time

	now func() time.Time
}

// Config holds breaker settings
type Config struct {
	FailThreshold int
	Timeout       time.Duration
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Breaker{
		name:          name,
		failThreshold: cfg.FailThreshold,
		timeout:       cfg.Timeout,
		state:         StateClosed,
		now:           time.Now,
	}
}

// Allow reports whether a call may proceed. In HALF-OPEN exactly the
// probing call is admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			logger.WithField("breaker", b.name).Info("Circuit breaker half-open, probing")
			return true
		}
		return false
	case StateHalfOpen:
		// Another probe is already in flight
		return false
	}
	return false
}

// RecordSuccess resets the breaker after a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		logger.WithField("breaker", b.name).Info("Circuit breaker closed")
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a failed call. Any error from the wrapped call
// counts, including structured ok=false results.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		logger.WithField("breaker", b.name).Warn("Circuit breaker re-opened after failed probe")
	case StateClosed:
		b.failures++
		if b.failures >= b.failThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			logger.WithField("breaker", b.name).
				WithField("failures", b.failures).
				Warn("Circuit breaker opened")
		}
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name returns the operation class this breaker protects
func (b *Breaker) Name() string {
	return b.name
}
