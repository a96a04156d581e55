// Package resilience provides the per-step circuit breaker, retry with backoff
// and the fallback cascade that turns every step error into a terminal result.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a bounded number of trial requests.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open
// or every half-open trial slot is taken.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures, all within
	// FailureWindow, that opens the circuit. Default: 5.
	FailureThreshold int

	// FailureWindow bounds how far apart the failures of one streak may be.
	// A failure arriving after the window restarts the streak. Default: 60s.
	FailureWindow time.Duration

	// ResetTimeout is how long the circuit stays open before the next call
	// moves it to half-open. Default: 60s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes caps concurrent trial calls in half-open. Default: 1.
	HalfOpenMaxProbes int

	// SuccessThreshold is the number of consecutive trial successes needed to
	// close the circuit. Default: 1.
	SuccessThreshold int

	// ShouldTrip optionally overrides which errors count as failures. If nil,
	// every non-nil error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker name on every transition. It
	// runs under the breaker lock and must not call back into the breaker.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		ResetTimeout:      60 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// Ticket is issued by Allow and handed back to Record or Cancel.
type Ticket struct {
	probe bool
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name                string       `json:"name"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
	InFlightProbes      int          `json:"in_flight_probes"`
	LastFailure         time.Time    `json:"last_failure"`
	NextRetryAt         time.Time    `json:"next_retry_at"`
}

// CircuitBreaker implements the circuit breaker pattern for a single step name.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	streakStart         time.Time
	lastFailureTime     time.Time
	openedAt            time.Time
	halfOpenSuccesses   int
	inFlightProbes      int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the step name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit rejects the request.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := cb.Allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.Record(t, err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	t, err := cb.Allow()
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.Record(t, err)
	return val, err
}

// Allow decides whether a call may proceed. An open circuit whose reset
// timeout has elapsed moves to half-open and the caller becomes a trial.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return Ticket{}, ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.halfOpenSuccesses = 0
		cb.inFlightProbes = 1
		return Ticket{probe: true}, nil
	case CircuitHalfOpen:
		if cb.inFlightProbes >= cb.cfg.HalfOpenMaxProbes {
			return Ticket{}, ErrCircuitOpen
		}
		cb.inFlightProbes++
		return Ticket{probe: true}, nil
	default:
		return Ticket{}, nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(t Ticket, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.probe && cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}

	if err == nil || !shouldTrip(err) {
		cb.recordSuccess(t)
		return
	}
	cb.recordFailure(t)
}

// Cancel returns a ticket without recording an outcome, for calls that were
// answered without reaching the step.
func (cb *CircuitBreaker) Cancel(t Ticket) {
	if !t.probe {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}
}

func (cb *CircuitBreaker) recordSuccess(t Ticket) {
	switch cb.state {
	case CircuitHalfOpen:
		// Late results from calls admitted while closed do not count as trials.
		if !t.probe {
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(CircuitClosed)
			cb.consecutiveFailures = 0
			cb.halfOpenSuccesses = 0
			cb.inFlightProbes = 0
		}
	case CircuitClosed:
		cb.consecutiveFailures = 0
	}
}

func (cb *CircuitBreaker) recordFailure(t Ticket) {
	now := cb.nowFunc()
	cb.lastFailureTime = now

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures == 0 || now.Sub(cb.streakStart) > cb.cfg.FailureWindow {
			cb.consecutiveFailures = 0
			cb.streakStart = now
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open(now)
		}
	case CircuitHalfOpen:
		if !t.probe {
			return
		}
		// Any trial failure reopens the circuit.
		cb.consecutiveFailures++
		cb.open(now)
	case CircuitOpen:
		cb.consecutiveFailures++
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.transition(CircuitOpen)
	cb.openedAt = now
	cb.halfOpenSuccesses = 0
	cb.inFlightProbes = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.inFlightProbes = 0
}

// Counters returns the current failure count and state for observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

// Snapshot returns the breaker's current state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
		InFlightProbes:      cb.inFlightProbes,
		LastFailure:         cb.lastFailureTime,
	}
	if cb.state == CircuitOpen {
		s.NextRetryAt = cb.openedAt.Add(cb.cfg.ResetTimeout)
	}
	return s
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// BreakerSet holds one circuit breaker per step name, shared by every run.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	nowFunc  func() time.Time
}

// NewBreakerSet creates an empty set whose breakers share cfg.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named step, creating one if needed.
func (bs *BreakerSet) Get(name string) *CircuitBreaker {
	bs.mu.RLock()
	cb, ok := bs.breakers[name]
	bs.mu.RUnlock()
	if ok {
		return cb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = bs.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, bs.cfg)
	if bs.nowFunc != nil {
		cb.nowFunc = bs.nowFunc
	}
	bs.breakers[name] = cb
	return cb
}

// States returns the state of every known breaker.
func (bs *BreakerSet) States() map[string]CircuitState {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	states := make(map[string]CircuitState, len(bs.breakers))
	for name, cb := range bs.breakers {
		states[name] = cb.State()
	}
	return states
}

// Snapshots returns every breaker's snapshot ordered by name.
func (bs *BreakerSet) Snapshots() []Snapshot {
	bs.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(bs.breakers))
	for _, cb := range bs.breakers {
		list = append(list, cb)
	}
	bs.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
