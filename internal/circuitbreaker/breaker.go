// Package circuitbreaker fails payment provider calls fast while the
// provider is unhealthy. Each provider operation ("capture", "transfer", ...)
// has its own circuit.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ticketescrow/internal/clock"
)

// State is a circuit's position.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected
	StateHalfOpen              // one probe in flight
)

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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketescrow",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// ErrOpen is returned by Execute while a circuit rejects calls.
var ErrOpen = errors.New("circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

type transition struct {
	key      string
	from, to State
}

// Breaker holds one circuit per key. A circuit opens after threshold
// consecutive failures, and after cooldown lets a single probe through.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	clock        clock.Clock
	onTransition func(key string, from, to State)
}

// New creates a breaker on the wall clock. Non-positive arguments fall back
// to 5 failures and 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	return NewWithClock(threshold, cooldown, clock.NewSystem())
}

// NewWithClock is New with an injected clock.
func NewWithClock(threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
	}
}

// OnTransition registers a callback for state changes. It runs
// synchronously, outside the breaker lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit past
// its cooldown moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		b.mu.Unlock()
		return true
	}

	var tr *transition
	allowed := false
	if c.state == StateOpen && b.clock.Now().Sub(c.openedAt) >= b.cooldown {
		tr = b.move(c, key, StateHalfOpen)
		allowed = true
	}
	b.mu.Unlock()

	b.notify(tr)
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
// A late success from a call admitted before the circuit opened leaves it
// open.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	var tr *transition
	if c, ok := b.circuits[key]; ok && c.state != StateOpen {
		c.failures = 0
		tr = b.move(c, key, StateClosed)
	}
	b.mu.Unlock()

	b.notify(tr)
}

// RecordFailure counts a failure. A failed probe reopens the circuit; a
// closed circuit opens once failures reach the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++

	var tr *transition
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.clock.Now()
		tr = b.move(c, key, StateOpen)
	}
	b.mu.Unlock()

	b.notify(tr)
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// move changes state under b.mu and returns the transition to report.
func (b *Breaker) move(c *circuit, key string, to State) *transition {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	return &transition{key: key, from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	b.mu.Lock()
	fn := b.onTransition
	b.mu.Unlock()
	if fn != nil {
		fn(tr.key, tr.from, tr.to)
	}
}

// Execute runs fn if the circuit for key allows it. Only errors for which
// isFailure returns true count against the circuit; a declined card says
// nothing about provider health.
func (b *Breaker) Execute(key string, isFailure func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && isFailure(err) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}
