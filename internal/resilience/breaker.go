// Package resilience provides reliability patterns for external service calls:
// providers, delivery channels, embeddings and the tool server.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker for protecting external calls.
// It opens after maxFailures consecutive failures and rejects calls until
// timeout elapses, then lets a probe through (half-open).
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	ignore      func(error) bool
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Named sets the name used in state-change logs.
func (b *Breaker) Named(name string) *Breaker {
	b.name = name
	return b
}

// Ignoring sets a predicate for errors that are returned to the caller but do
// not count as failures (e.g. validation or 4xx responses). Context
// cancellation by the caller is always ignored.
func (b *Breaker) Ignoring(fn func(error) bool) *Breaker {
	b.ignore = fn
	return b
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && !b.ignored(err) {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return err
}

// ExecuteContext is Execute for context-aware calls.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.Execute(func() error { return fn(ctx) })
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *Breaker) ignored(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return b.ignore != nil && b.ignore(err)
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.setState(stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.setState(stateOpen)
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.setState(stateClosed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s state) {
	if b.state == s {
		return
	}
	if b.name != "" {
		slog.Warn("circuit breaker state change", "breaker", b.name, "from", b.state.String(), "to", s.String())
	}
	b.state = s
}

// Group lazily creates one breaker per key, e.g. one per tool endpoint or
// delivery channel, so a failing dependency does not trip the others.
type Group struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	timeout     time.Duration
	ignore      func(error) bool
}

// NewGroup creates a breaker group with shared settings.
func NewGroup(maxFailures int, timeout time.Duration, ignore func(error) bool) *Group {
	return &Group{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
		ignore:      ignore,
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = NewBreaker(g.maxFailures, g.timeout).Named(key).Ignoring(g.ignore)
		g.breakers[key] = b
	}
	return b
}
