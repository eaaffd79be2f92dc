// Package resilience provides reliability patterns for backing-store calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker around calls to a backing store.
// It opens after maxFailures consecutive failures, rejects calls until the
// timeout elapses, then admits a single trial call. A successful trial call closes the
// circuit; a failed one reopens it.
type Breaker struct {
	name string

	mu          sync.Mutex
	state       State
	failures    int
	probing     bool
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	onChange    func(name string, from, to State)
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// OnStateChange registers fn to be called (with the breaker lock released)
// on every state transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit admits the call.
// Returns ErrCircuitOpen if it does not.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext runs fn with ctx if the circuit admits the call. An error
// caused by ctx itself being cancelled is returned but not counted as a
// backend failure.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release()
		return err
	}

	b.mu.Lock()
	from := b.state
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	to, notify := b.state, b.onChange
	b.mu.Unlock()

	if from != to && notify != nil {
		notify(b.name, from, to)
	}
	return err
}

// Do runs fn through b and returns its result.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.ExecuteContext(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	var (
		allowed bool
		from    = b.state
	)
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	to, notify := b.state, b.onChange
	b.mu.Unlock()

	if from != to && notify != nil {
		notify(b.name, from, to)
	}
	return allowed
}

// release gives up a half-open trial slot without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.probing = false
	b.state = StateClosed
}
