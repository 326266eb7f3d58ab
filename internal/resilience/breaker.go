package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/metrics"
)

// ErrOpen is the sentinel matched by errors.Is for any open-circuit
// failure. The concrete error is *OpenError, which names the breaker.
var ErrOpen = errors.New("circuit open")

// OpenError is returned while a breaker fails fast; no call to the
// underlying dependency is attempted.
type OpenError struct {
	Name  string
	Until time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.Until.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig configures one named breaker. A sliding window of the last
// Window outcomes is kept while closed; reaching FailureThreshold failures
// within it opens the circuit for OpenTimeout. After that a single trial
// call is let through; SuccessThreshold consecutive successes close the
// breaker again, one failure reopens it.
type BreakerConfig struct {
	Window           int
	FailureThreshold int
	OpenTimeout      time.Duration
	SuccessThreshold int
	// IsFailure decides which errors count against the breaker.
	// Nil means Retryable: expected domain outcomes (conflicts,
	// not-found) never trip the circuit.
	IsFailure func(error) bool
}

// DefaultBreakerConfig matches the liveness store's failure profile.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:           20,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c BreakerConfig) validate() error {
	if c.Window < 1 {
		return fmt.Errorf("breaker window must be >= 1, got %d", c.Window)
	}
	if c.FailureThreshold < 1 || c.FailureThreshold > c.Window {
		return fmt.Errorf("breaker failure threshold %d outside window %d", c.FailureThreshold, c.Window)
	}
	if c.OpenTimeout <= 0 {
		return errors.New("breaker open timeout must be positive")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	return nil
}

// Breaker is a named three-state circuit breaker. Breakers are per
// downstream dependency so independent dependencies fail independently.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     State
	outcomes  []bool // ring of recent outcomes while closed; true = failure
	next      int
	filled    int
	openedAt  time.Time
	trials    int  // consecutive half-open successes
	inFlight  bool // at most one half-open trial at a time
	nowFunc   func() time.Time
	isFailure func(error) bool
}

// NewBreaker constructs a breaker; the config is validated here.
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = Retryable
	}
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		state:     StateClosed,
		outcomes:  make([]bool, cfg.Window),
		nowFunc:   time.Now,
		isFailure: isFailure,
	}
	metrics.SetBreakerState(name, StateClosed.String())
	return b, nil
}

func (b *Breaker) Name() string { return b.name }

// CurrentState returns the state as observed now, accounting for an open
// timeout that has elapsed but not yet been probed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do executes op under the breaker. While open it fails immediately with
// *OpenError; the underlying operation is not attempted.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	release, err := b.acquire()
	if err != nil {
		return err
	}
	opErr := op(ctx)
	release(opErr)
	return opErr
}

// acquire decides whether a call may proceed and returns the function that
// must record its outcome.
func (b *Breaker) acquire() (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	switch b.state {
	case StateOpen:
		until := b.openedAt.Add(b.cfg.OpenTimeout)
		if now.Before(until) {
			metrics.IncBreakerRejected(b.name)
			return nil, &OpenError{Name: b.name, Until: until}
		}
		b.setState(StateHalfOpen)
		b.trials = 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight {
			return nil, &OpenError{Name: b.name, Until: b.openedAt.Add(b.cfg.OpenTimeout)}
		}
		b.inFlight = true
	case StateClosed:
	}
	return b.record, nil
}

func (b *Breaker) record(err error) {
	failed := err != nil && b.isFailure(err)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.push(failed)
		if b.failuresInWindow() >= b.cfg.FailureThreshold {
			b.openedAt = b.nowFunc()
			b.resetWindow()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.inFlight = false
		if failed {
			// one failed trial reopens and restarts the timeout
			b.openedAt = b.nowFunc()
			b.trials = 0
			b.setState(StateOpen)
			return
		}
		b.trials++
		if b.trials >= b.cfg.SuccessThreshold {
			b.resetWindow()
			b.setState(StateClosed)
		}
	case StateOpen:
		// late outcome from before the transition; ignored
	}
}

func (b *Breaker) push(failed bool) {
	b.outcomes[b.next] = failed
	b.next = (b.next + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}
}

func (b *Breaker) failuresInWindow() int {
	n := 0
	for i := 0; i < b.filled; i++ {
		if b.outcomes[i] {
			n++
		}
	}
	return n
}

func (b *Breaker) resetWindow() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.filled = 0
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	metrics.IncBreakerTransition(b.name, b.state.String(), s.String())
	b.state = s
	metrics.SetBreakerState(b.name, s.String())
}
