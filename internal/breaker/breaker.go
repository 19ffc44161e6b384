// Package breaker provides a circuit breaker for calls to slow or
// unavailable collaborators (notification dispatch, external risk
// data). While OPEN, calls short-circuit immediately instead of
// piling up behind a failing dependency.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Breaker trips OPEN after a run of consecutive failures and closes
// again once the reset timeout has elapsed since the last failure,
// checked on a periodic timer. Calls made while OPEN short-circuit
// and do not push the reset out.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	done chan struct{}
}

// New creates a breaker and starts its reset timer.
func New(name string, failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = time.Minute
	}

	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		done:             make(chan struct{}),
	}

	go b.resetLoop()
	return b
}

// Do runs fn through the breaker. Returns ErrOpen without calling fn
// while the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		return nil
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.state == StateClosed && b.failures >= b.failureThreshold {
		b.state = StateOpen
		slog.Warn("circuit breaker opened",
			"breaker", b.name,
			"failures", b.failures,
		)
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// resetLoop periodically closes the breaker once the reset timeout
// has elapsed since the last failure.
func (b *Breaker) resetLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
				b.state = StateClosed
				b.failures = 0
				slog.Info("circuit breaker closed", "breaker", b.name)
			}
			b.mu.Unlock()
		}
	}
}

// Close stops the reset timer.
func (b *Breaker) Close() error {
	close(b.done)
	return nil
}
