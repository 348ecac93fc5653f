// Package boot reconciles the persisted session with the backend once per
// process start and publishes a readiness signal that outgoing requests wait on.
package boot

import (
	"context"
	"sync"
)

type State string

const (
	StatePending         State = "pending"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

// Readiness is a one-shot signal. The first Resolve wins; it is never reset.
type Readiness struct {
	mu    sync.Mutex
	done  chan struct{}
	state State
}

func NewReadiness() *Readiness {
	return &Readiness{
		done:  make(chan struct{}),
		state: StatePending,
	}
}

// Resolve settles the signal. It reports false if it was already settled.
func (r *Readiness) Resolve(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return false
	default:
	}
	r.state = state
	close(r.done)
	return true
}

// Wait blocks until the signal is settled or ctx ends.
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Readiness) Done() <-chan struct{} {
	return r.done
}

func (r *Readiness) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
