package runner

import (
	"context"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// ExecutionControl lets long running loops cooperate with pause and shutdown.
type ExecutionControl interface {
	WaitIfPaused(ctx context.Context) error
	Done() <-chan struct{}
	CancelCause() error
}

// Gate is a manual ExecutionControl. Worker loops call WaitIfPaused before
// taking the next item.
type Gate struct {
	mu sync.RWMutex

	paused   bool
	resumeCh chan struct{}
	doneCh   chan struct{}
	cause    error
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{
		resumeCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (g *Gate) WaitIfPaused(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	for {
		g.mu.RLock()
		paused := g.paused
		resume := g.resumeCh
		done := g.doneCh
		cause := g.cause
		g.mu.RUnlock()

		if !paused {
			select {
			case <-done:
				return cause
			default:
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return cause
		case <-resume:
		}
	}
}

func (g *Gate) Done() <-chan struct{} {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.doneCh
}

func (g *Gate) CancelCause() error {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cause
}

// Paused reports whether the gate is holding waiters.
func (g *Gate) Paused() bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Pause blocks future WaitIfPaused calls until Resume is called.
func (g *Gate) Pause() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused || g.isClosed() {
		return
	}
	g.paused = true
	g.resumeCh = make(chan struct{})
}

// Resume unblocks waiters created by Pause.
func (g *Gate) Resume() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumeCh)
}

// Close releases every waiter with cause. A nil cause becomes a
// DISPATCH_FAILURE error.
func (g *Gate) Close(cause error) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isClosed() {
		return
	}
	if cause == nil {
		cause = durable.NewError(durable.ErrDispatchFailure, "gate closed", nil, nil)
	}
	g.cause = cause
	if g.paused {
		g.paused = false
		close(g.resumeCh)
	}
	close(g.doneCh)
}

func (g *Gate) isClosed() bool {
	select {
	case <-g.doneCh:
		return true
	default:
		return false
	}
}
