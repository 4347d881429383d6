package service

import (
	"context"
	"sync"
)

// flightGuard admits one flush per project. Each running flush owns a
// channel that is closed when it ends, so callers can wait on it.
type flightGuard struct {
	mu      sync.Mutex
	flights map[string]chan struct{}
}

// TryLock claims projectID. False means a flush already holds it.
func (g *flightGuard) TryLock(projectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.flights[projectID]; busy {
		return false
	}
	if g.flights == nil {
		g.flights = make(map[string]chan struct{})
	}
	g.flights[projectID] = make(chan struct{})
	return true
}

// Unlock releases a claim taken by TryLock.
func (g *flightGuard) Unlock(projectID string) {
	g.mu.Lock()
	done, ok := g.flights[projectID]
	delete(g.flights, projectID)
	g.mu.Unlock()
	if ok {
		close(done)
	}
}

func (g *flightGuard) Running(projectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flights[projectID]
	return ok
}

// WaitAll waits for the flushes running when it is called. It gives up when
// ctx is done.
func (g *flightGuard) WaitAll(ctx context.Context) {
	g.mu.Lock()
	pending := make([]chan struct{}, 0, len(g.flights))
	for _, done := range g.flights {
		pending = append(pending, done)
	}
	g.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}
