package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Event names emitted by the save queue.
const (
	EventStatus         = "save:status"
	EventSynced         = "save:synced"
	EventFailed         = "save:failed"
	EventStorageWarning = "save:storage-warning"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: decouples services from the transport that
// reaches the editor (MCP notifications, logs)
// ─────────────────────────────────────────────────────────────

// EventEmitter is how services report progress to the editor. Implementations
// must not call back into the emitting service.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes events to a zap logger at debug level.
type LogEmitter struct {
	Log *zap.Logger
}

func (e LogEmitter) Emit(_ context.Context, event string, data any) {
	if e.Log == nil {
		return
	}
	e.Log.Debug("event", zap.String("event", event), zap.Any("data", data))
}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event string, data any) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event, data)
		}
	}
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, EmittedEvent{Event: event, Data: data})
}

// Events returns a copy of everything emitted so far.
func (m *MockEmitter) Events() []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmittedEvent(nil), m.events...)
}

// Count returns how many times event was emitted.
func (m *MockEmitter) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
