package service_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"designer/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── flightGuard ─────────────────────────────────────────────

func TestFlightGuard_TryLock(t *testing.T) {
	var g service.FlightGuard

	if !g.TryLock("p1") {
		t.Fatal("expected first TryLock to succeed")
	}
	if g.TryLock("p1") {
		t.Fatal("expected second TryLock for same project to fail")
	}
	if !g.Running("p1") {
		t.Fatal("expected p1 to be running")
	}
	if !g.TryLock("p2") {
		t.Fatal("expected TryLock for different project to succeed")
	}
	g.Unlock("p1")
	g.Unlock("p2")

	if g.Running("p1") {
		t.Fatal("expected p1 to be idle after unlock")
	}
	if !g.TryLock("p1") {
		t.Fatal("expected TryLock to succeed after unlock")
	}
	g.Unlock("p1")
}

func TestFlightGuard_WaitAll(t *testing.T) {
	var g service.FlightGuard

	if !g.TryLock("p1") {
		t.Fatal("expected lock to succeed")
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.WaitAll(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	g.Unlock("p1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAll timed out")
	}
}

func TestFlightGuard_WaitAllGivesUpOnContext(t *testing.T) {
	var g service.FlightGuard
	if !g.TryLock("p1") {
		t.Fatal("expected lock to succeed")
	}
	defer g.Unlock("p1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	g.WaitAll(ctx)
	if time.Since(start) > time.Second {
		t.Fatal("WaitAll ignored the context")
	}
	if !g.Running("p1") {
		t.Fatal("expected p1 to still be running")
	}
}

func TestFlightGuard_UnlockWithoutLockIsHarmless(t *testing.T) {
	var g service.FlightGuard
	g.Unlock("p1")
	g.WaitAll(context.Background())
}

// ── MockEmitter ──────────────────────────────────────────────

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, service.EventStatus, map[string]string{"foo": "bar"})
	m.Emit(ctx, service.EventSynced, nil)
	m.Emit(ctx, service.EventStatus, nil)

	events := m.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Event != service.EventSynced {
		t.Errorf("expected %q, got %q", service.EventSynced, events[1].Event)
	}
	if n := m.Count(service.EventStatus); n != 2 {
		t.Errorf("expected 2 status events, got %d", n)
	}
}

func TestMultiEmitter_FansOut(t *testing.T) {
	a, b := &service.MockEmitter{}, &service.MockEmitter{}
	service.MultiEmitter{a, nil, b}.Emit(context.Background(), "x", 1)
	if a.Count("x") != 1 || b.Count("x") != 1 {
		t.Fatal("expected both emitters to receive the event")
	}
}
