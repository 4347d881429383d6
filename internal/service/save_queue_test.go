package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"designer/internal/backoff"
	"designer/internal/diff"
	"designer/internal/domain"
	"designer/internal/offline"
	"designer/internal/remote"
	"designer/internal/service"
	"designer/internal/storage"
)

// fakeRemote records payloads. saveFn, when set, decides the outcome.
type fakeRemote struct {
	mu       sync.Mutex
	payloads []domain.SavePayload
	saveFn   func(ctx context.Context, p domain.SavePayload) error
}

func (f *fakeRemote) Save(ctx context.Context, p domain.SavePayload) error {
	f.mu.Lock()
	fn := f.saveFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, p); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) setSave(fn func(ctx context.Context, p domain.SavePayload) error) {
	f.mu.Lock()
	f.saveFn = fn
	f.mu.Unlock()
}

func (f *fakeRemote) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.payloads))
	for i, p := range f.payloads {
		out[i] = p.Seq
	}
	return out
}

type harness struct {
	queue   *service.SaveQueue
	store   *offline.Store
	kv      storage.KV
	remote  *fakeRemote
	events  *service.MockEmitter
	metrics *service.Metrics
}

// manualOptions disables every timer-driven flush so tests decide when to flush.
func manualOptions() service.SaveQueueOptions {
	return service.SaveQueueOptions{
		DebounceWindow: 20 * time.Millisecond,
		FlushDelay:     10 * time.Millisecond,
		AutoFlush:      false,
		ResumeOnInit:   false,
		MaxParallel:    4,
		Retry:          backoff.Policy{Initial: time.Hour, Max: time.Hour, Factor: 2},
	}
}

func newHarness(t *testing.T, kv storage.KV, opts service.SaveQueueOptions) *harness {
	t.Helper()
	if kv == nil {
		kv = storage.NewMemoryKV()
	}
	logger := zaptest.NewLogger(t)
	h := &harness{
		store:   offline.NewStore(kv, nil, logger),
		kv:      kv,
		remote:  &fakeRemote{},
		events:  &service.MockEmitter{},
		metrics: service.NewMetrics(prometheus.NewRegistry()),
	}
	h.queue = service.NewSaveQueue(h.store, h.remote, opts, h.events, logger, h.metrics)
	require.NoError(t, h.queue.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.queue.Teardown(ctx))
	})
	return h
}

func setTitle(v string) diff.Delta {
	return diff.Delta{{Path: "/title", Op: diff.OpSet, Value: v}}
}

func TestEnqueueSave_PendingUntilFlushed(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	ctx := context.Background()

	job, err := h.queue.EnqueueSave("p1", setTitle("Home"))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint64(1), job.Seq)
	assert.Equal(t, domain.JobPending, job.Status)

	assert.True(t, h.queue.HasPendingSaves("p1"))
	assert.Equal(t, 1, h.queue.PendingSaveCount("p1"))
	stored, err := h.store.HasPendingSaves("p1")
	require.NoError(t, err)
	assert.True(t, stored, "job must be durable before EnqueueSave returns")

	require.NoError(t, h.queue.FlushQueue(ctx, "p1"))

	assert.False(t, h.queue.HasPendingSaves("p1"))
	assert.Equal(t, 0, h.queue.PendingSaveCount("p1"))
	stored, err = h.store.HasPendingSaves("p1")
	require.NoError(t, err)
	assert.False(t, stored)

	snap, err := h.queue.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, "Home", snap.State["title"])
	assert.Equal(t, 1, h.events.Count(service.EventSynced))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsEnqueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Flushes.WithLabelValues("ok")))
}

func TestEnqueueSave_EmptyDeltaIsNoop(t *testing.T) {
	h := newHarness(t, nil, manualOptions())

	job, err := h.queue.EnqueueSave("p1", nil)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, h.queue.HasPendingSaves("p1"))
}

func TestEnqueueSave_RejectsInvalidDelta(t *testing.T) {
	h := newHarness(t, nil, manualOptions())

	_, err := h.queue.EnqueueSave("p1", diff.Delta{{Path: "title", Op: diff.OpSet, Value: 1}})
	assert.True(t, errors.Is(err, diff.ErrInvalidPath), "got %v", err)
	assert.Equal(t, 0, h.queue.PendingSaveCount("p1"))
}

func TestFlushQueue_SendsInEnqueueOrder(t *testing.T) {
	h := newHarness(t, nil, manualOptions())

	for i := 1; i <= 5; i++ {
		_, err := h.queue.EnqueueSave("p1", setTitle(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, h.queue.FlushQueue(context.Background(), "p1"))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, h.remote.seqs())
	for i, p := range h.remote.payloads {
		assert.Equal(t, uint64(i), p.BaseSeq, "payload %d", i)
	}
	snap, err := h.queue.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, "v5", snap.State["title"])
}

func TestFlushQueue_FailureKeepsJobs(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	h.remote.setSave(func(context.Context, domain.SavePayload) error {
		return errors.New("network down")
	})

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)
	_, err = h.queue.EnqueueSave("p1", setTitle("b"))
	require.NoError(t, err)

	err = h.queue.FlushQueue(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")

	assert.Equal(t, 2, h.queue.PendingSaveCount("p1"))
	assert.False(t, h.queue.IsSyncing("p1"))

	st := h.queue.Status("p1")
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 1, st.Failed)
	assert.Contains(t, st.LastError, "network down")
	assert.True(t, st.NextRetryAt.After(time.Now()))
	assert.Equal(t, 1, h.events.Count(service.EventFailed))

	jobs, err := h.store.LoadQueue("p1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.JobFailed, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	// Recovers on the next attempt.
	h.remote.setSave(nil)
	require.NoError(t, h.queue.FlushQueue(context.Background(), "p1"))
	assert.Equal(t, 0, h.queue.PendingSaveCount("p1"))
	assert.Empty(t, h.queue.Status("p1").LastError)
}

func TestFlushQueue_OneFlightPerProject(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	started := make(chan struct{})
	release := make(chan struct{})
	h.remote.setSave(func(ctx context.Context, p domain.SavePayload) error {
		if p.ProjectID == "p1" && p.Seq == 1 {
			close(started)
			<-release
		}
		return nil
	})

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)
	_, err = h.queue.EnqueueSave("p2", setTitle("b"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.queue.FlushQueue(context.Background(), "p1") }()
	<-started

	assert.True(t, h.queue.IsSyncing("p1"))
	assert.ErrorIs(t, h.queue.FlushQueue(context.Background(), "p1"), service.ErrFlushInProgress)

	// Edits during the flush are queued, not sent by it.
	_, err = h.queue.EnqueueSave("p1", setTitle("c"))
	require.NoError(t, err)

	// Another project is not blocked.
	require.NoError(t, h.queue.FlushQueue(context.Background(), "p2"))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.queue.IsSyncing("p1"))
	assert.Equal(t, 1, h.queue.PendingSaveCount("p1"))
}

func TestClearProjectQueue_OnlyTargetProject(t *testing.T) {
	h := newHarness(t, nil, manualOptions())

	for _, id := range []string{"p1", "p2"} {
		_, err := h.queue.EnqueueSave(id, setTitle(id))
		require.NoError(t, err)
	}

	h.queue.ClearProjectQueue("p1")

	assert.False(t, h.queue.HasPendingSaves("p1"))
	assert.Equal(t, 1, h.queue.PendingSaveCount("p2"))
	p1, _ := h.store.HasPendingSaves("p1")
	p2, _ := h.store.HasPendingSaves("p2")
	assert.False(t, p1)
	assert.True(t, p2)
}

func TestClearProjectQueue_CancelsInFlightFlush(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	started := make(chan struct{})
	h.remote.setSave(func(ctx context.Context, p domain.SavePayload) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.queue.FlushQueue(context.Background(), "p1") }()
	<-started

	h.queue.ClearProjectQueue("p1")
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.queue.PendingSaveCount("p1"))
	assert.Empty(t, h.queue.Status("p1").LastError, "result of a cleared flush must be discarded")
	assert.Empty(t, h.remote.seqs())
}

func TestClearAllQueue(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	for _, id := range []string{"p1", "p2"} {
		_, err := h.queue.EnqueueSave(id, setTitle(id))
		require.NoError(t, err)
	}
	h.queue.ClearAllQueue()
	assert.Empty(t, h.store.PendingProjects())
	assert.Equal(t, 0, h.queue.PendingSaveCount("p1"))
	assert.Equal(t, 0, h.queue.PendingSaveCount("p2"))
}

func TestScheduleSave_CoalescesEdits(t *testing.T) {
	opts := manualOptions()
	opts.DebounceWindow = 100 * time.Millisecond
	h := newHarness(t, nil, opts)

	base := domain.DesignerState{"title": "Draft", "blocks": []any{}}
	require.NoError(t, h.queue.OpenProject("p1", base))

	for _, title := range []string{"D", "Do", "Don", "Done"} {
		require.NoError(t, h.queue.ScheduleSave("p1", domain.DesignerState{"title": title, "blocks": []any{}}))
	}
	assert.True(t, h.queue.HasPendingSaves("p1"))
	assert.Equal(t, 0, h.queue.PendingSaveCount("p1"))

	require.Eventually(t, func() bool { return h.queue.PendingSaveCount("p1") == 1 }, 2*time.Second, 5*time.Millisecond)

	jobs, err := h.store.LoadQueue("p1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"/title"}, jobs[0].Delta.Paths())
	assert.Equal(t, "Done", jobs[0].Delta[0].Value)

	// A save identical to the last enqueued state produces no job.
	require.NoError(t, h.queue.ScheduleSave("p1", domain.DesignerState{"title": "Done", "blocks": []any{}}))
	require.NoError(t, h.queue.CloseProject("p1"))
	assert.Equal(t, 1, h.queue.PendingSaveCount("p1"))
}

func TestCloseProject_CommitsDebouncedEdit(t *testing.T) {
	opts := manualOptions()
	opts.DebounceWindow = time.Hour
	h := newHarness(t, nil, opts)

	require.NoError(t, h.queue.OpenProject("p1", domain.DesignerState{"title": "a"}))
	require.NoError(t, h.queue.ScheduleSave("p1", domain.DesignerState{"title": "b"}))
	require.NoError(t, h.queue.CloseProject("p1"))

	assert.Equal(t, 1, h.queue.PendingSaveCount("p1"))
	assert.ErrorIs(t, h.queue.CloseProject("nope"), service.ErrUnknownProject)
}

func TestOpenProject_KeepsSnapshotWhenJobsQueued(t *testing.T) {
	h := newHarness(t, nil, manualOptions())

	require.NoError(t, h.queue.OpenProject("p1", domain.DesignerState{"title": "a"}))
	_, err := h.queue.EnqueueSave("p1", setTitle("b"))
	require.NoError(t, err)

	require.NoError(t, h.queue.OpenProject("p1", domain.DesignerState{"title": "b"}))
	snap, err := h.queue.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, "a", snap.State["title"])

	require.NoError(t, h.queue.FlushQueue(context.Background(), "p1"))
	snap, err = h.queue.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, "b", snap.State["title"])
}

func TestDeleteProject_ClearsSnapshot(t *testing.T) {
	h := newHarness(t, nil, manualOptions())

	require.NoError(t, h.queue.OpenProject("p1", domain.DesignerState{"title": "a"}))
	_, err := h.queue.EnqueueSave("p1", setTitle("b"))
	require.NoError(t, err)

	h.queue.DeleteProject("p1")

	_, err = h.queue.Snapshot("p1")
	assert.ErrorIs(t, err, service.ErrUnknownProject)
	assert.False(t, h.queue.HasPendingSaves("p1"))
	assert.Empty(t, h.queue.Projects())
}

func TestInit_RecoversPersistedQueue(t *testing.T) {
	kv := storage.NewMemoryKV()
	seed := offline.NewStore(kv, nil, zaptest.NewLogger(t))
	require.NoError(t, seed.SaveSnapshot(domain.Snapshot{
		ProjectID: "p1", Seq: 2, State: domain.DesignerState{"title": "two"},
	}))
	now := time.Now().UTC()
	require.NoError(t, seed.PersistQueue("p1", []domain.SaveJob{
		{ID: "old", ProjectID: "p1", Seq: 2, Delta: setTitle("two"), Status: domain.JobPending, CreatedAt: now},
		{ID: "j3", ProjectID: "p1", Seq: 3, Delta: setTitle("three"), Status: domain.JobInFlight, CreatedAt: now},
		{ID: "j4", ProjectID: "p1", Seq: 4, Delta: setTitle("four"), Status: domain.JobFailed, CreatedAt: now},
	}))

	h := newHarness(t, kv, manualOptions())

	assert.Equal(t, 2, h.queue.PendingSaveCount("p1"), "jobs already folded into the snapshot are dropped")
	st := h.queue.Status("p1")
	assert.Equal(t, uint64(2), st.LastSyncedSeq)
	assert.Equal(t, 1, st.Failed)

	job, err := h.queue.EnqueueSave("p1", setTitle("five"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), job.Seq)

	require.NoError(t, h.queue.FlushQueue(context.Background(), "p1"))
	assert.Equal(t, []uint64{3, 4, 5}, h.remote.seqs())
	assert.Equal(t, uint64(2), h.remote.payloads[0].BaseSeq)
}

func TestInit_ResumesRecoveredQueues(t *testing.T) {
	kv := storage.NewMemoryKV()
	seed := offline.NewStore(kv, nil, zaptest.NewLogger(t))
	require.NoError(t, seed.PersistQueue("p1", []domain.SaveJob{
		{ID: "j1", ProjectID: "p1", Seq: 1, Delta: setTitle("x"), Status: domain.JobPending},
	}))

	opts := manualOptions()
	opts.ResumeOnInit = true
	h := newHarness(t, kv, opts)

	require.Eventually(t, func() bool { return len(h.remote.seqs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.queue.HasPendingSaves("p1") }, 2*time.Second, 5*time.Millisecond)
}

func TestAutoFlush_AfterEnqueue(t *testing.T) {
	opts := manualOptions()
	opts.AutoFlush = true
	h := newHarness(t, nil, opts)

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.queue.PendingSaveCount("p1") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1}, h.remote.seqs())
}

func TestFlushQueue_StaleRemoteGetsFullDocument(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	require.NoError(t, h.queue.OpenProject("p1", domain.DesignerState{"title": "a", "w": 1}))
	_, err := h.queue.EnqueueSave("p1", setTitle("b"))
	require.NoError(t, err)
	require.NoError(t, h.queue.FlushQueue(context.Background(), "p1"))

	h.remote.setSave(func(_ context.Context, p domain.SavePayload) error {
		if p.BaseSeq > 0 {
			return fmt.Errorf("behind: %w", remote.ErrStaleSeq)
		}
		return nil
	})
	_, err = h.queue.EnqueueSave("p1", setTitle("c"))
	require.NoError(t, err)
	require.NoError(t, h.queue.FlushQueue(context.Background(), "p1"))

	last := h.remote.payloads[len(h.remote.payloads)-1]
	assert.Equal(t, uint64(2), last.Seq)
	assert.Equal(t, uint64(0), last.BaseSeq)
	require.Len(t, last.Delta, 1)
	assert.Equal(t, "", last.Delta[0].Path)
	assert.Equal(t, map[string]any{"title": "c", "w": 1}, last.Delta[0].Value)
}

func TestClearProjectQueue_EditAfterClearStillFlushes(t *testing.T) {
	opts := manualOptions()
	opts.AutoFlush = true
	h := newHarness(t, nil, opts)

	started := make(chan struct{})
	release := make(chan struct{})
	h.remote.setSave(func(_ context.Context, p domain.SavePayload) error {
		if p.Delta[0].Value == "a" {
			close(started)
			<-release
		}
		return nil
	})

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)
	<-started

	h.queue.ClearProjectQueue("p1")
	_, err = h.queue.EnqueueSave("p1", setTitle("b"))
	require.NoError(t, err)
	assert.True(t, h.queue.IsSyncing("p1"), "the cleared flush is still running")
	close(release)

	require.Eventually(t, func() bool { return h.queue.PendingSaveCount("p1") == 0 }, 2*time.Second, 5*time.Millisecond)
	h.remote.mu.Lock()
	last := h.remote.payloads[len(h.remote.payloads)-1]
	h.remote.mu.Unlock()
	assert.Equal(t, "b", last.Delta[0].Value)
}

func TestFlushQueue_CallerCancelSchedulesRetry(t *testing.T) {
	opts := manualOptions()
	opts.Retry = backoff.Policy{Initial: 20 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}
	h := newHarness(t, nil, opts)

	started := make(chan struct{})
	var once sync.Once
	h.remote.setSave(func(ctx context.Context, p domain.SavePayload) error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.queue.FlushQueue(ctx, "p1") }()
	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, h.queue.PendingSaveCount("p1"))

	require.Eventually(t, func() bool { return h.queue.PendingSaveCount("p1") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1}, h.remote.seqs())
}

func TestAutoFlush_EditDuringFlushIsSentNext(t *testing.T) {
	opts := manualOptions()
	opts.AutoFlush = true
	h := newHarness(t, nil, opts)

	started := make(chan struct{})
	release := make(chan struct{})
	h.remote.setSave(func(_ context.Context, p domain.SavePayload) error {
		if p.Seq == 1 {
			close(started)
			<-release
		}
		return nil
	})

	_, err := h.queue.EnqueueSave("p1", setTitle("a"))
	require.NoError(t, err)
	<-started
	_, err = h.queue.EnqueueSave("p1", setTitle("b"))
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return h.queue.PendingSaveCount("p1") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, h.remote.seqs())
}

func TestFlushQueue_RenumbersWhenAnotherWriterIsAhead(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	shared, err := remote.NewSQLStore("sqlite", filepath.Join(t.TempDir(), "remote.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	device := func() *service.SaveQueue {
		store := offline.NewStore(storage.NewMemoryKV(), nil, logger)
		q := service.NewSaveQueue(store, shared, manualOptions(), &service.MockEmitter{}, logger, nil)
		require.NoError(t, q.Init(ctx))
		t.Cleanup(func() { assert.NoError(t, q.Teardown(ctx)) })
		return q
	}
	a, b := device(), device()

	for _, title := range []string{"a1", "a2", "a3"} {
		_, err := a.EnqueueSave("p1", setTitle(title))
		require.NoError(t, err)
	}
	require.NoError(t, a.FlushQueue(ctx, "p1"))

	_, err = b.EnqueueSave("p1", setTitle("device-B"))
	require.NoError(t, err)
	require.NoError(t, b.FlushQueue(ctx, "p1"))
	assert.Equal(t, 0, b.PendingSaveCount("p1"))

	doc, seq, err := shared.Document(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, "device-B", doc["title"])

	snap, err := b.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Seq)
	job, err := b.EnqueueSave("p1", setTitle("device-B again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), job.Seq)
}

func TestFlushAll_FlushesEveryProject(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.queue.EnqueueSave(id, setTitle(id))
		require.NoError(t, err)
	}
	require.NoError(t, h.queue.FlushAll(context.Background()))
	for _, st := range h.queue.Projects() {
		assert.Equal(t, 0, st.Pending, st.ProjectID)
	}
	assert.Len(t, h.remote.seqs(), 3)
}

func TestFlushDue_SkipsProjectsInBackoff(t *testing.T) {
	h := newHarness(t, nil, manualOptions())
	h.remote.setSave(func(_ context.Context, p domain.SavePayload) error {
		if p.ProjectID == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	for _, id := range []string{"bad", "good"} {
		_, err := h.queue.EnqueueSave(id, setTitle(id))
		require.NoError(t, err)
	}
	require.Error(t, h.queue.FlushAll(context.Background()))

	h.remote.setSave(nil)
	_, err := h.queue.EnqueueSave("good", setTitle("again"))
	require.NoError(t, err)
	require.NoError(t, h.queue.FlushDue(context.Background()))

	assert.Equal(t, 1, h.queue.PendingSaveCount("bad"), "retry time has not passed")
	assert.Equal(t, 0, h.queue.PendingSaveCount("good"))
}

func TestStorageWarning_WhenOfflineStoreDegrades(t *testing.T) {
	db, err := storage.New(t.TempDir() + "/offline.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h := newHarness(t, storage.NewSQLiteKV(db, 64), manualOptions())

	big := diff.Delta{{Path: "/body", Op: diff.OpSet, Value: string(make([]byte, 256))}}
	_, err = h.queue.EnqueueSave("p1", big)
	require.NoError(t, err, "quota errors must not fail the enqueue")

	assert.Equal(t, 1, h.queue.PendingSaveCount("p1"))
	assert.Equal(t, 1, h.events.Count(service.EventStorageWarning))
	assert.True(t, h.store.Degraded())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.OfflineDegraded))
}

func TestTeardown_PersistsAndCloses(t *testing.T) {
	kv := storage.NewMemoryKV()
	logger := zaptest.NewLogger(t)
	store := offline.NewStore(kv, nil, logger)
	opts := manualOptions()
	opts.DebounceWindow = time.Hour
	q := service.NewSaveQueue(store, &fakeRemote{}, opts, &service.MockEmitter{}, logger, nil)
	require.NoError(t, q.Init(context.Background()))

	require.NoError(t, q.OpenProject("p1", domain.DesignerState{}))
	require.NoError(t, q.ScheduleSave("p1", domain.DesignerState{"title": "unsaved"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Teardown(ctx))
	require.NoError(t, q.Teardown(ctx))

	jobs, err := store.LoadQueue("p1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "unsaved", jobs[0].Delta[0].Value)

	_, err = q.EnqueueSave("p1", setTitle("late"))
	assert.ErrorIs(t, err, service.ErrClosed)
	assert.ErrorIs(t, q.FlushQueue(context.Background(), "p1"), service.ErrClosed)
}
