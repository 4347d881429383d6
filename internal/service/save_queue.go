package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"designer/internal/backoff"
	"designer/internal/diff"
	"designer/internal/domain"
	"designer/internal/offline"
	"designer/internal/remote"
)

var (
	// ErrFlushInProgress is returned by FlushQueue when the project already
	// has a flush in flight.
	ErrFlushInProgress = errors.New("flush already in progress")
	// ErrUnknownProject is returned for projects the queue has never seen.
	ErrUnknownProject = errors.New("unknown project")
	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("save queue closed")
)

// SaveQueueOptions tunes debounce, flushing and retries.
type SaveQueueOptions struct {
	DebounceWindow time.Duration
	FlushDelay     time.Duration
	AutoFlush      bool
	ResumeOnInit   bool
	MaxParallel    int
	Retry          backoff.Policy
}

// DefaultSaveQueueOptions returns the options used when none are configured.
func DefaultSaveQueueOptions() SaveQueueOptions {
	return SaveQueueOptions{
		DebounceWindow: 500 * time.Millisecond,
		FlushDelay:     time.Second,
		AutoFlush:      true,
		ResumeOnInit:   true,
		MaxParallel:    4,
		Retry:          backoff.Default(),
	}
}

// projectQueue is the in-memory state of one project. Guarded by SaveQueue.mu.
type projectQueue struct {
	id       string
	jobs     []domain.SaveJob // not yet acknowledged, ordered by seq
	snapshot domain.Snapshot
	nextSeq  uint64

	// Editing state, set by OpenProject and ScheduleSave.
	open     bool
	baseline domain.DesignerState // last state turned into a job
	pending  domain.DesignerState // debounced state not yet diffed
	debounce *time.Timer

	flushTimer  *time.Timer
	nextRetryAt time.Time
	cancel      context.CancelFunc
	gen         uint64 // bumped on clear; stale flush results are discarded

	lastError    string
	lastSyncedAt time.Time
}

// current returns the document as it will be once every queued job lands.
func (p *projectQueue) current() (domain.DesignerState, error) {
	if p.baseline != nil {
		return p.baseline, nil
	}
	state := p.snapshot.State
	for _, j := range p.jobs {
		next, err := diff.Apply(state, j.Delta)
		if err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", j.Seq, err)
		}
		state = next
	}
	if state == nil {
		state = domain.DesignerState{}
	}
	return state, nil
}

func (p *projectQueue) jobIndex(id string) int {
	for i := range p.jobs {
		if p.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// SaveQueue turns document edits into ordered, durable save jobs and delivers
// them to a remote, one flush per project at a time.
type SaveQueue struct {
	store   *offline.Store
	remote  remote.Remote
	opts    SaveQueueOptions
	emitter EventEmitter
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	projects map[string]*projectQueue
	closed   bool

	flights flightGuard
	bg      sync.WaitGroup // timer callbacks

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewSaveQueue(store *offline.Store, r remote.Remote, opts SaveQueueOptions, emitter EventEmitter, logger *zap.Logger, metrics *Metrics) *SaveQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = LogEmitter{Log: logger}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry = backoff.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SaveQueue{
		store:      store,
		remote:     r,
		opts:       opts,
		emitter:    emitter,
		log:        logger.Named("save-queue"),
		metrics:    metrics,
		now:        time.Now,
		projects:   make(map[string]*projectQueue),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// ── Lifecycle ───────────────────────────────────────────────

// Init loads every persisted queue. Jobs left in-flight by a previous run go
// back to pending.
func (q *SaveQueue) Init(ctx context.Context) error {
	q.store.SetOnDegraded(q.onStorageDegraded)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	var recovered []string
	for _, id := range q.store.PendingProjects() {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		if _, ok := q.projects[id]; ok {
			continue
		}
		pq, err := q.loadLocked(id)
		if err != nil {
			q.log.Error("skipping unreadable queue", zap.String("project", id), zap.Error(err))
			continue
		}
		if len(pq.jobs) > 0 {
			recovered = append(recovered, id)
		}
	}
	if q.opts.ResumeOnInit {
		for _, id := range recovered {
			q.scheduleFlushLocked(q.projects[id], 0)
		}
	}
	q.mu.Unlock()

	q.log.Info("save queue initialized", zap.Int("recovered", len(recovered)))
	for _, id := range recovered {
		q.emitStatus(id)
	}
	return nil
}

// Teardown commits debounced edits, stops timers, waits for in-flight
// flushes (bounded by ctx) and persists every queue.
func (q *SaveQueue) Teardown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, pq := range q.projects {
		if err := q.commitPendingLocked(pq); err != nil {
			q.log.Error("commit pending edit on teardown", zap.String("project", pq.id), zap.Error(err))
		}
		stopTimer(&pq.flushTimer)
	}
	q.mu.Unlock()

	q.flights.WaitAll(ctx)
	q.cancelBase()
	waitGroup(ctx, &q.bg)

	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for _, pq := range q.projects {
		if err := q.store.PersistQueue(pq.id, pq.jobs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// loadLocked reads a project's snapshot and queue from the offline store and
// registers it. Jobs already folded into the snapshot are dropped.
func (q *SaveQueue) loadLocked(id string) (*projectQueue, error) {
	snap, err := q.store.LoadSnapshot(id)
	if err != nil {
		return nil, err
	}
	jobs, err := q.store.LoadQueue(id)
	if err != nil {
		return nil, err
	}

	pq := &projectQueue{id: id, snapshot: domain.Snapshot{ProjectID: id}}
	if snap != nil {
		pq.snapshot = *snap
	}
	maxSeq := pq.snapshot.Seq
	for _, j := range jobs {
		if j.Seq <= pq.snapshot.Seq {
			continue
		}
		if j.Status == domain.JobInFlight {
			j.Status = domain.JobPending
		}
		pq.jobs = append(pq.jobs, j)
		if j.Seq > maxSeq {
			maxSeq = j.Seq
		}
	}
	pq.nextSeq = maxSeq + 1
	q.projects[id] = pq
	q.metrics.pending(id, len(pq.jobs))
	return pq, nil
}

// projectLocked returns the project, loading it from the offline store on
// first use.
func (q *SaveQueue) projectLocked(id string) (*projectQueue, error) {
	if pq, ok := q.projects[id]; ok {
		return pq, nil
	}
	return q.loadLocked(id)
}

// ── Editing ─────────────────────────────────────────────────

// OpenProject records state as the editing baseline. Without queued jobs the
// snapshot is reset to state; with queued jobs the stored snapshot is kept so
// the jobs still apply on top of it.
func (q *SaveQueue) OpenProject(projectID string, state domain.DesignerState) error {
	norm, err := diff.Normalize(state)
	if err != nil {
		return fmt.Errorf("open project %s: %w", projectID, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	pq, err := q.projectLocked(projectID)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("open project %s: %w", projectID, err)
	}
	stopTimer(&pq.debounce)
	pq.pending = nil
	pq.open = true
	pq.baseline = norm
	if len(pq.jobs) == 0 {
		pq.snapshot = domain.Snapshot{
			ProjectID: projectID,
			Seq:       pq.snapshot.Seq,
			State:     norm,
			SavedAt:   q.now().UTC(),
		}
		err = q.store.SaveSnapshot(pq.snapshot)
	}
	q.mu.Unlock()

	if err != nil {
		return fmt.Errorf("open project %s: %w", projectID, err)
	}
	q.log.Debug("project opened", zap.String("project", projectID))
	q.emitStatus(projectID)
	return nil
}

// ScheduleSave records state as the latest document. Calls within the
// debounce window coalesce into one job diffed against the last enqueued state.
func (q *SaveQueue) ScheduleSave(projectID string, state domain.DesignerState) error {
	norm, err := diff.Normalize(state)
	if err != nil {
		return fmt.Errorf("schedule save %s: %w", projectID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	pq, err := q.projectLocked(projectID)
	if err != nil {
		return fmt.Errorf("schedule save %s: %w", projectID, err)
	}
	if pq.baseline == nil {
		if pq.baseline, err = pq.current(); err != nil {
			return fmt.Errorf("schedule save %s: %w", projectID, err)
		}
	}
	pq.pending = norm
	if pq.debounce != nil {
		pq.debounce.Stop()
	}
	pq.debounce = time.AfterFunc(q.opts.DebounceWindow, func() {
		q.runTimer(func() {
			q.mu.Lock()
			err := q.commitPendingLocked(pq)
			q.mu.Unlock()
			if err != nil {
				q.log.Error("commit debounced edit", zap.String("project", projectID), zap.Error(err))
				return
			}
			q.emitStatus(projectID)
		})
	})
	return nil
}

// commitPendingLocked turns a debounced state into a job.
func (q *SaveQueue) commitPendingLocked(pq *projectQueue) error {
	stopTimer(&pq.debounce)
	if pq.pending == nil {
		return nil
	}
	state := pq.pending
	pq.pending = nil

	base, err := pq.current()
	if err != nil {
		return err
	}
	d, err := diff.Objects(base, state)
	if err != nil {
		return err
	}
	if !diff.HasChanges(d) {
		return nil
	}
	if _, err := q.appendJobLocked(pq, d); err != nil {
		return err
	}
	pq.baseline = state
	return nil
}

// EnqueueSave appends a job for delta and persists the queue before
// returning. An empty delta enqueues nothing and returns nil.
func (q *SaveQueue) EnqueueSave(projectID string, delta diff.Delta) (*domain.SaveJob, error) {
	if !diff.HasChanges(delta) {
		return nil, nil
	}
	d, err := diff.Validate(delta)
	if err != nil {
		return nil, fmt.Errorf("enqueue save %s: %w", projectID, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	pq, err := q.projectLocked(projectID)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("enqueue save %s: %w", projectID, err)
	}
	var nextBaseline domain.DesignerState
	if pq.baseline != nil {
		if nextBaseline, err = diff.Apply(pq.baseline, d); err != nil {
			q.mu.Unlock()
			return nil, fmt.Errorf("enqueue save %s: %w", projectID, err)
		}
	}
	job, err := q.appendJobLocked(pq, d)
	if err == nil && nextBaseline != nil {
		pq.baseline = nextBaseline
	}
	q.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("enqueue save %s: %w", projectID, err)
	}
	q.emitStatus(projectID)
	return &job, nil
}

func (q *SaveQueue) appendJobLocked(pq *projectQueue, d diff.Delta) (domain.SaveJob, error) {
	now := q.now().UTC()
	job := domain.SaveJob{
		ID:        uuid.NewString(),
		ProjectID: pq.id,
		Seq:       pq.nextSeq,
		Delta:     d,
		Status:    domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jobs := append(append([]domain.SaveJob(nil), pq.jobs...), job)
	if err := q.store.PersistQueue(pq.id, jobs); err != nil {
		return domain.SaveJob{}, err
	}
	pq.jobs = jobs
	pq.nextSeq++

	q.metrics.jobEnqueued()
	q.metrics.pending(pq.id, len(pq.jobs))
	q.log.Debug("save enqueued",
		zap.String("project", pq.id), zap.Uint64("seq", job.Seq), zap.String("job", job.ID), zap.Int("changes", len(d)))

	if q.opts.AutoFlush && !q.flights.Running(pq.id) && !q.now().Before(pq.nextRetryAt) {
		q.scheduleFlushLocked(pq, q.opts.FlushDelay)
	}
	return job, nil
}

// ── Flushing ────────────────────────────────────────────────

// FlushQueue delivers the project's queued jobs in seq order. It stops at the
// first failure, marks that job failed, schedules a retry and returns the
// error. Jobs enqueued while the flush runs wait for the next one.
func (q *SaveQueue) FlushQueue(ctx context.Context, projectID string) error {
	if !q.flights.TryLock(projectID) {
		return ErrFlushInProgress
	}
	pq, gen, err := q.flush(ctx, projectID)
	q.flights.Unlock(projectID)

	if pq != nil {
		q.mu.Lock()
		q.afterFlushLocked(projectID, pq, gen, err)
		q.mu.Unlock()
		q.emitStatus(projectID)
	}
	return err
}

func (q *SaveQueue) flush(ctx context.Context, projectID string) (*projectQueue, uint64, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, 0, ErrClosed
	}
	pq, ok := q.projects[projectID]
	if !ok || len(pq.jobs) == 0 {
		q.mu.Unlock()
		return nil, 0, nil
	}
	stopTimer(&pq.flushTimer)
	flushCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pq.cancel = cancel
	gen := pq.gen
	batch := make([]string, len(pq.jobs))
	for i, j := range pq.jobs {
		batch[i] = j.ID
	}
	q.mu.Unlock()
	q.emitStatus(projectID)

	defer func() {
		q.mu.Lock()
		if pq.gen == gen {
			pq.cancel = nil
		}
		q.mu.Unlock()
	}()

	for _, jobID := range batch {
		if err := q.flushJob(flushCtx, pq, gen, jobID); err != nil {
			return pq, gen, err
		}
	}
	return pq, gen, nil
}

// afterFlushLocked arms the retry after a failure, or the next flush when
// jobs arrived while this one ran. Jobs enqueued after a clear that cut the
// flush short were not scheduled by appendJobLocked, so they get one here.
func (q *SaveQueue) afterFlushLocked(projectID string, pq *projectQueue, gen uint64, err error) {
	cur, ok := q.projects[projectID]
	if !ok || len(cur.jobs) == 0 {
		return
	}
	if cur != pq || cur.gen != gen {
		if q.opts.AutoFlush {
			q.scheduleFlushLocked(cur, q.opts.FlushDelay)
		}
		return
	}
	if err != nil {
		q.scheduleFlushLocked(pq, pq.nextRetryAt.Sub(q.now()))
		return
	}
	if q.opts.AutoFlush {
		q.scheduleFlushLocked(pq, q.opts.FlushDelay)
	}
}

func (q *SaveQueue) flushJob(ctx context.Context, pq *projectQueue, gen uint64, jobID string) error {
	q.mu.Lock()
	if pq.gen != gen {
		q.mu.Unlock()
		return fmt.Errorf("flush %s: %w", pq.id, context.Canceled)
	}
	i := pq.jobIndex(jobID)
	if i < 0 {
		q.mu.Unlock()
		return nil
	}
	job := &pq.jobs[i]
	job.Status = domain.JobInFlight
	job.Attempts++
	job.UpdatedAt = q.now().UTC()
	snap := pq.snapshot
	payload := domain.SavePayload{
		ProjectID: pq.id,
		JobID:     job.ID,
		Seq:       job.Seq,
		BaseSeq:   snap.Seq,
		Delta:     job.Delta,
	}
	attempts := job.Attempts
	if err := q.store.PersistQueue(pq.id, pq.jobs); err != nil {
		q.log.Error("persist queue", zap.String("project", pq.id), zap.Error(err))
	}
	q.mu.Unlock()

	start := q.now()
	err := q.remote.Save(ctx, payload)
	var conflict *remote.SeqConflictError
	if errors.As(err, &conflict) {
		q.metrics.flushed(flushConflict, q.now().Sub(start))
		q.mu.Lock()
		if pq.gen != gen || pq.jobIndex(jobID) < 0 {
			q.mu.Unlock()
		} else {
			q.renumberLocked(pq, conflict.Current)
			payload.Seq = pq.jobs[pq.jobIndex(jobID)].Seq
			q.mu.Unlock()

			q.log.Warn("remote is ahead, renumbering queue",
				zap.String("project", pq.id), zap.Uint64("remoteSeq", conflict.Current), zap.Uint64("seq", payload.Seq))
			start = q.now()
			err = q.remote.Save(ctx, payload)
		}
	}
	if errors.Is(err, remote.ErrStaleSeq) {
		q.metrics.flushed(flushStale, q.now().Sub(start))
		q.log.Warn("remote is behind, resending full document",
			zap.String("project", pq.id), zap.Uint64("seq", payload.Seq), zap.Uint64("base", payload.BaseSeq))
		full, applyErr := diff.Apply(snap.State, payload.Delta)
		if applyErr != nil {
			err = fmt.Errorf("rebuild document: %w", applyErr)
		} else {
			payload.BaseSeq = 0
			payload.Delta = diff.Delta{{Path: "", Op: diff.OpSet, Value: map[string]any(full)}}
			start = q.now()
			err = q.remote.Save(ctx, payload)
		}
	}
	took := q.now().Sub(start)

	q.mu.Lock()
	if pq.gen != gen {
		q.mu.Unlock()
		q.metrics.flushed(flushCancelled, took)
		q.log.Debug("discarding result of cleared flush", zap.String("project", pq.id), zap.Uint64("seq", payload.Seq))
		return fmt.Errorf("flush %s: %w", pq.id, context.Canceled)
	}
	i = pq.jobIndex(jobID)
	if i < 0 {
		q.mu.Unlock()
		return nil
	}

	if err != nil {
		q.metrics.flushed(flushError, took)
		job := &pq.jobs[i]
		job.Status = domain.JobFailed
		job.LastError = err.Error()
		job.UpdatedAt = q.now().UTC()
		pq.lastError = err.Error()
		delay := q.opts.Retry.Delay(attempts)
		pq.nextRetryAt = q.now().Add(delay)
		if perr := q.store.PersistQueue(pq.id, pq.jobs); perr != nil {
			q.log.Error("persist queue", zap.String("project", pq.id), zap.Error(perr))
		}
		q.mu.Unlock()

		q.log.Warn("save failed, will retry",
			zap.String("project", pq.id), zap.Uint64("seq", payload.Seq), zap.Int("attempts", attempts),
			zap.Duration("retryIn", delay), zap.Error(err))
		q.emit(EventFailed, map[string]any{
			"projectId": pq.id, "seq": payload.Seq, "attempts": attempts, "error": err.Error(),
		})
		return fmt.Errorf("flush %s seq %d: %w", pq.id, payload.Seq, err)
	}

	q.metrics.flushed(flushOK, took)
	state, applyErr := diff.Apply(pq.snapshot.State, pq.jobs[i].Delta)
	if applyErr != nil {
		// The remote accepted it; keep the old state rather than block the queue.
		q.log.Error("advance snapshot", zap.String("project", pq.id), zap.Uint64("seq", payload.Seq), zap.Error(applyErr))
		state = pq.snapshot.State
	}
	now := q.now().UTC()
	pq.snapshot = domain.Snapshot{ProjectID: pq.id, Seq: payload.Seq, State: state, SavedAt: now}
	pq.jobs = append(pq.jobs[:i:i], pq.jobs[i+1:]...)
	pq.lastError = ""
	pq.lastSyncedAt = now
	pq.nextRetryAt = time.Time{}
	if err := q.store.SaveSnapshot(pq.snapshot); err != nil {
		q.log.Error("persist snapshot", zap.String("project", pq.id), zap.Error(err))
	}
	if err := q.store.PersistQueue(pq.id, pq.jobs); err != nil {
		q.log.Error("persist queue", zap.String("project", pq.id), zap.Error(err))
	}
	q.metrics.pending(pq.id, len(pq.jobs))
	q.mu.Unlock()

	q.log.Debug("save synced", zap.String("project", pq.id), zap.Uint64("seq", payload.Seq), zap.String("job", jobID))
	q.emit(EventSynced, map[string]any{"projectId": pq.id, "seq": payload.Seq})
	return nil
}

// renumberLocked moves every queued job past after, keeping their order, so
// they are sent as newer than what another writer already stored.
func (q *SaveQueue) renumberLocked(pq *projectQueue, after uint64) {
	for k := range pq.jobs {
		pq.jobs[k].Seq = after + 1 + uint64(k)
	}
	pq.nextSeq = after + 1 + uint64(len(pq.jobs))
	if err := q.store.PersistQueue(pq.id, pq.jobs); err != nil {
		q.log.Error("persist queue", zap.String("project", pq.id), zap.Error(err))
	}
}

// scheduleFlushLocked (re)arms the project's flush timer.
func (q *SaveQueue) scheduleFlushLocked(pq *projectQueue, delay time.Duration) {
	if q.closed {
		return
	}
	if pq.flushTimer != nil {
		pq.flushTimer.Stop()
	}
	id := pq.id
	pq.flushTimer = time.AfterFunc(delay, func() {
		q.runTimer(func() {
			err := q.FlushQueue(q.baseCtx, id)
			switch {
			case err == nil, errors.Is(err, ErrFlushInProgress), errors.Is(err, context.Canceled):
			default:
				q.log.Debug("scheduled flush failed", zap.String("project", id), zap.Error(err))
			}
		})
	})
}

// runTimer runs fn unless the queue is closed, tracking it for Teardown.
func (q *SaveQueue) runTimer(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.bg.Add(1)
	q.mu.Unlock()
	defer q.bg.Done()
	fn()
}

// FlushAll flushes every project with queued jobs.
func (q *SaveQueue) FlushAll(ctx context.Context) error {
	return q.flushMany(ctx, q.projectsWhere(func(pq *projectQueue) bool { return len(pq.jobs) > 0 }))
}

// FlushDue flushes projects with queued jobs whose retry time has passed.
func (q *SaveQueue) FlushDue(ctx context.Context) error {
	now := q.now()
	return q.flushMany(ctx, q.projectsWhere(func(pq *projectQueue) bool {
		return len(pq.jobs) > 0 && !now.Before(pq.nextRetryAt)
	}))
}

func (q *SaveQueue) projectsWhere(keep func(*projectQueue) bool) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, pq := range q.projects {
		if keep(pq) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (q *SaveQueue) flushMany(ctx context.Context, ids []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(q.opts.MaxParallel)
	for _, id := range ids {
		g.Go(func() error {
			err := q.FlushQueue(ctx, id)
			if err != nil && !errors.Is(err, ErrFlushInProgress) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// AdoptProject loads a project's stored queue if this process does not know
// the project yet and flushes it. It reports whether the project was adopted.
func (q *SaveQueue) AdoptProject(ctx context.Context, projectID string) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := q.projects[projectID]; ok {
		q.mu.Unlock()
		return false, nil
	}
	pq, err := q.loadLocked(projectID)
	q.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("adopt project %s: %w", projectID, err)
	}

	q.log.Info("adopted stored queue", zap.String("project", projectID), zap.Int("jobs", len(pq.jobs)))
	q.emitStatus(projectID)
	if err := q.FlushQueue(ctx, projectID); err != nil && !errors.Is(err, ErrFlushInProgress) {
		return true, err
	}
	return true, nil
}

// ── Clearing ────────────────────────────────────────────────

// ClearProjectQueue drops every queued job and any debounced edit for the
// project without sending them. An in-flight flush is cancelled and its
// result discarded. Other projects are not touched.
func (q *SaveQueue) ClearProjectQueue(projectID string) {
	q.mu.Lock()
	q.clearLocked(projectID)
	q.mu.Unlock()
	q.emitStatus(projectID)
}

// ClearAllQueue clears every project.
func (q *SaveQueue) ClearAllQueue() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.projects))
	for id := range q.projects {
		ids = append(ids, id)
	}
	for _, id := range q.store.PendingProjects() {
		if _, ok := q.projects[id]; !ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		q.clearLocked(id)
	}
	q.mu.Unlock()
	for _, id := range ids {
		q.emitStatus(id)
	}
}

func (q *SaveQueue) clearLocked(projectID string) {
	q.store.ClearQueue(projectID)
	pq, ok := q.projects[projectID]
	if !ok {
		return
	}
	pq.gen++
	if pq.cancel != nil {
		pq.cancel()
		pq.cancel = nil
	}
	stopTimer(&pq.debounce)
	stopTimer(&pq.flushTimer)
	pq.pending = nil
	pq.jobs = nil
	pq.nextRetryAt = time.Time{}
	pq.lastError = ""
	if pq.open {
		// Later jobs are diffed against what the remote actually has.
		pq.baseline = pq.snapshot.State
	} else {
		pq.baseline = nil
	}
	q.metrics.pending(projectID, 0)
	q.log.Info("queue cleared", zap.String("project", projectID))
}

// CloseProject commits a debounced edit and releases editing state. Queued
// jobs stay and keep flushing.
func (q *SaveQueue) CloseProject(projectID string) error {
	q.mu.Lock()
	pq, ok := q.projects[projectID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("close project %s: %w", projectID, ErrUnknownProject)
	}
	err := q.commitPendingLocked(pq)
	pq.open = false
	pq.baseline = nil
	if len(pq.jobs) == 0 && pq.flushTimer == nil && !q.flights.Running(projectID) {
		delete(q.projects, projectID)
	}
	q.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close project %s: %w", projectID, err)
	}
	q.emitStatus(projectID)
	return nil
}

// DeleteProject clears the queue and the stored snapshot.
func (q *SaveQueue) DeleteProject(projectID string) {
	q.mu.Lock()
	q.clearLocked(projectID)
	q.store.ClearSnapshot(projectID)
	delete(q.projects, projectID)
	q.mu.Unlock()
	q.emitStatus(projectID)
}

// ── Queries ─────────────────────────────────────────────────

// HasPendingSaves reports whether the project has unsaved work: queued jobs
// or a debounced edit not yet turned into a job.
func (q *SaveQueue) HasPendingSaves(projectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, ok := q.projects[projectID]
	return ok && (len(pq.jobs) > 0 || pq.pending != nil)
}

// PendingSaveCount returns the number of queued jobs.
func (q *SaveQueue) PendingSaveCount(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.projects[projectID]; ok {
		return len(pq.jobs)
	}
	return 0
}

// Loaded reports whether the project is held in memory by this queue.
func (q *SaveQueue) Loaded(projectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.projects[projectID]
	return ok
}

// IsSyncing reports whether a flush is in flight for the project.
func (q *SaveQueue) IsSyncing(projectID string) bool {
	return q.flights.Running(projectID)
}

// Status returns the read model for one project.
func (q *SaveQueue) Status(projectID string) domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked(projectID)
}

func (q *SaveQueue) statusLocked(projectID string) domain.QueueStatus {
	st := domain.QueueStatus{ProjectID: projectID, Syncing: q.flights.Running(projectID)}
	pq, ok := q.projects[projectID]
	if !ok {
		return st
	}
	st.Pending = len(pq.jobs)
	for _, j := range pq.jobs {
		if j.Status == domain.JobFailed {
			st.Failed++
		}
	}
	st.LastError = pq.lastError
	st.LastSyncedSeq = pq.snapshot.Seq
	st.LastSyncedAt = pq.lastSyncedAt
	st.NextRetryAt = pq.nextRetryAt
	return st
}

// Snapshot returns the last saved snapshot of a project.
func (q *SaveQueue) Snapshot(projectID string) (domain.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.projects[projectID]; ok {
		return pq.snapshot, nil
	}
	snap, err := q.store.LoadSnapshot(projectID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if snap == nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s: %w", projectID, ErrUnknownProject)
	}
	return *snap, nil
}

// Projects returns the status of every project in memory, sorted by id.
func (q *SaveQueue) Projects() []domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.projects))
	for id := range q.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.QueueStatus, len(ids))
	for i, id := range ids {
		out[i] = q.statusLocked(id)
	}
	return out
}

// ── Events ──────────────────────────────────────────────────

func (q *SaveQueue) emit(event string, data any) {
	q.emitter.Emit(q.baseCtx, event, data)
}

func (q *SaveQueue) emitStatus(projectID string) {
	q.emit(EventStatus, q.Status(projectID))
}

func (q *SaveQueue) onStorageDegraded(key string, err error) {
	q.metrics.degraded(true)
	q.emit(EventStorageWarning, map[string]any{"key": key, "error": err.Error()})
}
