package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"designer/internal/offline"
	"designer/internal/storage"
)

// DefaultSweepSpec is how often stored queues are retried when no spec is set.
const DefaultSweepSpec = "@every 30s"

const adoptDebounce = 500 * time.Millisecond

// Resumer keeps queues moving in the background: a cron sweep retries
// projects whose backoff has elapsed, and, for the file backend, a directory
// watch adopts queues written by other processes.
type Resumer struct {
	queue *SaveQueue
	files *storage.FileKV // nil disables the directory watch
	spec  string
	log   *zap.Logger

	mu          sync.Mutex
	running     bool
	cronSched   *cron.Cron
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	timers      map[string]*time.Timer
	wg          sync.WaitGroup
}

func NewResumer(queue *SaveQueue, files *storage.FileKV, spec string, logger *zap.Logger) *Resumer {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resumer{
		queue: queue,
		files: files,
		spec:  spec,
		log:   logger.Named("resumer"),
	}
}

// Start schedules the sweep and the directory watch. Calling Start on a
// running Resumer does nothing.
func (r *Resumer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(r.spec, func() {
		if err := r.queue.FlushDue(ctx); err != nil && !errors.Is(err, ErrClosed) {
			r.log.Warn("sweep: flush failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", r.spec, err)
	}

	if r.files != nil {
		if err := r.startWatchLocked(ctx); err != nil {
			return err
		}
	}

	c.Start()
	r.cronSched = c
	r.running = true
	r.log.Info("resumer started", zap.String("sweep", r.spec), zap.Bool("watching", r.watcher != nil))
	return nil
}

func (r *Resumer) startWatchLocked(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.files.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.files.Dir(), err)
	}
	r.watcher = watcher
	r.timers = make(map[string]*time.Timer)

	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				key, ok := r.files.KeyFromPath(event.Name)
				if !ok {
					continue
				}
				projectID, ok := offline.ProjectFromQueueKey(key)
				if !ok || r.queue.Loaded(projectID) {
					// Loaded projects are ours; their writes are our own.
					continue
				}
				r.debounceAdopt(watchCtx, projectID)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// debounceAdopt coalesces bursts of writes to one project's queue file.
func (r *Resumer) debounceAdopt(ctx context.Context, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if t, ok := r.timers[projectID]; ok {
		t.Stop()
	}
	r.timers[projectID] = time.AfterFunc(adoptDebounce, func() {
		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			return
		}
		delete(r.timers, projectID)
		r.wg.Add(1)
		r.mu.Unlock()
		defer r.wg.Done()

		adopted, err := r.queue.AdoptProject(ctx, projectID)
		switch {
		case err != nil && !errors.Is(err, ErrClosed):
			r.log.Warn("adopt queue failed", zap.String("project", projectID), zap.Error(err))
		case adopted:
			r.log.Info("adopted queue written by another process", zap.String("project", projectID))
		}
	})
}

// Stop tears down the sweep and the watch and waits for running work.
func (r *Resumer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	c := r.cronSched
	r.cronSched = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.wg.Wait()
}
