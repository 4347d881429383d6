// Package offline persists save queues and snapshots so unsaved work
// survives restarts and outages.
//
// Writes never fail because the medium is gone or full: the affected key
// moves to an in-memory copy for the rest of the session and the OnDegraded
// hook fires. Only encoding errors are returned to callers.
package offline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"designer/internal/diff"
	"designer/internal/domain"
	"designer/internal/storage"
)

const (
	QueuePrefix    = "designer:queue:"
	SnapshotPrefix = "designer:snapshot:"
)

func queueKey(projectID string) string    { return QueuePrefix + projectID }
func snapshotKey(projectID string) string { return SnapshotPrefix + projectID }

// ProjectFromQueueKey returns the project id encoded in a queue key.
func ProjectFromQueueKey(key string) (string, bool) {
	if !strings.HasPrefix(key, QueuePrefix) || len(key) == len(QueuePrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, QueuePrefix), true
}

// fallbackEntry holds the session copy of a key whose backend write failed.
type fallbackEntry struct {
	data    []byte
	deleted bool
}

// Store reads and writes queues and snapshots through a KV backend.
type Store struct {
	kv    storage.KV
	codec storage.Codec
	log   *zap.Logger

	mu         sync.Mutex
	fallback   map[string]*fallbackEntry
	onDegraded func(key string, err error)
}

func NewStore(kv storage.KV, codec storage.Codec, logger *zap.Logger) *Store {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:       kv,
		codec:    codec,
		log:      logger.Named("offline"),
		fallback: make(map[string]*fallbackEntry),
	}
}

// SetOnDegraded registers fn to run each time a key falls back to memory.
// fn is called without the store lock held.
func (s *Store) SetOnDegraded(fn func(key string, err error)) {
	s.mu.Lock()
	s.onDegraded = fn
	s.mu.Unlock()
}

// Degraded reports whether any key is currently held only in memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fallback) > 0
}

// ── Queues ──────────────────────────────────────────────────

// PersistQueue replaces the stored queue of a project. An empty list removes it.
func (s *Store) PersistQueue(projectID string, jobs []domain.SaveJob) error {
	if len(jobs) == 0 {
		s.remove(queueKey(projectID))
		return nil
	}
	data, err := s.codec.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", projectID, err)
	}
	s.write(queueKey(projectID), data)
	return nil
}

// LoadQueue returns the stored queue of a project ordered by seq.
// A missing queue yields nil.
func (s *Store) LoadQueue(projectID string) ([]domain.SaveJob, error) {
	data, ok := s.read(queueKey(projectID))
	if !ok {
		return nil, nil
	}
	var jobs []domain.SaveJob
	if err := s.codec.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", projectID, err)
	}
	for i := range jobs {
		if len(jobs[i].Delta) == 0 {
			continue
		}
		d, err := diff.Validate(jobs[i].Delta)
		if err != nil {
			return nil, fmt.Errorf("decode queue %s: job %s: %w", projectID, jobs[i].ID, err)
		}
		jobs[i].Delta = d
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	return jobs, nil
}

// HasPendingSaves reports whether a non-empty queue is stored for the project.
func (s *Store) HasPendingSaves(projectID string) (bool, error) {
	jobs, err := s.LoadQueue(projectID)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// ClearQueue drops the stored queue of a project.
func (s *Store) ClearQueue(projectID string) {
	s.remove(queueKey(projectID))
}

// PendingProjects lists the projects with a stored queue, sorted.
func (s *Store) PendingProjects() []string {
	seen := make(map[string]bool)
	keys, err := s.kv.Keys(QueuePrefix)
	if err != nil {
		s.log.Warn("list stored queues failed", zap.Error(err))
	}
	for _, k := range keys {
		seen[k] = true
	}

	s.mu.Lock()
	for k, e := range s.fallback {
		if !strings.HasPrefix(k, QueuePrefix) {
			continue
		}
		seen[k] = !e.deleted
	}
	s.mu.Unlock()

	var projects []string
	for k, present := range seen {
		if id, ok := ProjectFromQueueKey(k); ok && present {
			projects = append(projects, id)
		}
	}
	sort.Strings(projects)
	return projects
}

// ── Snapshots ───────────────────────────────────────────────

func (s *Store) SaveSnapshot(snap domain.Snapshot) error {
	data, err := s.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ProjectID, err)
	}
	s.write(snapshotKey(snap.ProjectID), data)
	return nil
}

// LoadSnapshot returns the stored snapshot of a project, or nil if none.
func (s *Store) LoadSnapshot(projectID string) (*domain.Snapshot, error) {
	data, ok := s.read(snapshotKey(projectID))
	if !ok {
		return nil, nil
	}
	var snap domain.Snapshot
	if err := s.codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", projectID, err)
	}
	state, err := diff.Normalize(snap.State)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", projectID, err)
	}
	snap.State = state
	return &snap, nil
}

func (s *Store) ClearSnapshot(projectID string) {
	s.remove(snapshotKey(projectID))
}

// ── Backend access ──────────────────────────────────────────

func (s *Store) read(key string) ([]byte, bool) {
	s.mu.Lock()
	if e, ok := s.fallback[key]; ok {
		s.mu.Unlock()
		if e.deleted {
			return nil, false
		}
		return e.data, true
	}
	s.mu.Unlock()

	data, ok, err := s.kv.Get(key)
	if err != nil {
		s.log.Warn("offline read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return data, ok
}

func (s *Store) write(key string, data []byte) {
	if s.inFallback(key, &fallbackEntry{data: data}) {
		return
	}
	if err := s.kv.Set(key, data); err != nil {
		s.degrade(key, &fallbackEntry{data: data}, err)
	}
}

func (s *Store) remove(key string) {
	if s.inFallback(key, &fallbackEntry{deleted: true}) {
		return
	}
	if err := s.kv.Delete(key); err != nil {
		s.degrade(key, &fallbackEntry{deleted: true}, err)
	}
}

// inFallback stores e in memory if key already degraded.
func (s *Store) inFallback(key string, e *fallbackEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fallback[key]; !ok {
		return false
	}
	s.fallback[key] = e
	return true
}

func (s *Store) degrade(key string, e *fallbackEntry, cause error) {
	s.mu.Lock()
	s.fallback[key] = e
	hook := s.onDegraded
	s.mu.Unlock()

	s.log.Warn("offline storage degraded, keeping key in memory",
		zap.String("key", key), zap.Error(cause))
	if hook != nil {
		hook(key, cause)
	}
}
