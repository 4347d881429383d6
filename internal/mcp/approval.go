package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"designer/internal/domain"
	"designer/internal/service"
	"designer/internal/storage"
)

// Events emitted while an approval is open.
const (
	EventApprovalRequired  = "mcp:approval-required"
	EventApprovalDismissed = "mcp:approval-dismissed"
)

// ErrRejected is returned when the user turns down an action.
var ErrRejected = errors.New("action rejected by user")

// actionResult is sent through the channel when user approves/rejects.
type actionResult struct {
	approved bool
}

// ApprovalQueue manages human-in-the-loop approval for destructive MCP tool calls.
// It supports two modes:
//   - In-process: uses channels and emits an event; Approve/Reject answer it
//   - Store-based: writes to the mcp_approvals table and polls until the CLI
//     (`designer approve <id>`) answers it from another process
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string]chan actionResult
	emitter service.EventEmitter
	log     *zap.Logger
	timeout time.Duration
	poll    time.Duration

	store *storage.ApprovalStore
}

func NewApprovalQueue(emitter service.EventEmitter, store *storage.ApprovalStore, timeout time.Duration, logger *zap.Logger) *ApprovalQueue {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalQueue{
		pending: make(map[string]chan actionResult),
		emitter: emitter,
		log:     logger.Named("approval"),
		timeout: timeout,
		poll:    500 * time.Millisecond,
		store:   store,
	}
}

// Request opens an approval and blocks until it is answered, times out or
// ctx ends. metadata is optional JSON with extra context.
func (q *ApprovalQueue) Request(ctx context.Context, tool, description, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	a := domain.Approval{
		ID:          uuid.NewString(),
		Tool:        tool,
		Description: description,
		Status:      domain.ApprovalPending,
		Metadata:    metadata,
	}
	q.log.Info("approval requested", zap.String("id", a.ID), zap.String("tool", tool))

	if q.store != nil {
		return q.requestViaStore(ctx, &a)
	}
	return q.requestViaChannel(ctx, &a)
}

// requestViaStore writes a pending approval to SQLite and polls until resolved.
func (q *ApprovalQueue) requestViaStore(ctx context.Context, a *domain.Approval) error {
	if err := q.store.CreateApproval(a); err != nil {
		return err
	}
	defer func() {
		if err := q.store.DeleteApproval(a.ID); err != nil {
			q.log.Warn("delete approval", zap.String("id", a.ID), zap.Error(err))
		}
	}()
	q.emitter.Emit(ctx, EventApprovalRequired, *a)

	deadline := time.NewTimer(q.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			got, err := q.store.GetApproval(a.ID)
			if err != nil {
				continue
			}
			switch got.Status {
			case domain.ApprovalApproved:
				return nil
			case domain.ApprovalRejected:
				return fmt.Errorf("%s: %w", a.Tool, ErrRejected)
			}
		case <-deadline.C:
			return fmt.Errorf("action timed out after %s: %s", q.timeout, a.Tool)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *ApprovalQueue) requestViaChannel(ctx context.Context, a *domain.Approval) error {
	ch := make(chan actionResult, 1)

	q.mu.Lock()
	q.pending[a.ID] = ch
	q.mu.Unlock()
	defer q.cleanup(a.ID)

	a.CreatedAt = time.Now().UTC()
	q.emitter.Emit(ctx, EventApprovalRequired, *a)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if !result.approved {
			return fmt.Errorf("%s: %w", a.Tool, ErrRejected)
		}
		return nil
	case <-timer.C:
		q.emitter.Emit(ctx, EventApprovalDismissed, map[string]string{"id": a.ID})
		return fmt.Errorf("action timed out after %s: %s", q.timeout, a.Tool)
	case <-ctx.Done():
		q.emitter.Emit(ctx, EventApprovalDismissed, map[string]string{"id": a.ID})
		return ctx.Err()
	}
}

// Approve marks a pending action as approved (in-process mode).
func (q *ApprovalQueue) Approve(actionID string) bool {
	return q.answer(actionID, true)
}

// Reject marks a pending action as rejected (in-process mode).
func (q *ApprovalQueue) Reject(actionID string) bool {
	return q.answer(actionID, false)
}

func (q *ApprovalQueue) answer(actionID string, approved bool) bool {
	q.mu.Lock()
	ch, ok := q.pending[actionID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- actionResult{approved: approved}:
		return true
	default:
		return false
	}
}

func (q *ApprovalQueue) cleanup(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
