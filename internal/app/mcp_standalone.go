package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	mcpserver "designer/internal/mcp"
)

// ServeMCP runs the pipeline as an MCP server on stdin/stdout until the
// client disconnects or the process is interrupted. Queues are persisted on
// the way out.
func (a *App) ServeMCP(ctx context.Context) error {
	if err := a.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown", zap.Error(err))
		}
	}()

	if err := a.StartBackground(ctx); err != nil {
		return err
	}

	deps := mcpserver.Deps{
		Queue:           a.queue,
		Emitter:         a.emitter,
		Notifier:        a.notifier,
		Logger:          a.log,
		RequireApproval: a.cfg.MCP.RequireApproval == nil || *a.cfg.MCP.RequireApproval,
		ApprovalTimeout: a.cfg.MCP.ApprovalTimeout,
	}
	if deps.RequireApproval {
		approvals, err := a.Approvals()
		if err != nil {
			return err
		}
		deps.Approvals = approvals // enable SQLite-based approval IPC
	}
	srv := mcpserver.New(deps)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}
