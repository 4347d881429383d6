package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"designer/internal/domain"
	"designer/internal/service"
)

func (s *Server) registerQueueTools() {
	// ── enqueue_save ───────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("enqueue_save",
		mcp.WithDescription(`Queue a delta for saving. The delta is a JSON array of changes: [{"path": "/blocks/0/title", "op": "set", "value": "Hi"}, {"path": "/draft", "op": "unset"}]`),
		mcp.WithString("delta", mcp.Description("JSON array of {path, op, value} changes"), mcp.Required()),
		mcp.WithString("projectId", mcp.Description("Project ID (optional, defaults to the open project)")),
	), s.handleEnqueueSave)

	// ── flush_queue ────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("flush_queue",
		mcp.WithDescription("Send queued saves to the remote now, in order. Stops at the first failure."),
		mcp.WithString("projectId", mcp.Description("Project ID (optional, defaults to the open project)")),
		mcp.WithBoolean("all", mcp.Description("Flush every project with queued saves")),
	), s.handleFlushQueue)

	// ── queue_status ───────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("queue_status",
		mcp.WithDescription("Show pending/failed save counts, sync state and the last error for a project"),
		mcp.WithString("projectId", mcp.Description("Project ID (optional, defaults to the open project)")),
	), s.handleQueueStatus)

	// ── list_projects ──────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List every project the save queue knows about with its status"),
	), s.handleListProjects)

	// ── clear_project_queue (destructive) ──────────────
	s.mcp.AddTool(mcp.NewTool("clear_project_queue",
		mcp.WithDescription("🛑 DESTRUCTIVE: Drop every unsent save for a project without sending it. May require user approval."),
		mcp.WithString("projectId", mcp.Description("Project ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleClearProjectQueue)
}

func (s *Server) handleEnqueueSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := s.resolveProjectID(req)
	if err != nil {
		return nil, err
	}
	d, err := parseDelta(req.GetString("delta", ""))
	if err != nil {
		return nil, err
	}
	job, err := s.queue.EnqueueSave(projectID, d)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return textResult("Delta is empty, nothing queued"), nil
	}
	return jsonResult(job)
}

func (s *Server) handleFlushQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req.GetBool("all", false) {
		err := s.queue.FlushAll(ctx)
		result, jerr := jsonResult(s.queue.Projects())
		if jerr != nil {
			return nil, jerr
		}
		if err != nil {
			result.IsError = true
			result.Content = append(result.Content, mcp.TextContent{Type: "text", Text: err.Error()})
		}
		return result, nil
	}

	projectID, err := s.resolveProjectID(req)
	if err != nil {
		return nil, err
	}
	err = s.queue.FlushQueue(ctx, projectID)
	if errors.Is(err, service.ErrFlushInProgress) {
		return textResult(fmt.Sprintf("A flush is already running for %s", projectID)), nil
	}
	result, jerr := jsonResult(s.queue.Status(projectID))
	if jerr != nil {
		return nil, jerr
	}
	if err != nil {
		// Saves stay queued and will be retried; report rather than fail the call.
		result.IsError = true
		result.Content = append(result.Content, mcp.TextContent{Type: "text", Text: err.Error()})
	}
	return result, nil
}

func (s *Server) handleQueueStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := s.resolveProjectID(req)
	if err != nil {
		return nil, err
	}
	return jsonResult(s.queue.Status(projectID))
}

func (s *Server) handleListProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects := s.queue.Projects()
	if projects == nil {
		projects = []domain.QueueStatus{}
	}
	return jsonResult(projects)
}

func (s *Server) handleClearProjectQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("projectId", "")
	if projectID == "" {
		return nil, fmt.Errorf("projectId is required")
	}
	pending := s.queue.PendingSaveCount(projectID)
	desc := fmt.Sprintf("Discard %d unsent saves for project %s", pending, projectID)
	if err := s.confirm(ctx, "clear_project_queue", desc, projectID); err != nil {
		return nil, err
	}
	s.queue.ClearProjectQueue(projectID)
	return textResult(fmt.Sprintf("Cleared %d queued saves for %s", pending, projectID)), nil
}
