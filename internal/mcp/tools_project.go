package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"designer/internal/diff"
)

func (s *Server) registerProjectTools() {
	// ── open_project ───────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("open_project",
		mcp.WithDescription("Open a project for editing. The document becomes the baseline later edits are diffed against, and the project becomes the default for other tools."),
		mcp.WithString("projectId", mcp.Description("Project ID"), mcp.Required()),
		mcp.WithString("document", mcp.Description("Current designer document as a JSON object"), mcp.Required()),
	), s.handleOpenProject)

	// ── update_document ────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Record the latest document. Updates within the debounce window are coalesced into one save."),
		mcp.WithString("document", mcp.Description("Full designer document as a JSON object"), mcp.Required()),
		mcp.WithString("projectId", mcp.Description("Project ID (optional, defaults to the open project)")),
	), s.handleUpdateDocument)

	// ── close_project ──────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("close_project",
		mcp.WithDescription("Commit any debounced edit and stop editing a project. Queued saves keep syncing."),
		mcp.WithString("projectId", mcp.Description("Project ID (optional, defaults to the open project)")),
	), s.handleCloseProject)

	// ── diff_documents ─────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("diff_documents",
		mcp.WithDescription("Compute the path-level delta between two documents without saving anything"),
		mcp.WithString("previous", mcp.Description("Previous document as a JSON object"), mcp.Required()),
		mcp.WithString("current", mcp.Description("Current document as a JSON object"), mcp.Required()),
	), s.handleDiffDocuments)

	// ── delete_project (destructive) ───────────────────
	s.mcp.AddTool(mcp.NewTool("delete_project",
		mcp.WithDescription("🛑 DESTRUCTIVE: Drop the project's unsent saves and its local snapshot. May require user approval."),
		mcp.WithString("projectId", mcp.Description("Project ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleDeleteProject)
}

func boolPtr(v bool) *bool { return &v }

func (s *Server) handleOpenProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("projectId", "")
	if projectID == "" {
		return nil, fmt.Errorf("projectId is required")
	}
	doc, err := parseDocument(req.GetString("document", ""))
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}
	if err := s.queue.OpenProject(projectID, doc); err != nil {
		return nil, err
	}
	s.setActiveProject(projectID)
	return jsonResult(s.queue.Status(projectID))
}

func (s *Server) handleUpdateDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := s.resolveProjectID(req)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(req.GetString("document", ""))
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	if err := s.queue.ScheduleSave(projectID, doc); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Save scheduled for %s", projectID)), nil
}

func (s *Server) handleCloseProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := s.resolveProjectID(req)
	if err != nil {
		return nil, err
	}
	if err := s.queue.CloseProject(projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.activeProjectID == projectID {
		s.activeProjectID = ""
	}
	s.mu.Unlock()
	return jsonResult(s.queue.Status(projectID))
}

func (s *Server) handleDiffDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prev, err := parseDocument(req.GetString("previous", ""))
	if err != nil {
		return nil, fmt.Errorf("previous: %w", err)
	}
	curr, err := parseDocument(req.GetString("current", ""))
	if err != nil {
		return nil, fmt.Errorf("current: %w", err)
	}
	d, err := diff.Objects(prev, curr)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = diff.Delta{}
	}
	return jsonResult(d)
}

func (s *Server) handleDeleteProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("projectId", "")
	if projectID == "" {
		return nil, fmt.Errorf("projectId is required")
	}
	pending := s.queue.PendingSaveCount(projectID)
	desc := fmt.Sprintf("Delete project %s locally (%d unsent saves will be lost)", projectID, pending)
	if err := s.confirm(ctx, "delete_project", desc, projectID); err != nil {
		return nil, err
	}
	s.queue.DeleteProject(projectID)
	s.mu.Lock()
	if s.activeProjectID == projectID {
		s.activeProjectID = ""
	}
	s.mu.Unlock()
	return textResult(fmt.Sprintf("Deleted project %s (%d unsent saves dropped)", projectID, pending)), nil
}
