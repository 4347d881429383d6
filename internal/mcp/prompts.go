package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("edit_project",
		mcp.WithPromptDescription("Guide through editing a project so every change is saved"),
		mcp.WithArgument("projectId",
			mcp.ArgumentDescription("Project to edit"),
			mcp.RequiredArgument(),
		),
	), s.handleEditProjectPrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("recover_failed_saves",
		mcp.WithPromptDescription("Investigate saves that keep failing and decide whether to retry or discard them"),
		mcp.WithArgument("projectId",
			mcp.ArgumentDescription("Project with failing saves"),
			mcp.RequiredArgument(),
		),
	), s.handleRecoverPrompt)
}

func (s *Server) handleEditProjectPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	projectID := req.Params.Arguments["projectId"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Edit project %s", projectID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Edit the designer project "%s".

Steps:
1. Read designer://projects/%s/snapshot for the last saved document (it may not exist yet)
2. Call open_project with the document you are starting from
3. For each change either:
   - call update_document with the whole new document (changes are coalesced), or
   - call enqueue_save with a delta of {path, op, value} changes using JSON Pointer paths
4. Call flush_queue when you are done, then queue_status to confirm pending is 0
5. Call close_project

Never call clear_project_queue or delete_project unless the user asks: unsent saves are lost.`, projectID, projectID),
				},
			},
		},
	}, nil
}

func (s *Server) handleRecoverPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	projectID := req.Params.Arguments["projectId"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Recover failed saves for %s", projectID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Saves for project "%s" are failing.

Steps:
1. Call queue_status with projectId "%s" and read lastError, failed and nextRetryAt
2. If the error looks transient (timeouts, 5xx, connection refused), call flush_queue once; the queue also retries on its own with backoff
3. If the remote rejects the data (4xx other than 408/429), show the user the error and the pending count
4. Only if the user confirms, call clear_project_queue to discard the unsent saves`, projectID, projectID),
				},
			},
		},
	}, nil
}
