package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"designer/internal/service"
	"designer/internal/storage"
)

// Server is the MCP server for the designer save pipeline.
// It exposes tools, resources, and prompts so an editor agent can open
// projects, push edits and watch them reach the remote.
type Server struct {
	mcp      *server.MCPServer
	queue    *service.SaveQueue
	approval *ApprovalQueue
	log      *zap.Logger

	// requireApproval gates clear_project_queue and delete_project.
	requireApproval bool

	mu              sync.Mutex
	activeProjectID string // set by open_project
}

// Deps holds all dependencies passed from the App layer to the MCP server.
type Deps struct {
	Queue    *service.SaveQueue
	Emitter  service.EventEmitter
	Notifier *Notifier // attached to the server so queue events reach clients
	Logger   *zap.Logger

	RequireApproval bool
	ApprovalTimeout time.Duration
	Approvals       *storage.ApprovalStore // when set, approvals are answered from another process
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = service.LogEmitter{Log: logger}
	}
	s := &Server{
		queue:           deps.Queue,
		approval:        NewApprovalQueue(emitter, deps.Approvals, deps.ApprovalTimeout, logger),
		log:             logger.Named("mcp"),
		requireApproval: deps.RequireApproval,
	}

	s.mcp = server.NewMCPServer(
		"designer-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)
	if deps.Notifier != nil {
		deps.Notifier.Attach(s.mcp)
	}

	s.registerProjectTools()
	s.registerQueueTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// Approve forwards a user approval to the approval queue.
func (s *Server) Approve(actionID string) bool {
	return s.approval.Approve(actionID)
}

// Reject forwards a user rejection to the approval queue.
func (s *Server) Reject(actionID string) bool {
	return s.approval.Reject(actionID)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

// resolveProjectID returns the projectId from tool args or falls back to the
// project opened last.
func (s *Server) resolveProjectID(req mcp.CallToolRequest) (string, error) {
	if pid := req.GetString("projectId", ""); pid != "" {
		return pid, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeProjectID != "" {
		return s.activeProjectID, nil
	}
	return "", fmt.Errorf("no projectId provided and no project open (use open_project first)")
}

func (s *Server) setActiveProject(id string) {
	s.mu.Lock()
	s.activeProjectID = id
	s.mu.Unlock()
}

// confirm asks for approval when destructive tools require it.
func (s *Server) confirm(ctx context.Context, tool, description, projectID string) error {
	if !s.requireApproval {
		return nil
	}
	meta, err := marshalJSON(map[string]string{"projectId": projectID})
	if err != nil {
		return err
	}
	return s.approval.Request(ctx, tool, description, string(meta))
}
