package mcpserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier forwards service events to connected MCP clients as
// notifications named "notifications/<event>". Events emitted before a
// server is attached are dropped.
type Notifier struct {
	mu  sync.RWMutex
	srv *server.MCPServer
}

// Attach sets the server notifications are sent through.
func (n *Notifier) Attach(srv *server.MCPServer) {
	n.mu.Lock()
	n.srv = srv
	n.mu.Unlock()
}

func (n *Notifier) Emit(_ context.Context, event string, data any) {
	n.mu.RLock()
	srv := n.srv
	n.mu.RUnlock()
	if srv == nil {
		return
	}
	srv.SendNotificationToAllClients("notifications/"+event, toParams(data))
}

// toParams flattens data into the map shape notifications carry.
func toParams(data any) map[string]any {
	if m, ok := data.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]any{"data": data}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"data": data}
	}
	return m
}
