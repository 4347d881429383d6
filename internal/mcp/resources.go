package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	projectsURI       = "designer://projects"
	projectURIPrefix  = "designer://projects/"
	snapshotURISuffix = "/snapshot"
)

func (s *Server) registerResources() {
	// ── designer://projects ────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		projectsURI,
		"Projects and save status",
		mcp.WithMIMEType("application/json"),
	), s.handleProjectsResource)

	// ── designer://projects/{projectId}/snapshot ───────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"designer://projects/{projectId}/snapshot",
			"Last saved snapshot of a project",
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSnapshotResource,
	)
}

func (s *Server) handleProjectsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(s.queue.Projects(), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      projectsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSnapshotResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	projectID := projectIDFromURI(uri)
	if projectID == "" {
		return nil, fmt.Errorf("could not extract projectId from URI: %s", uri)
	}

	snap, err := s.queue.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// projectIDFromURI extracts the project ID from "designer://projects/{id}/snapshot".
func projectIDFromURI(uri string) string {
	if !strings.HasPrefix(uri, projectURIPrefix) || !strings.HasSuffix(uri, snapshotURISuffix) {
		return ""
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(uri, projectURIPrefix), snapshotURISuffix)
	if middle == "" || strings.Contains(middle, "/") {
		return ""
	}
	id, err := url.PathUnescape(middle)
	if err != nil {
		return ""
	}
	return id
}
