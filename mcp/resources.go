package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}

// handleProfilesResource handles the droidfleet://profiles resource
func (s *MCPServer) handleProfilesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	profiles, err := s.app.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return jsonResource(request.Params.URI, profiles)
}

// handleTasksResource handles the droidfleet://tasks resource
func (s *MCPServer) handleTasksResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.app.GetAllTasks())
}

// handleProfileHistoryResource handles droidfleet://profiles/{profileId}/history
func (s *MCPServer) handleProfileHistoryResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	rest := strings.TrimPrefix(uri, "droidfleet://profiles/")
	idPart, ok := strings.CutSuffix(rest, "/history")
	if rest == uri || !ok {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	profileID, err := strconv.Atoi(idPart)
	if err != nil {
		return nil, fmt.Errorf("invalid profile id in %s: %w", uri, err)
	}

	records, err := s.app.GetProfileHistory(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return jsonResource(uri, records)
}
