package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerProfileTools registers profile tools
func (s *MCPServer) registerProfileTools() {
	// list_profiles
	s.server.AddTool(
		mcp.NewTool("list_profiles",
			mcp.WithDescription("List device profiles with their emulator instance, ADB port and status"),
		),
		s.handleListProfiles,
	)

	// profile_history
	s.server.AddTool(
		mcp.NewTool("profile_history",
			mcp.WithDescription("Get the execution history of a profile, newest first"),
			mcp.WithNumber("profile_id",
				mcp.Required(),
				mcp.Description("Profile ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum records to return (default: all, at most 20 are kept)"),
			),
			mcp.WithBoolean("full_log",
				mcp.Description("Include the formatted log of each run (default: false)"),
			),
		),
		s.handleProfileHistory,
	)
}

func (s *MCPServer) handleListProfiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profiles, err := s.app.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	if len(profiles) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("No profiles configured"),
			},
		}, nil
	}

	result := fmt.Sprintf("Found %d profile(s):\n\n", len(profiles))
	for _, p := range profiles {
		result += fmt.Sprintf("%d. %s\n   Instance: %s, Port: %d, Status: %s\n", p.ID, p.Name, p.InstanceName, p.Port, p.Status)
	}

	jsonData, _ := json.MarshalIndent(profiles, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

func (s *MCPServer) handleProfileHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	profileID, ok := intArg(args, "profile_id")
	if !ok || profileID <= 0 {
		return nil, fmt.Errorf("profile_id is required")
	}
	limit, _ := intArg(args, "limit")
	fullLog, _ := args["full_log"].(bool)

	records, err := s.app.GetProfileHistory(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	if len(records) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(fmt.Sprintf("No executions recorded for profile %d", profileID)),
			},
		}, nil
	}

	result := fmt.Sprintf("Last %d execution(s) of profile %d:\n\n", len(records), profileID)
	for i, r := range records {
		result += fmt.Sprintf("%d. %s [%s] %s, %dms", i+1, r.TaskID, r.Status, r.Timestamp.Format("2006-01-02 15:04:05"), r.Duration)
		if r.Error != "" {
			result += " - " + r.Error
		}
		result += "\n"
		if fullLog {
			result += r.FullLog + "\n\n"
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
		},
	}, nil
}
