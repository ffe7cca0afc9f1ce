package main

import (
	"context"
	"time"

	"Droidfleet/mcp"
)

// MCPBridge bridges the main App to the MCP server
type MCPBridge struct {
	app *App
}

// NewMCPBridge creates a new MCP bridge
func NewMCPBridge(app *App) *MCPBridge {
	return &MCPBridge{app: app}
}

// Implement mcp.FleetApp interface

func (b *MCPBridge) QueueScript(scriptCode string, profileID int, timeout time.Duration) (*mcp.Task, error) {
	return b.app.QueueScript(scriptCode, profileID, timeout)
}

func (b *MCPBridge) WaitTask(ctx context.Context, taskID string) (*mcp.Task, error) {
	return b.app.WaitTask(ctx, taskID)
}

func (b *MCPBridge) GetTask(taskID string) (*mcp.Task, error) {
	return b.app.GetTask(taskID)
}

func (b *MCPBridge) GetAllTasks() []*mcp.Task {
	return b.app.GetAllTasks()
}

func (b *MCPBridge) GetTasksForProfile(profileID int) []*mcp.Task {
	return b.app.GetTasksForProfile(profileID)
}

func (b *MCPBridge) ClearCompletedTasks() int {
	n := b.app.ClearCompletedTasks()
	LogInfo("mcp").Int("cleared", n).Msg("Cleared finished tasks")
	return n
}

func (b *MCPBridge) ClearAllTasks() int {
	n := b.app.ClearAllTasks()
	LogWarn("mcp").Int("cleared", n).Msg("Cleared all tasks")
	return n
}

func (b *MCPBridge) ListProfiles(ctx context.Context) ([]mcp.Profile, error) {
	return b.app.ListProfiles(ctx)
}

func (b *MCPBridge) GetProfileHistory(ctx context.Context, profileID int) ([]mcp.ExecutionRecord, error) {
	return b.app.GetProfileHistory(ctx, profileID)
}

func (b *MCPBridge) ValidateScript(scriptCode string) error {
	return b.app.ValidateScript(scriptCode)
}

func (b *MCPBridge) GetAppVersion() string {
	return b.app.GetAppVersion()
}

// StartMCPServer serves MCP over stdio until the client disconnects or the
// process is signalled
func StartMCPServer(app *App) error {
	bridge := NewMCPBridge(app)
	mcpServer := mcp.NewMCPServer(bridge)
	if err := mcpServer.Start(); err != nil {
		LogError("mcp").Err(err).Msg("Failed to start MCP server")
		return err
	}
	return nil
}
