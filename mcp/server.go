// Package mcp provides the MCP (Model Context Protocol) server for Droidfleet.
// External AI clients use it to queue scripts against device profiles and
// follow their execution.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"Droidfleet/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Type aliases from shared types package
type (
	Task            = types.DirectScriptTask
	TaskStatus      = types.TaskStatus
	Profile         = types.Profile
	ExecutionRecord = types.ExecutionRecord
)

// FleetApp is what the MCP server needs from the main application
type FleetApp interface {
	// Tasks
	QueueScript(scriptCode string, profileID int, timeout time.Duration) (*Task, error)
	WaitTask(ctx context.Context, taskID string) (*Task, error)
	GetTask(taskID string) (*Task, error)
	GetAllTasks() []*Task
	GetTasksForProfile(profileID int) []*Task
	ClearCompletedTasks() int
	ClearAllTasks() int

	// Profiles
	ListProfiles(ctx context.Context) ([]Profile, error)
	GetProfileHistory(ctx context.Context, profileID int) ([]ExecutionRecord, error)

	// Scripts
	ValidateScript(scriptCode string) error

	// Utility
	GetAppVersion() string
}

// MCPServer wraps the MCP server and provides Droidfleet-specific functionality
type MCPServer struct {
	app       FleetApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates a new MCP server for Droidfleet
func NewMCPServer(app FleetApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"droidfleet-script-engine",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithElicitation(), // clear_all_tasks asks before cancelling running scripts
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}

	s.registerTools()
	s.registerResources()

	return s
}

// registerTools registers all MCP tools
func (s *MCPServer) registerTools() {
	// Task Queue Tools
	s.registerTaskTools()

	// Profile Tools
	s.registerProfileTools()
}

// registerResources registers all MCP resources
func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"droidfleet://profiles",
			"Device profiles",
			mcp.WithMIMEType("application/json"),
		),
		s.handleProfilesResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"droidfleet://tasks",
			"Tasks currently held by the queue",
			mcp.WithMIMEType("application/json"),
		),
		s.handleTasksResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"droidfleet://profiles/{profileId}/history",
			"Execution history of a profile, newest first",
		),
		s.handleProfileHistoryResource,
	)
}

// Start starts the MCP server (blocking - for CLI mode)
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

// run runs the MCP server (blocking)
func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	// stdout belongs to the protocol
	fmt.Fprintln(os.Stderr, "[MCP] Droidfleet MCP Server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP] Server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	return err
}

// Stop stops the MCP server
func (s *MCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The server will stop when stdin is closed or context is cancelled
	s.isRunning = false
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// requestConfirmation requests user confirmation for dangerous operations
func (s *MCPServer) requestConfirmation(ctx context.Context, operation, details string) (bool, error) {
	elicitationRequest := mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: fmt.Sprintf("Dangerous Operation: %s\n\nDetails: %s\n\nDo you want to proceed?", operation, details),
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirm to proceed with this operation",
					},
				},
				"required": []string{"confirm"},
			},
		},
	}

	result, err := s.server.RequestElicitation(ctx, elicitationRequest)
	if err != nil {
		return false, fmt.Errorf("failed to request confirmation: %w", err)
	}

	if result.Action != mcp.ElicitationResponseActionAccept {
		return false, nil
	}

	data, ok := result.Content.(map[string]any)
	if !ok {
		return false, fmt.Errorf("unexpected response format")
	}

	confirm, ok := data["confirm"].(bool)
	if !ok {
		return false, fmt.Errorf("invalid confirmation response")
	}

	return confirm, nil
}
