package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTaskTools registers the script queue tools
func (s *MCPServer) registerTaskTools() {
	// queue_script - Queue a script for a profile
	s.server.AddTool(
		mcp.NewTool("queue_script",
			mcp.WithDescription("Queue a JavaScript automation script for a device profile. "+
				"The script body runs inside an async function with helpers, human, cloudflare, log and profile in scope. "+
				"Tasks of the same profile run one at a time; tasks of different profiles run in parallel."),
			mcp.WithNumber("profile_id",
				mcp.Required(),
				mcp.Description("ID of the profile to run the script on"),
			),
			mcp.WithString("script",
				mcp.Required(),
				mcp.Description("Script body, e.g. 'await helpers.tapByText(\"Login\"); return true;'"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Abort the task after this many seconds (default: engine default, 0 = none)"),
			),
			mcp.WithBoolean("wait",
				mcp.Description("Block until the task finishes and return its final state (default: false)"),
			),
		),
		s.handleQueueScript,
	)

	// get_task - Get one task
	s.server.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get status, result, error and logs of a task"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Task ID returned by queue_script"),
			),
		),
		s.handleGetTask,
	)

	// list_tasks - List all tasks
	s.server.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List every task held by the queue"),
			mcp.WithString("status",
				mcp.Description("Only tasks in this status"),
				mcp.Enum("pending", "running", "completed", "failed"),
			),
		),
		s.handleListTasks,
	)

	// list_profile_tasks - List tasks of one profile
	s.server.AddTool(
		mcp.NewTool("list_profile_tasks",
			mcp.WithDescription("List the tasks of one profile in queue order"),
			mcp.WithNumber("profile_id",
				mcp.Required(),
				mcp.Description("Profile ID"),
			),
		),
		s.handleListProfileTasks,
	)

	// clear_completed_tasks
	s.server.AddTool(
		mcp.NewTool("clear_completed_tasks",
			mcp.WithDescription("Remove completed and failed tasks from the queue. Execution history is kept."),
		),
		s.handleClearCompletedTasks,
	)

	// clear_all_tasks
	s.server.AddTool(
		mcp.NewTool("clear_all_tasks",
			mcp.WithDescription("Remove every task from the queue and cancel running scripts. Requires confirmation."),
		),
		s.handleClearAllTasks,
	)

	// validate_script
	s.server.AddTool(
		mcp.NewTool("validate_script",
			mcp.WithDescription("Check that a script body compiles without running it"),
			mcp.WithString("script",
				mcp.Required(),
				mcp.Description("Script body"),
			),
		),
		s.handleValidateScript,
	)
}

func intArg(args map[string]interface{}, name string) (int, bool) {
	switch v := args[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// formatTask renders a task for humans, logs included
func formatTask(t *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.ID)
	fmt.Fprintf(&b, "Profile: %d\n", t.ProfileID)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Queued: %s\n", t.QueuedAt.Format(time.RFC3339))
	if t.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s (%dms)\n", t.CompletedAt.Format(time.RFC3339), t.Duration().Milliseconds())
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", t.Error)
	}
	if t.Result != nil {
		data, _ := json.Marshal(t.Result)
		fmt.Fprintf(&b, "Result: %s\n", data)
	}
	if len(t.Logs) > 0 {
		b.WriteString("\nLogs:\n")
		for _, line := range t.Logs {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func taskListResult(tasks []*Task, empty string) (*mcp.CallToolResult, error) {
	if len(tasks) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(empty),
			},
		}, nil
	}

	result := fmt.Sprintf("Found %d task(s):\n\n", len(tasks))
	for i, t := range tasks {
		result += fmt.Sprintf("%d. %s [%s] profile %d", i+1, t.ID, t.Status, t.ProfileID)
		if t.Error != "" {
			result += " - " + t.Error
		}
		result += "\n"
	}

	jsonData, _ := json.MarshalIndent(tasks, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

// Tool handlers

func (s *MCPServer) handleQueueScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	profileID, ok := intArg(args, "profile_id")
	if !ok || profileID <= 0 {
		return nil, fmt.Errorf("profile_id is required")
	}
	script, ok := args["script"].(string)
	if !ok || strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("script is required")
	}

	var timeout time.Duration
	if secs, ok := intArg(args, "timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	wait, _ := args["wait"].(bool)

	task, err := s.app.QueueScript(script, profileID, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to queue script: %w", err)
	}

	if !wait {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(fmt.Sprintf("Script queued for profile %d\nTask ID: %s\nStatus: %s", profileID, task.ID, task.Status)),
			},
		}, nil
	}

	final, err := s.app.WaitTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for task %s: %w", task.ID, err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(formatTask(final)),
		},
		IsError: final.Status == "failed",
	}, nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	taskID, ok := args["task_id"].(string)
	if !ok || taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	task, err := s.app.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(formatTask(task)),
		},
	}, nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	status, _ := args["status"].(string)

	tasks := s.app.GetAllTasks()
	if status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return taskListResult(tasks, "No tasks in queue")
}

func (s *MCPServer) handleListProfileTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	profileID, ok := intArg(args, "profile_id")
	if !ok || profileID <= 0 {
		return nil, fmt.Errorf("profile_id is required")
	}
	return taskListResult(s.app.GetTasksForProfile(profileID), fmt.Sprintf("No tasks for profile %d", profileID))
}

func (s *MCPServer) handleClearCompletedTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := s.app.ClearCompletedTasks()
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("Cleared %d finished task(s)", n)),
		},
	}, nil
}

func (s *MCPServer) handleClearAllTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	running := 0
	for _, t := range s.app.GetAllTasks() {
		if t.Status == "running" {
			running++
		}
	}

	confirmed, err := s.requestConfirmation(ctx, "Clear All Tasks",
		fmt.Sprintf("Every queued task is removed and %d running script(s) will be cancelled", running))
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("Clear cancelled by user"),
			},
		}, nil
	}

	n := s.app.ClearAllTasks()
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("Cleared %d task(s)", n)),
		},
	}, nil
}

func (s *MCPServer) handleValidateScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	script, ok := args["script"].(string)
	if !ok {
		return nil, fmt.Errorf("script is required")
	}

	if err := s.app.ValidateScript(script); err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(err.Error()),
			},
			IsError: true,
		}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent("Script is valid"),
		},
	}, nil
}
