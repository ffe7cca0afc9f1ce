package mcp

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockFleetApp is a mock implementation of FleetApp for testing
type MockFleetApp struct {
	mu    sync.Mutex
	Calls []MockCall

	// Tasks
	QueueScriptResult         *Task
	QueueScriptError          error
	WaitTaskResult            *Task
	WaitTaskError             error
	GetTaskResult             *Task
	GetTaskError              error
	Tasks                     []*Task
	ClearCompletedTasksResult int
	ClearAllTasksResult       int

	// Profiles
	ListProfilesResult      []Profile
	ListProfilesError       error
	GetProfileHistoryResult []ExecutionRecord
	GetProfileHistoryError  error

	// Scripts
	ValidateScriptError error

	// Utility
	AppVersion string
}

// Common errors for testing
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrShuttingDown    = errors.New("engine is shutting down")
)

// NewMockFleetApp creates a new mock app with default values
func NewMockFleetApp() *MockFleetApp {
	return &MockFleetApp{
		Calls:              make([]MockCall, 0),
		AppVersion:         "1.0.0-test",
		Tasks:              []*Task{},
		ListProfilesResult: []Profile{},
	}
}

// recordCall records a method call
func (m *MockFleetApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns all recorded calls
func (m *MockFleetApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.Calls...)
}

// ResetCalls clears all recorded calls
func (m *MockFleetApp) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = make([]MockCall, 0)
}

// GetLastCall returns the last recorded call
func (m *MockFleetApp) GetLastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}

// WasMethodCalled checks if a method was called
func (m *MockFleetApp) WasMethodCalled(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.Calls {
		if call.Method == method {
			return true
		}
	}
	return false
}

// GetLastCallByMethod returns the last call to a specific method
func (m *MockFleetApp) GetLastCallByMethod(method string) *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == method {
			return &m.Calls[i]
		}
	}
	return nil
}

// === Tasks ===

func (m *MockFleetApp) QueueScript(scriptCode string, profileID int, timeout time.Duration) (*Task, error) {
	m.recordCall("QueueScript", scriptCode, profileID, timeout)
	return m.QueueScriptResult, m.QueueScriptError
}

func (m *MockFleetApp) WaitTask(ctx context.Context, taskID string) (*Task, error) {
	m.recordCall("WaitTask", taskID)
	return m.WaitTaskResult, m.WaitTaskError
}

func (m *MockFleetApp) GetTask(taskID string) (*Task, error) {
	m.recordCall("GetTask", taskID)
	return m.GetTaskResult, m.GetTaskError
}

func (m *MockFleetApp) GetAllTasks() []*Task {
	m.recordCall("GetAllTasks")
	return append([]*Task(nil), m.Tasks...)
}

func (m *MockFleetApp) GetTasksForProfile(profileID int) []*Task {
	m.recordCall("GetTasksForProfile", profileID)
	var out []*Task
	for _, t := range m.Tasks {
		if t.ProfileID == profileID {
			out = append(out, t)
		}
	}
	return out
}

func (m *MockFleetApp) ClearCompletedTasks() int {
	m.recordCall("ClearCompletedTasks")
	return m.ClearCompletedTasksResult
}

func (m *MockFleetApp) ClearAllTasks() int {
	m.recordCall("ClearAllTasks")
	return m.ClearAllTasksResult
}

// === Profiles ===

func (m *MockFleetApp) ListProfiles(ctx context.Context) ([]Profile, error) {
	m.recordCall("ListProfiles")
	return m.ListProfilesResult, m.ListProfilesError
}

func (m *MockFleetApp) GetProfileHistory(ctx context.Context, profileID int) ([]ExecutionRecord, error) {
	m.recordCall("GetProfileHistory", profileID)
	return m.GetProfileHistoryResult, m.GetProfileHistoryError
}

// === Scripts ===

func (m *MockFleetApp) ValidateScript(scriptCode string) error {
	m.recordCall("ValidateScript", scriptCode)
	return m.ValidateScriptError
}

// === Utility ===

func (m *MockFleetApp) GetAppVersion() string {
	m.recordCall("GetAppVersion")
	return m.AppVersion
}

// === Helper methods for test setup ===

// SetupWithTasks configures the mock to hold tasks
func (m *MockFleetApp) SetupWithTasks(tasks ...*Task) *MockFleetApp {
	m.Tasks = tasks
	return m
}

// SetupWithProfiles configures the mock to return profiles
func (m *MockFleetApp) SetupWithProfiles(profiles ...Profile) *MockFleetApp {
	m.ListProfilesResult = profiles
	return m
}

// SetupWithError configures a specific method to return an error
func (m *MockFleetApp) SetupWithError(method string, err error) *MockFleetApp {
	switch method {
	case "QueueScript":
		m.QueueScriptError = err
	case "WaitTask":
		m.WaitTaskError = err
	case "GetTask":
		m.GetTaskError = err
	case "ListProfiles":
		m.ListProfilesError = err
	case "GetProfileHistory":
		m.GetProfileHistoryError = err
	case "ValidateScript":
		m.ValidateScriptError = err
	}
	return m
}

// === Sample data generators ===

// SampleTask returns a task in the given status
func SampleTask(id string, profileID int, status TaskStatus) *Task {
	queued := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	t := &Task{
		ID:         id,
		ProfileID:  profileID,
		ScriptCode: "return 1;",
		Status:     status,
		Logs:       []string{"[10:00:00] Task " + id + " started"},
		QueuedAt:   queued,
	}
	if status == "completed" || status == "failed" {
		started := queued.Add(time.Second)
		done := started.Add(1500 * time.Millisecond)
		t.StartedAt = &started
		t.CompletedAt = &done
	}
	switch status {
	case "completed":
		t.Result = map[string]any{"ok": true}
	case "failed":
		t.Error = "Element not found: Login"
	}
	return t
}

// SampleProfile returns a sample profile for testing
func SampleProfile(id int, name string) Profile {
	return Profile{
		ID:           id,
		Name:         name,
		InstanceName: "LDPlayer-" + name,
		Port:         5555 + 2*id,
		Status:       "active",
		Metadata:     map[string]any{},
	}
}

// SampleRecord returns a sample execution record
func SampleRecord(taskID string, status TaskStatus) ExecutionRecord {
	return ExecutionRecord{
		TaskID:    taskID,
		Status:    status,
		Timestamp: time.Date(2026, 1, 2, 10, 0, 2, 0, time.UTC),
		Duration:  1500,
		Logs:      []string{"[10:00:01] started"},
		FullLog:   "=== [" + string(status) + "] Task " + taskID + " ===",
	}
}
