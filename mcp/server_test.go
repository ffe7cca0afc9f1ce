package mcp

import (
	"testing"
)

// TestNewMCPServer tests server creation
func TestNewMCPServer(t *testing.T) {
	mock := NewMockFleetApp()
	server := NewMCPServer(mock)

	if server == nil {
		t.Fatal("NewMCPServer should not return nil")
	}

	if server.app == nil {
		t.Error("server.app should not be nil")
	}

	if server.server == nil {
		t.Error("server.server (underlying MCP server) should not be nil")
	}

	// Verify GetAppVersion was called during initialization
	if !mock.WasMethodCalled("GetAppVersion") {
		t.Error("GetAppVersion should be called during server creation")
	}
}

// TestMCPServer_IsRunning tests the IsRunning method
func TestMCPServer_IsRunning(t *testing.T) {
	server := NewMCPServer(NewMockFleetApp())

	if server.IsRunning() {
		t.Error("Server should not be running initially")
	}
}

// TestMCPServer_Stop tests the Stop method
func TestMCPServer_Stop(t *testing.T) {
	server := NewMCPServer(NewMockFleetApp())

	// Stop should not panic even when not running
	server.Stop()

	if server.IsRunning() {
		t.Error("Server should not be running after Stop")
	}
}

// TestMockFleetApp_Interface verifies MockFleetApp implements FleetApp
func TestMockFleetApp_Interface(t *testing.T) {
	var _ FleetApp = (*MockFleetApp)(nil)
}

// TestMockFleetApp_RecordsCalls tests call recording
func TestMockFleetApp_RecordsCalls(t *testing.T) {
	mock := NewMockFleetApp()

	mock.GetAllTasks()
	mock.GetTask("task_1")
	mock.GetTasksForProfile(3)

	calls := mock.GetCalls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(calls))
	}
	if calls[0].Method != "GetAllTasks" {
		t.Errorf("Expected first call to be GetAllTasks, got %s", calls[0].Method)
	}
	if calls[1].Args[0] != "task_1" {
		t.Errorf("Expected task_1 argument, got %v", calls[1].Args[0])
	}
	if calls[2].Args[0] != 3 {
		t.Errorf("Expected profile 3 argument, got %v", calls[2].Args[0])
	}
}

// TestMockFleetApp_ResetCalls tests clearing call history
func TestMockFleetApp_ResetCalls(t *testing.T) {
	mock := NewMockFleetApp()

	mock.GetAllTasks()
	mock.ResetCalls()

	if len(mock.GetCalls()) != 0 {
		t.Error("Calls should be empty after ResetCalls")
	}
	if mock.GetLastCall() != nil {
		t.Error("GetLastCall should return nil when no calls made")
	}
}

// TestMockFleetApp_GetLastCallByMethod tests finding the last call of a method
func TestMockFleetApp_GetLastCallByMethod(t *testing.T) {
	mock := NewMockFleetApp()

	mock.GetTask("task_1")
	mock.GetAllTasks()
	mock.GetTask("task_2")

	call := mock.GetLastCallByMethod("GetTask")
	if call == nil || call.Args[0] != "task_2" {
		t.Errorf("Expected last GetTask(task_2), got %+v", call)
	}
	if mock.GetLastCallByMethod("ClearAllTasks") != nil {
		t.Error("ClearAllTasks was never called")
	}
}
