package types

import "time"

// TaskStatus is the state of a DirectScriptTask
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// HistoryLimit is the number of execution records kept per profile
const HistoryLimit = 20

// Terminal reports whether no further transition is possible
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition enforces pending -> running -> {completed, failed}
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskFailed
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// DirectScriptTask is one request to run a script against one profile
type DirectScriptTask struct {
	ID          string     `json:"id"`
	ProfileID   int        `json:"profileId"`
	ScriptCode  string     `json:"scriptCode"`
	Status      TaskStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Logs        []string   `json:"logs"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Clone returns a copy safe to hand out of the task store
func (t *DirectScriptTask) Clone() *DirectScriptTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Logs = append([]string(nil), t.Logs...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.Deadline != nil {
		ts := *t.Deadline
		c.Deadline = &ts
	}
	return &c
}

// Duration is the wall time between start and completion, zero if unfinished
func (t *DirectScriptTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// ExecutionRecord is one entry of a profile's durable execution history
type ExecutionRecord struct {
	TaskID      string     `json:"taskId"`
	Status      TaskStatus `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Duration    int64      `json:"duration"` // milliseconds
	Logs        []string   `json:"logs"`
	Error       string     `json:"error,omitempty"`
	FullLog     string     `json:"fullLog"`
}
