package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

// HistoryStore appends execution records to profile metadata
type HistoryStore struct {
	profiles ProfileManager
	limit    int
	log      zerolog.Logger
}

// NewHistoryStore keeps at most limit records per profile (types.HistoryLimit when <= 0)
func NewHistoryStore(profiles ProfileManager, limit int, logger zerolog.Logger) *HistoryStore {
	if limit <= 0 {
		limit = types.HistoryLimit
	}
	return &HistoryStore{
		profiles: profiles,
		limit:    limit,
		log:      logger.With().Str("module", "history").Logger(),
	}
}

// FormatFullLog renders the human-readable block stored with each record
func FormatFullLog(task *types.DirectScriptTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== [%s] Task %s ===\n", strings.ToUpper(string(task.Status)), task.ID)
	fmt.Fprintf(&b, "Profile: %d\n", task.ProfileID)
	if task.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", task.StartedAt.Format(time.RFC3339))
	}
	b.WriteString("\n")
	for _, line := range task.Logs {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "--- Status: %s | Duration: %dms ---", task.Status, task.Duration().Milliseconds())
	if task.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", task.Error)
	}
	return b.String()
}

// NewRecord builds the history entry for a finished task
func NewRecord(task *types.DirectScriptTask) types.ExecutionRecord {
	ts := time.Now()
	if task.CompletedAt != nil {
		ts = *task.CompletedAt
	}
	return types.ExecutionRecord{
		TaskID:      task.ID,
		Status:      task.Status,
		Timestamp:   ts,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
		Duration:    task.Duration().Milliseconds(),
		Logs:        append([]string(nil), task.Logs...),
		Error:       task.Error,
		FullLog:     FormatFullLog(task),
	}
}

// Record prepends the task's record to the profile history, truncates it and
// sets lastExecution. Failures are logged, never returned: history is a
// trail, not part of the task outcome.
func (h *HistoryStore) Record(ctx context.Context, task *types.DirectScriptTask) {
	if h.profiles == nil {
		return
	}
	profile, err := h.profiles.GetProfile(ctx, task.ProfileID)
	if err != nil {
		h.log.Warn().Err(err).Str("taskId", task.ID).Int("profileId", task.ProfileID).Msg("history not recorded: profile unavailable")
		return
	}

	rec := NewRecord(task)
	existing := profile.ExecutionHistory()
	history := make([]types.ExecutionRecord, 0, len(existing)+1)
	history = append(history, rec)
	history = append(history, existing...)
	if len(history) > h.limit {
		history = history[:h.limit]
	}

	_, err = h.profiles.UpdateProfile(ctx, task.ProfileID, types.ProfileUpdate{
		Metadata: map[string]any{
			types.MetaExecutionHistory: history,
			types.MetaLastExecution:    rec,
		},
	})
	if err != nil {
		h.log.Warn().Err(err).Str("taskId", task.ID).Int("profileId", task.ProfileID).Msg("history not recorded: update failed")
		return
	}
	h.log.Debug().Str("taskId", task.ID).Int("entries", len(history)).Msg("execution recorded")
}

// History returns the profile's records, newest first
func (h *HistoryStore) History(ctx context.Context, profileID int) ([]types.ExecutionRecord, error) {
	profile, err := h.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return profile.ExecutionHistory(), nil
}
