package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Droidfleet/pkg/types"
)

var (
	runProfiles []int
	runTimeout  time.Duration
	runShowLogs bool
)

var runCmd = &cobra.Command{
	Use:   "run <script.js>",
	Short: "Run a script on one or more profiles and wait for the results",
	Example: `  droidfleet run login.js --profile 1 --profile 2 --timeout 2m
  droidfleet run - --profile 3 < warmup.js`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(runProfiles) == 0 {
			return fmt.Errorf("at least one --profile is required")
		}
		code, err := readScript(cmd, args[0])
		if err != nil {
			return err
		}

		app, err := startApp()
		if err != nil {
			return err
		}
		defer shutdownApp(app)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		results, err := runOnProfiles(ctx, app, code, runProfiles, runTimeout)
		printRunResults(cmd.OutOrStdout(), results, runShowLogs)
		if err != nil {
			return err
		}
		for _, t := range results {
			if t.Status != types.TaskCompleted {
				return fmt.Errorf("%d of %d task(s) did not complete", countFailed(results), len(results))
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntSliceVarP(&runProfiles, "profile", "p", nil, "profile id to run on (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-task deadline (0 = config default)")
	runCmd.Flags().BoolVar(&runShowLogs, "logs", false, "print each task's log")
}

// readScript reads the script file, "-" meaning stdin
func readScript(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

// taskRunner is what runOnProfiles needs from the app
type taskRunner interface {
	QueueScript(scriptCode string, profileID int, timeout time.Duration) (*types.DirectScriptTask, error)
	WaitTask(ctx context.Context, taskID string) (*types.DirectScriptTask, error)
}

// runOnProfiles queues the script for every profile and waits for all of
// them. Results keep the order of profileIDs.
func runOnProfiles(ctx context.Context, r taskRunner, code string, profileIDs []int, timeout time.Duration) ([]*types.DirectScriptTask, error) {
	timer := StartOperation("run", "run_on_profiles").AddDetail("profiles", len(profileIDs))
	results := make([]*types.DirectScriptTask, len(profileIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range profileIDs {
		g.Go(func() error {
			task, err := r.QueueScript(code, id, timeout)
			if err != nil {
				return fmt.Errorf("queue script for profile %d: %w", id, err)
			}
			final, err := r.WaitTask(gctx, task.ID)
			if err != nil {
				return fmt.Errorf("wait for task %s: %w", task.ID, err)
			}
			mu.Lock()
			results[i] = final
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	done := results[:0:0]
	for _, t := range results {
		if t != nil {
			done = append(done, t)
		}
	}

	timer.AddDetail("completed", len(done)).AddDetail("failed", countFailed(done))
	if err != nil {
		timer.EndWithError(err)
	} else {
		timer.End()
	}
	return done, err
}

type runSummary struct {
	TaskID     string `json:"taskId"`
	ProfileID  int    `json:"profileId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

func printRunResults(w io.Writer, results []*types.DirectScriptTask, withLogs bool) {
	for _, t := range results {
		data, _ := json.Marshal(runSummary{
			TaskID:     t.ID,
			ProfileID:  t.ProfileID,
			Status:     string(t.Status),
			DurationMs: t.Duration().Milliseconds(),
			Result:     t.Result,
			Error:      t.Error,
		})
		fmt.Fprintln(w, string(data))
		if withLogs {
			for _, line := range t.Logs {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
	}
}

func countFailed(results []*types.DirectScriptTask) int {
	n := 0
	for _, t := range results {
		if t.Status != types.TaskCompleted {
			n++
		}
	}
	return n
}
