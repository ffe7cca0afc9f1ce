package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/device"
	"Droidfleet/pkg/sandbox"
	"Droidfleet/pkg/store"
	"Droidfleet/pkg/types"
)

// fakeResolver hands out a fixed session and counts resolutions
type fakeResolver struct {
	calls atomic.Int32
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, profile *types.Profile) (*device.Session, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return device.NewSession(nil, 5555, "emulator-5554", zerolog.Nop()), nil
}

// fakeEnv builds a helpers object from the test's bindings
type fakeEnv struct {
	bind func(ctx context.Context, run Run) map[string]any
}

func (f *fakeEnv) Build(ctx context.Context, run Run) (sandbox.Env, error) {
	helpers := map[string]any{}
	if f.bind != nil {
		helpers = f.bind(ctx, run)
	}
	return sandbox.Env{Helpers: helpers, Log: run.Log, Profile: map[string]any{"id": run.Profile.ID}}, nil
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	lines map[int][]string
}

func (b *recordingBroadcaster) Broadcast(profileID int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lines == nil {
		b.lines = map[int][]string{}
	}
	b.lines[profileID] = append(b.lines[profileID], message)
}

func (b *recordingBroadcaster) get(profileID int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines[profileID]...)
}

// failingProfiles reads fine and rejects every write
type failingProfiles struct {
	ProfileManager
}

func (failingProfiles) UpdateProfile(ctx context.Context, id int, upd types.ProfileUpdate) (*types.Profile, error) {
	return nil, errors.New("disk full")
}

func newProfiles(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	s, err := store.NewMemoryStore("", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		if _, err := s.CreateProfile(context.Background(), types.Profile{
			Name:         fmt.Sprintf("profile %d", i),
			InstanceName: fmt.Sprintf("LDPlayer-%d", i),
			Port:         5555,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func newTestEngine(t *testing.T, cfg Config, env *fakeEnv) (*Engine, *fakeResolver) {
	t.Helper()
	if env == nil {
		env = &fakeEnv{}
	}
	r := &fakeResolver{}
	cfg.Logger = zerolog.Nop()
	e := New(cfg, WithResolver(r), WithEnvironment(env))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, r
}

func waitTask(t *testing.T, e *Engine, id string) *types.DirectScriptTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return final
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func containsLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestQueueScriptCompletes(t *testing.T) {
	profiles := newProfiles(t, 1)
	e, resolver := newTestEngine(t, Config{Profiles: profiles}, nil)

	task, err := e.QueueScript(`log("hello from script"); return profile.id + 1;`, 1)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskPending || !strings.HasPrefix(task.ID, "task_") {
		t.Errorf("unexpected snapshot %+v", task)
	}

	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskCompleted {
		t.Fatalf("status = %s, error = %s", final.Status, final.Error)
	}
	if final.Result != float64(2) {
		t.Errorf("result = %#v", final.Result)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("timestamps not set")
	}
	for _, want := range []string{"started for profile 1", "hello from script", "Connected to emulator-5554 (port 5555)", "Script completed successfully"} {
		if !containsLine(final.Logs, want) {
			t.Errorf("log %q missing from %v", want, final.Logs)
		}
	}
	if resolver.calls.Load() != 1 {
		t.Errorf("resolver called %d times", resolver.calls.Load())
	}

	p, err := profiles.GetProfile(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != types.ProfileActive {
		t.Errorf("profile status = %s", p.Status)
	}
	history := p.ExecutionHistory()
	if len(history) != 1 || history[0].TaskID != task.ID || history[0].Status != types.TaskCompleted {
		t.Fatalf("history = %+v", history)
	}
	if !strings.Contains(history[0].FullLog, "=== [COMPLETED] Task "+task.ID) {
		t.Errorf("full log header missing: %s", history[0].FullLog)
	}
}

func TestScriptErrorFailsTask(t *testing.T) {
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, nil)
	task, err := e.QueueScript(`throw new Error("element vanished")`, 1)
	if err != nil {
		t.Fatal(err)
	}
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskFailed || final.Error != "element vanished" {
		t.Fatalf("got %s / %q", final.Status, final.Error)
	}
	if !containsLine(final.Logs, "Error: element vanished") {
		t.Errorf("error not logged: %v", final.Logs)
	}
}

func TestSyntaxErrorSkipsResolution(t *testing.T) {
	e, resolver := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, nil)
	task, err := e.QueueScript(`return (;`, 1)
	if err != nil {
		t.Fatal(err)
	}
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskFailed || !strings.Contains(final.Error, "Invalid script syntax") {
		t.Fatalf("got %s / %q", final.Status, final.Error)
	}
	if resolver.calls.Load() != 0 {
		t.Error("device resolved for a script that does not compile")
	}
}

func TestResolutionFailureFailsTask(t *testing.T) {
	profiles := newProfiles(t, 1)
	r := &fakeResolver{err: errors.New("instance LDPlayer-1 not found")}
	e := New(Config{Profiles: profiles, Logger: zerolog.Nop()}, WithResolver(r), WithEnvironment(&fakeEnv{}))
	defer e.Shutdown(context.Background())

	task, _ := e.QueueScript(`return 1`, 1)
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskFailed || !strings.Contains(final.Error, "not found") {
		t.Fatalf("got %s / %q", final.Status, final.Error)
	}
	p, _ := profiles.GetProfile(context.Background(), 1)
	if p.Status != types.ProfileActive {
		t.Errorf("profile left %s", p.Status)
	}
}

func TestUnknownProfileFails(t *testing.T) {
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, nil)
	task, _ := e.QueueScript(`return 1`, 99)
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskFailed || !strings.Contains(final.Error, "load profile 99") {
		t.Fatalf("got %s / %q", final.Status, final.Error)
	}
}

func TestQueuePurgesFinishedTasksOfProfile(t *testing.T) {
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 2)}, nil)

	first, _ := e.QueueScript(`return 1`, 1)
	other, _ := e.QueueScript(`return 2`, 2)
	waitTask(t, e, first.ID)
	waitTask(t, e, other.ID)

	second, _ := e.QueueScript(`return 3`, 1)
	if _, err := e.GetTask(first.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("finished task of profile 1 kept: %v", err)
	}
	if _, err := e.GetTask(other.ID); err != nil {
		t.Errorf("task of profile 2 purged: %v", err)
	}
	waitTask(t, e, second.ID)
	if got := e.GetTasksForProfile(1); len(got) != 1 || got[0].ID != second.ID {
		t.Errorf("profile 1 tasks = %v", got)
	}
}

func TestWaitAfterPurgeReturnsFinalSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, nil)

	first, _ := e.QueueScript(`return "a"`, 1)
	waitTask(t, e, first.ID)
	second, _ := e.QueueScript(`return "b"`, 1)
	waitTask(t, e, second.ID)

	if _, err := e.GetTask(first.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("first task still queued: %v", err)
	}
	final := waitTask(t, e, first.ID)
	if final.Status != types.TaskCompleted || final.Result != "a" {
		t.Errorf("got %s / %#v", final.Status, final.Result)
	}
}

func TestWaitAfterClearCompleted(t *testing.T) {
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, nil)
	task, _ := e.QueueScript(`return "kept"`, 1)
	waitTask(t, e, task.ID)
	e.ClearCompletedTasks()

	if final := waitTask(t, e, task.ID); final.Result != "kept" {
		t.Errorf("result = %#v", final.Result)
	}
}

func TestFinishedSnapshotsAreBounded(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	e.mu.Lock()
	for i := 0; i < finishedLimit+5; i++ {
		id := fmt.Sprintf("task_%d", i)
		e.retainLocked(id, &types.DirectScriptTask{ID: id, Status: types.TaskCompleted})
	}
	e.mu.Unlock()

	if len(e.finished) != finishedLimit || len(e.finishedOrder) != finishedLimit {
		t.Fatalf("kept %d/%d snapshots", len(e.finished), len(e.finishedOrder))
	}
	if _, err := e.Wait(context.Background(), "task_0"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("oldest snapshot not evicted: %v", err)
	}
	if _, err := e.Wait(context.Background(), fmt.Sprintf("task_%d", finishedLimit+4)); err != nil {
		t.Errorf("newest snapshot evicted: %v", err)
	}
}

func TestHistoryCappedNewestFirst(t *testing.T) {
	profiles := newProfiles(t, 1)
	e, _ := newTestEngine(t, Config{Profiles: profiles, HistoryLimit: 3}, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := e.QueueScript(fmt.Sprintf("return %d", i), 1)
		if err != nil {
			t.Fatal(err)
		}
		waitTask(t, e, task.ID)
		ids = append(ids, task.ID)
	}

	history, err := e.History().History(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	for i, rec := range history {
		if want := ids[len(ids)-1-i]; rec.TaskID != want {
			t.Errorf("history[%d] = %s, want %s", i, rec.TaskID, want)
		}
	}
	p, _ := profiles.GetProfile(context.Background(), 1)
	if last, ok := p.Metadata[types.MetaLastExecution].(types.ExecutionRecord); !ok || last.TaskID != ids[4] {
		t.Errorf("lastExecution = %#v", p.Metadata[types.MetaLastExecution])
	}
}

func TestSameProfileRunsSerially(t *testing.T) {
	var active, peak atomic.Int32
	env := &fakeEnv{bind: func(ctx context.Context, run Run) map[string]any {
		return map[string]any{
			"work": func() error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				return device.Sleep(ctx, 50*time.Millisecond)
			},
		}
	}}
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, env)

	var ids []string
	for i := 0; i < 3; i++ {
		task, _ := e.QueueScript(`await helpers.work(); return true`, 1)
		ids = append(ids, task.ID)
	}
	// a new enqueue only purges finished tasks, so all three stay queued
	if got := e.GetTasksForProfile(1); len(got) != 3 {
		t.Fatalf("queued %d tasks", len(got))
	}
	for _, id := range ids {
		if final := waitTask(t, e, id); final.Status != types.TaskCompleted {
			t.Errorf("%s: %s %s", id, final.Status, final.Error)
		}
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency on one profile = %d", peak.Load())
	}
}

func TestDifferentProfilesRunConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	env := &fakeEnv{bind: func(ctx context.Context, run Run) map[string]any {
		return map[string]any{
			"rendezvous": func() error {
				arrived.Done()
				select {
				case <-both:
					return nil
				case <-time.After(2 * time.Second):
					return errors.New("other profile never started")
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}
	}}
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 2)}, env)

	a, _ := e.QueueScript(`helpers.rendezvous(); return "a"`, 1)
	b, _ := e.QueueScript(`helpers.rendezvous(); return "b"`, 2)
	for _, id := range []string{a.ID, b.ID} {
		if final := waitTask(t, e, id); final.Status != types.TaskCompleted {
			t.Errorf("%s: %s %s", id, final.Status, final.Error)
		}
	}
}

func blockingEnv(started chan<- string) *fakeEnv {
	return &fakeEnv{bind: func(ctx context.Context, run Run) map[string]any {
		return map[string]any{
			"block": func() error {
				if started != nil {
					started <- run.Task.ID
				}
				<-ctx.Done()
				return ctx.Err()
			},
		}
	}}
}

func TestDeadlineInterruptsScript(t *testing.T) {
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1)}, blockingEnv(nil))
	task, _ := e.QueueScript(`helpers.block(); return "unreachable"`, 1, WithTimeout(50*time.Millisecond))
	if task.Deadline == nil {
		t.Fatal("deadline not recorded on the task")
	}
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskFailed || !strings.Contains(final.Error, "deadline exceeded") {
		t.Fatalf("got %s / %q", final.Status, final.Error)
	}
}

func TestClearAllCancelsRunningTask(t *testing.T) {
	profiles := newProfiles(t, 1)
	started := make(chan string, 1)
	e, _ := newTestEngine(t, Config{Profiles: profiles}, blockingEnv(started))

	running, _ := e.QueueScript(`helpers.block()`, 1)
	pending, _ := e.QueueScript(`return 1`, 1)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	if n := e.ClearAllTasks(); n != 2 {
		t.Errorf("cleared %d tasks", n)
	}
	if len(e.GetAllTasks()) != 0 {
		t.Error("queue not empty after ClearAllTasks")
	}
	if _, err := e.Wait(context.Background(), pending.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("pending task still waitable: %v", err)
	}

	// the cancelled task still lands in history and frees the profile
	eventually(t, "history record", func() bool {
		p, err := profiles.GetProfile(context.Background(), 1)
		if err != nil {
			return false
		}
		h := p.ExecutionHistory()
		return len(h) == 1 && h[0].TaskID == running.ID && h[0].Status == types.TaskFailed
	})
	next, _ := e.QueueScript(`return "after clear"`, 1)
	if final := waitTask(t, e, next.ID); final.Status != types.TaskCompleted {
		t.Errorf("next task: %s %s", final.Status, final.Error)
	}
}

func TestClearCompletedKeepsActiveTasks(t *testing.T) {
	started := make(chan string, 1)
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 2)}, blockingEnv(started))

	done, _ := e.QueueScript(`return 1`, 2)
	waitTask(t, e, done.ID)
	running, _ := e.QueueScript(`helpers.block()`, 1)
	<-started

	if n := e.ClearCompletedTasks(); n != 1 {
		t.Errorf("cleared %d", n)
	}
	if _, err := e.GetTask(running.ID); err != nil {
		t.Errorf("running task removed: %v", err)
	}
	e.ClearAllTasks()
}

func TestLogsAreBroadcast(t *testing.T) {
	b := &recordingBroadcaster{}
	e, _ := newTestEngine(t, Config{Profiles: newProfiles(t, 1), Broadcaster: b}, nil)
	task, _ := e.QueueScript(`log("step 1")`, 1)
	waitTask(t, e, task.ID)

	lines := b.get(1)
	if !containsLine(lines, "step 1") || !containsLine(lines, "Script completed successfully") {
		t.Errorf("broadcast lines = %v", lines)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "[") {
			t.Errorf("line without timestamp: %q", l)
		}
	}
}

func TestBookkeepingFailureKeepsOutcome(t *testing.T) {
	profiles := failingProfiles{ProfileManager: newProfiles(t, 1)}
	e, _ := newTestEngine(t, Config{Profiles: profiles}, nil)
	task, _ := e.QueueScript(`return "fine"`, 1)
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskCompleted || final.Result != "fine" {
		t.Errorf("got %s / %#v", final.Status, final.Result)
	}
}

func TestUnwiredEngineFailsTask(t *testing.T) {
	e := New(Config{Logger: zerolog.Nop()})
	defer e.Shutdown(context.Background())
	task, _ := e.QueueScript(`return 1`, 1)
	final := waitTask(t, e, task.ID)
	if final.Status != types.TaskFailed || !strings.Contains(final.Error, "not wired") {
		t.Errorf("got %s / %q", final.Status, final.Error)
	}
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	e := New(Config{Profiles: newProfiles(t, 1), Logger: zerolog.Nop()}, WithResolver(&fakeResolver{}), WithEnvironment(&fakeEnv{}))
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.QueueScript(`return 1`, 1); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("got %v", err)
	}
}

func TestGetTaskUnknown(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	if _, err := e.GetTask("task_0_nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v", err)
	}
}
