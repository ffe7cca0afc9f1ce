// Package engine runs user scripts against device profiles. It owns the task
// queue, serializes tasks per profile, drives each task through session
// resolution and the sandbox, and records the outcome in the profile's
// execution history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Droidfleet/pkg/challenge"
	"Droidfleet/pkg/device"
	"Droidfleet/pkg/sandbox"
	"Droidfleet/pkg/types"
)

var (
	// ErrTaskNotFound is returned for unknown or purged task ids
	ErrTaskNotFound = errors.New("task not found")
	// ErrShuttingDown is returned by QueueScript after Shutdown
	ErrShuttingDown = errors.New("engine is shutting down")
)

// bookkeepingTimeout bounds history and status writes after a task ends
const bookkeepingTimeout = 10 * time.Second

// finishedLimit caps the snapshots kept for Wait after a task leaves the queue
const finishedLimit = 256

// ProfileManager is the profile persistence the engine reads and updates
type ProfileManager interface {
	GetProfile(ctx context.Context, id int) (*types.Profile, error)
	UpdateProfile(ctx context.Context, id int, upd types.ProfileUpdate) (*types.Profile, error)
}

// Broadcaster receives every task log line as it is written
type Broadcaster interface {
	Broadcast(profileID int, message string)
}

// SessionResolver turns a profile into a live device session
type SessionResolver interface {
	Resolve(ctx context.Context, profile *types.Profile) (*device.Session, error)
}

// Config wires the engine's collaborators
type Config struct {
	Controller     device.Controller
	Profiles       ProfileManager
	Broadcaster    Broadcaster      // optional
	Solver         challenge.Solver // optional; solving fails cleanly without it
	ReadyTimeout   time.Duration
	DefaultTimeout time.Duration // per-task deadline when none is given, 0 = unbounded
	HistoryLimit   int
	Logger         zerolog.Logger
}

// Option overrides a default collaborator
type Option func(*Engine)

// WithResolver replaces the device session resolver
func WithResolver(r SessionResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithEnvironment replaces the script environment builder
func WithEnvironment(b EnvironmentBuilder) Option {
	return func(e *Engine) { e.env = b }
}

// QueueOption configures a single task
type QueueOption func(*queueOptions)

type queueOptions struct {
	deadline time.Time
}

// WithTimeout bounds the task's run time from the moment it is queued
func WithTimeout(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		if d > 0 {
			o.deadline = time.Now().Add(d)
		}
	}
}

// WithDeadline sets an absolute deadline for the task
func WithDeadline(t time.Time) QueueOption {
	return func(o *queueOptions) { o.deadline = t }
}

type waiter struct {
	done  chan struct{}
	final *types.DirectScriptTask
}

// Engine is the task queue and scheduler
type Engine struct {
	profiles       ProfileManager
	broadcaster    Broadcaster
	resolver       SessionResolver
	env            EnvironmentBuilder
	history        *HistoryStore
	defaultTimeout time.Duration
	log            zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*types.DirectScriptTask
	order   []string
	busy    map[int]string // profile id -> in-flight task id
	waiters map[string]*waiter
	cancels map[string]context.CancelFunc
	closed  bool

	// final snapshots of tasks no longer in the queue, oldest first
	finished      map[string]*types.DirectScriptTask
	finishedOrder []string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an engine. Without options it resolves sessions through
// cfg.Controller and builds the full helpers/human/cloudflare environment.
func New(cfg Config, opts ...Option) *Engine {
	logger := cfg.Logger.With().Str("module", "engine").Logger()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		profiles:       cfg.Profiles,
		broadcaster:    cfg.Broadcaster,
		history:        NewHistoryStore(cfg.Profiles, cfg.HistoryLimit, cfg.Logger),
		defaultTimeout: cfg.DefaultTimeout,
		log:            logger,
		tasks:          make(map[string]*types.DirectScriptTask),
		busy:           make(map[int]string),
		waiters:        make(map[string]*waiter),
		cancels:        make(map[string]context.CancelFunc),
		finished:       make(map[string]*types.DirectScriptTask),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}
	if cfg.Controller != nil {
		e.resolver = device.NewResolver(cfg.Controller, cfg.Profiles, cfg.ReadyTimeout, cfg.Logger)
		e.env = NewFactory(cfg.Controller, cfg.Solver, cfg.Logger)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// History exposes the execution history store
func (e *Engine) History() *HistoryStore { return e.history }

func newTaskID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// QueueScript drops the profile's finished tasks, enqueues a pending task and
// kicks the scheduler. It returns immediately with a snapshot of the task.
func (e *Engine) QueueScript(scriptCode string, profileID int, opts ...QueueOption) (*types.DirectScriptTask, error) {
	var qo queueOptions
	if e.defaultTimeout > 0 {
		qo.deadline = time.Now().Add(e.defaultTimeout)
	}
	for _, opt := range opts {
		opt(&qo)
	}

	task := &types.DirectScriptTask{
		ID:         newTaskID(),
		ProfileID:  profileID,
		ScriptCode: scriptCode,
		Status:     types.TaskPending,
		Logs:       []string{},
		QueuedAt:   time.Now(),
	}
	if !qo.deadline.IsZero() {
		d := qo.deadline
		task.Deadline = &d
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	purged := e.purgeLocked(func(t *types.DirectScriptTask) bool {
		return t.ProfileID == profileID && t.Status.Terminal()
	})
	e.tasks[task.ID] = task
	e.order = append(e.order, task.ID)
	e.waiters[task.ID] = &waiter{done: make(chan struct{})}
	snapshot := task.Clone()
	e.mu.Unlock()

	e.log.Info().Str("taskId", task.ID).Int("profileId", profileID).Int("purged", purged).Msg("script queued")
	e.ProcessQueue()
	return snapshot, nil
}

// purgeLocked removes matching tasks from the store; caller holds mu
func (e *Engine) purgeLocked(match func(*types.DirectScriptTask) bool) int {
	kept := e.order[:0]
	removed := 0
	for _, id := range e.order {
		t := e.tasks[id]
		if !match(t) {
			kept = append(kept, id)
			continue
		}
		delete(e.tasks, id)
		removed++
		w, ok := e.waiters[id]
		switch {
		case !ok:
		case w.final != nil:
			e.retainLocked(id, w.final)
			delete(e.waiters, id)
		case t.Status == types.TaskPending:
			// never launched, release waiters with what we have
			w.final = t.Clone()
			close(w.done)
			e.retainLocked(id, w.final)
			delete(e.waiters, id)
		}
		// otherwise finish still owns the waiter and drops it
	}
	// clear the tail so dropped ids can be collected
	for i := len(kept); i < len(e.order); i++ {
		e.order[i] = ""
	}
	e.order = kept
	return removed
}

// retainLocked keeps a final snapshot awaitable after its task left the
// queue, evicting the oldest beyond finishedLimit; caller holds mu
func (e *Engine) retainLocked(id string, final *types.DirectScriptTask) {
	if _, ok := e.finished[id]; ok {
		return
	}
	e.finished[id] = final
	e.finishedOrder = append(e.finishedOrder, id)
	for len(e.finishedOrder) > finishedLimit {
		delete(e.finished, e.finishedOrder[0])
		e.finishedOrder[0] = ""
		e.finishedOrder = e.finishedOrder[1:]
	}
}

// ProcessQueue launches every pending task whose profile has no task in
// flight. Tasks of different profiles run concurrently.
func (e *Engine) ProcessQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, id := range e.order {
		t := e.tasks[id]
		if t.Status != types.TaskPending {
			continue
		}
		if _, inFlight := e.busy[t.ProfileID]; inFlight {
			continue
		}
		e.busy[t.ProfileID] = id
		e.wg.Add(1)
		go e.execute(t)
	}
}

// GetTask returns a snapshot of one task
func (e *Engine) GetTask(id string) (*types.DirectScriptTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// GetAllTasks returns snapshots of every task in queue order
func (e *Engine) GetAllTasks() []*types.DirectScriptTask {
	return e.filter(func(*types.DirectScriptTask) bool { return true })
}

// GetTasksForProfile returns snapshots of one profile's tasks in queue order
func (e *Engine) GetTasksForProfile(profileID int) []*types.DirectScriptTask {
	return e.filter(func(t *types.DirectScriptTask) bool { return t.ProfileID == profileID })
}

func (e *Engine) filter(match func(*types.DirectScriptTask) bool) []*types.DirectScriptTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.DirectScriptTask, 0, len(e.order))
	for _, id := range e.order {
		if t := e.tasks[id]; match(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ClearCompletedTasks drops every completed or failed task and returns how many
func (e *Engine) ClearCompletedTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.purgeLocked(func(t *types.DirectScriptTask) bool { return t.Status.Terminal() })
}

// ClearAllTasks empties the queue. Running tasks are cancelled; they still
// record history and release their profile before the next task starts.
func (e *Engine) ClearAllTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cancel := range e.cancels {
		e.log.Info().Str("taskId", id).Msg("cancelling running task")
		cancel()
	}
	return e.purgeLocked(func(*types.DirectScriptTask) bool { return true })
}

// Wait blocks until the task reaches a terminal state and returns its final
// snapshot, even if it has been purged in the meantime.
func (e *Engine) Wait(ctx context.Context, id string) (*types.DirectScriptTask, error) {
	e.mu.Lock()
	w, ok := e.waiters[id]
	final := e.finished[id]
	e.mu.Unlock()
	if !ok {
		if final != nil {
			return final.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	select {
	case <-w.done:
		return w.final.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops launching tasks and waits for running ones. When ctx
// expires first the running tasks are cancelled and awaited.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		e.baseCancel()
		return nil
	case <-ctx.Done():
		e.log.Warn().Msg("shutdown deadline reached, cancelling running tasks")
		e.baseCancel()
		<-finished
		return ctx.Err()
	}
}

// appendLog timestamps msg into the task log and forwards it to the broadcaster
func (e *Engine) appendLog(task *types.DirectScriptTask, msg string) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)
	e.mu.Lock()
	task.Logs = append(task.Logs, line)
	e.mu.Unlock()

	e.log.Debug().Str("taskId", task.ID).Int("profileId", task.ProfileID).Msg(msg)
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(task.ProfileID, line)
	}
}

func (e *Engine) transition(task *types.DirectScriptTask, next types.TaskStatus, apply func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !task.Status.CanTransition(next) {
		e.log.Warn().Str("taskId", task.ID).Str("from", string(task.Status)).Str("to", string(next)).Msg("invalid task transition ignored")
		return false
	}
	task.Status = next
	now := time.Now()
	switch next {
	case types.TaskRunning:
		task.StartedAt = &now
	case types.TaskCompleted, types.TaskFailed:
		task.CompletedAt = &now
	}
	if apply != nil {
		apply()
	}
	return true
}

func (e *Engine) setProfileStatus(ctx context.Context, profileID int, status types.ProfileStatus) {
	if e.profiles == nil {
		return
	}
	if _, err := e.profiles.UpdateProfile(ctx, profileID, types.ProfileUpdate{Status: &status}); err != nil {
		e.log.Warn().Err(err).Int("profileId", profileID).Str("status", string(status)).Msg("profile status update failed")
	}
}

// execute runs one task end to end. It owns the profile's in-flight slot and
// releases it on every path.
func (e *Engine) execute(task *types.DirectScriptTask) {
	defer e.wg.Done()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Deadline != nil {
		ctx, cancel = context.WithDeadline(e.baseCtx, *task.Deadline)
	} else {
		ctx, cancel = context.WithCancel(e.baseCtx)
	}
	defer cancel()

	e.mu.Lock()
	_, queued := e.tasks[task.ID]
	e.cancels[task.ID] = cancel
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("taskId", task.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("task panicked")
			e.fail(task, fmt.Errorf("internal error: %v", r))
		}
		e.finish(ctx, task)
	}()

	// cleared between scheduling and start
	if !queued || !e.transition(task, types.TaskRunning, nil) {
		return
	}
	e.appendLog(task, fmt.Sprintf("Task %s started for profile %d", task.ID, task.ProfileID))
	e.setProfileStatus(ctx, task.ProfileID, types.ProfileRunning)

	result, err := e.run(ctx, task)
	if err != nil {
		e.fail(task, err)
		return
	}
	e.transition(task, types.TaskCompleted, func() { task.Result = result })
	e.appendLog(task, "Script completed successfully")
}

func (e *Engine) run(ctx context.Context, task *types.DirectScriptTask) (any, error) {
	prog, err := sandbox.Compile(task.ScriptCode)
	if err != nil {
		return nil, err
	}
	if e.profiles == nil || e.resolver == nil || e.env == nil {
		return nil, errors.New("engine is not wired to profiles and devices")
	}
	profile, err := e.profiles.GetProfile(ctx, task.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("load profile %d: %w", task.ProfileID, err)
	}
	e.appendLog(task, fmt.Sprintf("Resolving device for instance %q", profile.InstanceName))
	session, err := e.resolver.Resolve(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("resolve device session: %w", err)
	}
	snap := session.Snapshot()
	e.appendLog(task, fmt.Sprintf("Connected to %s (port %d)", snap.DeviceSerial, snap.ActualPort))

	env, err := e.env.Build(ctx, Run{
		Task:    task.Clone(),
		Profile: profile,
		Session: session,
		Log:     func(msg string) { e.appendLog(task, msg) },
	})
	if err != nil {
		return nil, fmt.Errorf("build script environment: %w", err)
	}
	return sandbox.Run(ctx, prog, env)
}

func (e *Engine) fail(task *types.DirectScriptTask, err error) {
	msg := err.Error()
	var se *sandbox.ScriptError
	if errors.As(err, &se) {
		msg = se.Message
	}
	if !e.transition(task, types.TaskFailed, func() { task.Error = msg }) {
		return
	}
	e.appendLog(task, "Error: "+msg)
	if se != nil && se.Stack != "" && se.Stack != msg {
		for _, line := range strings.Split(se.Stack, "\n") {
			if line = strings.TrimRight(line, " \t"); line != "" {
				e.appendLog(task, line)
			}
		}
	}
	e.log.Warn().Str("taskId", task.ID).Int("profileId", task.ProfileID).Str("error", msg).Msg("task failed")
}

// finish records history, restores the profile status, frees the slot and
// reschedules. Bookkeeping failures are logged and never change the outcome.
func (e *Engine) finish(ctx context.Context, task *types.DirectScriptTask) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	e.mu.Lock()
	final := task.Clone()
	e.mu.Unlock()

	if final.Status.Terminal() {
		e.history.Record(bctx, final)
		e.setProfileStatus(bctx, task.ProfileID, types.ProfileActive)
	}

	e.mu.Lock()
	if e.busy[task.ProfileID] == task.ID {
		delete(e.busy, task.ProfileID)
	}
	delete(e.cancels, task.ID)
	if w, ok := e.waiters[task.ID]; ok && w.final == nil {
		w.final = final
		close(w.done)
	}
	if _, still := e.tasks[task.ID]; !still {
		e.retainLocked(task.ID, final)
		delete(e.waiters, task.ID)
	}
	e.mu.Unlock()

	e.log.Info().Str("taskId", task.ID).Str("status", string(final.Status)).Dur("duration", final.Duration()).Msg("task finished")
	e.ProcessQueue()
}
