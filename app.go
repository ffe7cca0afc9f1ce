package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Droidfleet/pkg/adb"
	"Droidfleet/pkg/challenge"
	"Droidfleet/pkg/device"
	"Droidfleet/pkg/engine"
	"Droidfleet/pkg/sandbox"
	"Droidfleet/pkg/store"
	"Droidfleet/pkg/types"
)

// App wires the engine to its collaborators and exposes the operations the
// CLI, the MCP server and the inbox use
type App struct {
	cfg     *Config
	version string

	ctrl   device.Controller
	store  store.Store
	engine *engine.Engine
	hub    *LogHub
	inbox  *ScriptInbox
	solver *challenge.TwoCaptcha

	mu       sync.Mutex
	shutdown bool
}

// NewApp opens the profile store and builds the engine on top of the adb client
func NewApp(cfg *Config, version string) (*App, error) {
	st, err := store.Open(cfg.StoreConfig(), Logger)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	ctrl := adb.NewClient(cfg.AdbClientConfig(), Logger)
	return newApp(cfg, version, ctrl, st), nil
}

// newApp builds the app around an existing controller and store
func newApp(cfg *Config, version string, ctrl device.Controller, st store.Store) *App {
	a := &App{
		cfg:     cfg,
		version: version,
		ctrl:    ctrl,
		store:   st,
		hub:     NewLogHub(),
		solver:  challenge.NewTwoCaptcha(cfg.SolverConfig(), Logger),
	}
	a.engine = engine.New(engine.Config{
		Controller:     ctrl,
		Profiles:       st,
		Broadcaster:    a.hub,
		Solver:         a.solver,
		ReadyTimeout:   cfg.Engine.ReadyTimeout,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		HistoryLimit:   cfg.Engine.HistoryLimit,
		Logger:         Logger,
	})
	return a
}

// GetAppVersion returns the application version
func (a *App) GetAppVersion() string {
	return a.version
}

// Serve starts the log hub and, when configured, the script inbox
func (a *App) Serve() error {
	timer := StartOperation("app", "serve").
		AddDetail("addr", a.cfg.Server.Addr).
		AddDetail("inbox", a.cfg.Inbox.Dir)

	if a.cfg.Server.Addr != "" {
		if err := a.hub.Start(a.cfg.Server.Addr); err != nil {
			err = fmt.Errorf("start log hub: %w", err)
			timer.EndWithError(err)
			return err
		}
	}
	if a.cfg.Inbox.Dir != "" {
		inbox := NewScriptInbox(a.cfg.Inbox.Dir, a)
		if err := inbox.Start(); err != nil {
			err = fmt.Errorf("start script inbox: %w", err)
			timer.EndWithError(err)
			return err
		}
		a.mu.Lock()
		a.inbox = inbox
		a.mu.Unlock()
	}
	timer.End()
	LogAppState(StateReady, map[string]interface{}{
		"addr":  a.cfg.Server.Addr,
		"inbox": a.cfg.Inbox.Dir,
	})
	return nil
}

// Shutdown stops the surfaces, lets running scripts finish until ctx
// expires and closes the store
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	inbox := a.inbox
	a.mu.Unlock()

	LogAppState(StateShuttingDown, nil)
	if inbox != nil {
		inbox.Stop()
	}

	var errs []error
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	hubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.hub.Stop(hubCtx); err != nil {
		errs = append(errs, fmt.Errorf("log hub: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	LogAppState(StateStopped, nil)
	return errors.Join(errs...)
}

// ==================== Tasks ====================

// QueueScript queues a script for a profile. timeout <= 0 falls back to the
// configured default.
func (a *App) QueueScript(scriptCode string, profileID int, timeout time.Duration) (*types.DirectScriptTask, error) {
	if profileID <= 0 {
		return nil, fmt.Errorf("invalid profile id %d", profileID)
	}
	var opts []engine.QueueOption
	if timeout > 0 {
		opts = append(opts, engine.WithTimeout(timeout))
	}
	return a.engine.QueueScript(scriptCode, profileID, opts...)
}

func (a *App) WaitTask(ctx context.Context, taskID string) (*types.DirectScriptTask, error) {
	return a.engine.Wait(ctx, taskID)
}

func (a *App) GetTask(taskID string) (*types.DirectScriptTask, error) {
	return a.engine.GetTask(taskID)
}

func (a *App) GetAllTasks() []*types.DirectScriptTask {
	return a.engine.GetAllTasks()
}

func (a *App) GetTasksForProfile(profileID int) []*types.DirectScriptTask {
	return a.engine.GetTasksForProfile(profileID)
}

func (a *App) ClearCompletedTasks() int {
	return a.engine.ClearCompletedTasks()
}

func (a *App) ClearAllTasks() int {
	return a.engine.ClearAllTasks()
}

// ValidateScript checks script syntax without running it
func (a *App) ValidateScript(scriptCode string) error {
	return sandbox.Validate(scriptCode)
}

// ==================== Profiles ====================

// AddProfile registers an emulator instance as a profile
func (a *App) AddProfile(ctx context.Context, name, instanceName string, port int) (*types.Profile, error) {
	return a.store.CreateProfile(ctx, types.Profile{
		Name:         name,
		InstanceName: instanceName,
		Port:         port,
	})
}

func (a *App) GetProfile(ctx context.Context, profileID int) (*types.Profile, error) {
	return a.store.GetProfile(ctx, profileID)
}

// ListProfiles returns all profiles ordered by id
func (a *App) ListProfiles(ctx context.Context) ([]types.Profile, error) {
	list, err := a.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Profile, len(list))
	for i, p := range list {
		out[i] = *p
	}
	return out, nil
}

// GetProfileHistory returns the profile's execution records, newest first
func (a *App) GetProfileHistory(ctx context.Context, profileID int) ([]types.ExecutionRecord, error) {
	return a.engine.History().History(ctx, profileID)
}

// CaptchaBalance queries the solver account balance
func (a *App) CaptchaBalance(ctx context.Context) (float64, error) {
	return a.solver.Balance(ctx)
}
