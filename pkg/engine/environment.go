package engine

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/challenge"
	"Droidfleet/pkg/device"
	"Droidfleet/pkg/human"
	"Droidfleet/pkg/sandbox"
	"Droidfleet/pkg/types"
)

// Run is everything known about one execution when its environment is built
type Run struct {
	Task    *types.DirectScriptTask
	Profile *types.Profile
	Session *device.Session
	Log     func(msg string)
}

// EnvironmentBuilder produces the capabilities a script runs with
type EnvironmentBuilder interface {
	Build(ctx context.Context, run Run) (sandbox.Env, error)
}

// Factory builds the standard environment: the device action surface, the
// human-behavior layer over it and the challenge handler, all bound to the
// task's session and context.
type Factory struct {
	ctrl   device.Controller
	solver challenge.Solver
	log    zerolog.Logger
}

// NewFactory creates the environment factory. solver may be nil.
func NewFactory(ctrl device.Controller, solver challenge.Solver, logger zerolog.Logger) *Factory {
	return &Factory{ctrl: ctrl, solver: solver, log: logger}
}

// Build assembles the script capabilities for run
func (f *Factory) Build(ctx context.Context, run Run) (sandbox.Env, error) {
	logger := f.log.With().Str("taskId", run.Task.ID).Int("profileId", run.Task.ProfileID).Logger()

	helpers := device.NewHelpers(f.ctrl, run.Session, run.Profile,
		device.WithLogger(logger),
		device.WithLogFunc(run.Log),
	)
	hum := human.New(helpers, human.WithLogger(logger))
	cf := challenge.NewHandler(helpers, f.solver, logger)

	profile, err := profileView(run.Profile)
	if err != nil {
		return sandbox.Env{}, err
	}
	return sandbox.Env{
		Helpers:    helperBindings(ctx, helpers),
		Human:      humanBindings(ctx, hum),
		Cloudflare: challengeBindings(ctx, cf),
		Log:        run.Log,
		Profile:    profile,
	}, nil
}

// profileView is the plain-object copy of the profile scripts receive
func profileView(p *types.Profile) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, err
	}
	return view, nil
}
