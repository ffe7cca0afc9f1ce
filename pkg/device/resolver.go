// Package device binds a profile to a live ADB session and exposes the
// primitive actions scripts use to drive it.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

// DefaultReadyTimeout bounds the boot_completed wait during resolution
const DefaultReadyTimeout = 60 * time.Second

// Controller is the emulator/ADB process surface the engine depends on
type Controller interface {
	GetAdbPortForInstance(ctx context.Context, name string) (int, error)
	ConnectADB(ctx context.Context, port int) error
	ResolveAdbSerial(ctx context.Context, port int) (string, error)
	WaitForDeviceReady(ctx context.Context, serial string, timeout time.Duration) error
	ExecuteAdbCommand(ctx context.Context, serial, shellCmd string) (string, error)
	RunAdbCommand(ctx context.Context, serial, fullCmd string) (string, error)
}

// ProfileUpdater persists partial profile changes
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, id int, update types.ProfileUpdate) (*types.Profile, error)
}

// Session is the resolved (port, serial) pair of one task. All actions of the
// task go through it; Reconnect swaps the serial in place.
type Session struct {
	mu     sync.RWMutex
	port   int
	serial string
	ctrl   Controller
	log    zerolog.Logger
}

// NewSession wraps an already known endpoint
func NewSession(ctrl Controller, port int, serial string, logger zerolog.Logger) *Session {
	return &Session{ctrl: ctrl, port: port, serial: serial, log: logger}
}

// Serial returns the current device serial
func (s *Session) Serial() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial
}

// Port returns the resolved ADB port
func (s *Session) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Snapshot returns the plain data form of the session
func (s *Session) Snapshot() types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.Session{ActualPort: s.port, DeviceSerial: s.serial}
}

// Reconnect reruns connect and serial resolution on the known port
func (s *Session) Reconnect(ctx context.Context) error {
	port := s.Port()
	if err := s.ctrl.ConnectADB(ctx, port); err != nil {
		s.log.Warn().Int("port", port).Err(err).Msg("adb connect failed during reconnect")
	}
	serial, err := s.ctrl.ResolveAdbSerial(ctx, port)
	if err != nil {
		return fmt.Errorf("reconnect port %d: %w", port, err)
	}
	s.mu.Lock()
	old := s.serial
	s.serial = serial
	s.mu.Unlock()
	if old != serial {
		s.log.Info().Str("old", old).Str("serial", serial).Msg("device serial changed after reconnect")
	}
	return nil
}

// Resolver turns a profile into a ready Session
type Resolver struct {
	ctrl         Controller
	profiles     ProfileUpdater
	log          zerolog.Logger
	readyTimeout time.Duration
}

// NewResolver creates a resolver. readyTimeout <= 0 uses DefaultReadyTimeout.
func NewResolver(ctrl Controller, profiles ProfileUpdater, readyTimeout time.Duration, logger zerolog.Logger) *Resolver {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Resolver{
		ctrl:         ctrl,
		profiles:     profiles,
		log:          logger.With().Str("module", "resolver").Logger(),
		readyTimeout: readyTimeout,
	}
}

// Resolve looks up the instance's current port (fatal on failure), persists a
// changed port, connects, resolves the serial and waits for boot. Connect and
// readiness problems are logged and do not stop the task.
func (r *Resolver) Resolve(ctx context.Context, profile *types.Profile) (*Session, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile is required")
	}
	log := r.log.With().Int("profileId", profile.ID).Str("instance", profile.InstanceName).Logger()

	port, err := r.ctrl.GetAdbPortForInstance(ctx, profile.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("resolve adb port for instance %q: %w", profile.InstanceName, err)
	}

	if port != profile.Port {
		log.Info().Int("stored", profile.Port).Int("actual", port).Msg("instance port changed")
		if r.profiles != nil {
			p := port
			if _, err := r.profiles.UpdateProfile(ctx, profile.ID, types.ProfileUpdate{Port: &p}); err != nil {
				log.Warn().Err(err).Msg("failed to persist new port")
			}
		}
	}

	if err := r.ctrl.ConnectADB(ctx, port); err != nil {
		log.Warn().Int("port", port).Err(err).Msg("adb connect failed, device may already be attached")
	}

	serial, err := r.ctrl.ResolveAdbSerial(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("resolve serial for port %d: %w", port, err)
	}

	if err := r.ctrl.WaitForDeviceReady(ctx, serial, r.readyTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Str("serial", serial).Dur("timeout", r.readyTimeout).Err(err).Msg("device not ready, continuing")
	}

	log.Debug().Int("port", port).Str("serial", serial).Msg("session resolved")
	return NewSession(r.ctrl, port, serial, log), nil
}
