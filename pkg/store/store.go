// Package store persists device profiles. Two backends share one contract:
// an in-memory map snapshotted to a JSON file, and SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

// ErrProfileNotFound is returned for unknown profile ids
var ErrProfileNotFound = errors.New("profile not found")

// Store is the profile persistence contract. UpdateProfile is an atomic
// read-merge-write per profile.
type Store interface {
	CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error)
	GetProfile(ctx context.Context, id int) (*types.Profile, error)
	UpdateProfile(ctx context.Context, id int, upd types.ProfileUpdate) (*types.Profile, error)
	ListProfiles(ctx context.Context) ([]*types.Profile, error)
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Driver string // "sqlite" (default) or "memory"
	Path   string // database file, or JSON snapshot file for memory
}

// Open creates the configured backend
func Open(cfg Config, logger zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path, logger)
	case "memory", "json":
		return NewMemoryStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func notFound(id int) error {
	return fmt.Errorf("%w: %d", ErrProfileNotFound, id)
}

func validateNew(p *types.Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	p.InstanceName = strings.TrimSpace(p.InstanceName)
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if p.InstanceName == "" {
		return errors.New("profile instanceName is required")
	}
	if p.Status == "" {
		p.Status = types.ProfileInactive
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	return nil
}
