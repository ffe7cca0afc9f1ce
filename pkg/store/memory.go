package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

// MemoryStore keeps profiles in a map. With a snapshot path every mutation
// is written through to a JSON file, which is loaded again on start.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[int]*types.Profile
	nextID   int

	path string
	log  zerolog.Logger
}

type snapshot struct {
	NextID   int              `json:"nextId"`
	Profiles []*types.Profile `json:"profiles"`
}

// NewMemoryStore creates the store, loading path if it exists. An empty path
// keeps everything in memory.
func NewMemoryStore(path string, logger zerolog.Logger) (*MemoryStore, error) {
	s := &MemoryStore{
		profiles: make(map[int]*types.Profile),
		nextID:   1,
		path:     path,
		log:      logger.With().Str("module", "store").Logger(),
	}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for _, p := range snap.Profiles {
		s.profiles[p.ID] = p
		if p.ID >= s.nextID {
			s.nextID = p.ID + 1
		}
	}
	if snap.NextID > s.nextID {
		s.nextID = snap.NextID
	}
	s.log.Debug().Int("profiles", len(s.profiles)).Str("path", s.path).Msg("snapshot loaded")
	return nil
}

// saveLocked writes the snapshot; caller holds mu
func (s *MemoryStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{NextID: s.nextID, Profiles: s.sortedLocked()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *MemoryStore) sortedLocked() []*types.Profile {
	out := make([]*types.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateProfile assigns an id and stores p
func (s *MemoryStore) CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error) {
	if err := validateNew(&p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p.ID = s.nextID
	p.CreatedAt, p.UpdatedAt = now, now
	s.nextID++
	s.profiles[p.ID] = p.Clone()
	if err := s.saveLocked(); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return p.Clone(), nil
}

// GetProfile returns a copy of the profile
func (s *MemoryStore) GetProfile(ctx context.Context, id int) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

// UpdateProfile merges upd into the stored profile
func (s *MemoryStore) UpdateProfile(ctx context.Context, id int, upd types.ProfileUpdate) (*types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, notFound(id)
	}
	next := p.Clone()
	upd.Apply(next)
	next.UpdatedAt = time.Now()
	s.profiles[id] = next
	if err := s.saveLocked(); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return next.Clone(), nil
}

// ListProfiles returns all profiles ordered by id
func (s *MemoryStore) ListProfiles(ctx context.Context) ([]*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := s.sortedLocked()
	out := make([]*types.Profile, len(sorted))
	for i, p := range sorted {
		out[i] = p.Clone()
	}
	return out, nil
}

// Close flushes the snapshot
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}
