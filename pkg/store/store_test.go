package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open in-memory db: %v", err)
	}
	mem, err := NewMemoryStore("", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sqlite.Close()
		mem.Close()
	})
	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := s.CreateProfile(ctx, types.Profile{
				Name:         "farm 01",
				InstanceName: "LDPlayer-1",
				Port:         5557,
				Metadata: map[string]any{
					types.MetaAccounts: []types.Account{{Platform: "instagram", Username: "alice"}},
				},
			})
			if err != nil {
				t.Fatal(err)
			}
			if p.ID == 0 || p.Status != types.ProfileInactive {
				t.Errorf("unexpected profile %+v", p)
			}

			got, err := s.GetProfile(ctx, p.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.InstanceName != "LDPlayer-1" || got.Port != 5557 {
				t.Errorf("got %+v", got)
			}
			if acc := got.Account("Instagram"); acc == nil || acc.Username != "alice" {
				t.Errorf("account lookup failed: %+v", acc)
			}
		})
	}
}

func TestCreateValidates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.CreateProfile(context.Background(), types.Profile{Name: "x"}); err == nil {
				t.Error("expected missing instanceName error")
			}
			if _, err := s.CreateProfile(context.Background(), types.Profile{InstanceName: "x"}); err == nil {
				t.Error("expected missing name error")
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetProfile(context.Background(), 42); !errors.Is(err, ErrProfileNotFound) {
				t.Errorf("expected ErrProfileNotFound, got %v", err)
			}
			if _, err := s.UpdateProfile(context.Background(), 42, types.ProfileUpdate{}); !errors.Is(err, ErrProfileNotFound) {
				t.Errorf("expected ErrProfileNotFound, got %v", err)
			}
		})
	}
}

func TestUpdateMergesMetadata(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := s.CreateProfile(ctx, types.Profile{
				Name: "p", InstanceName: "i",
				Metadata: map[string]any{"keep": "me"},
			})
			if err != nil {
				t.Fatal(err)
			}
			port := 5559
			running := types.ProfileRunning
			got, err := s.UpdateProfile(ctx, p.ID, types.ProfileUpdate{
				Port:     &port,
				Status:   &running,
				Metadata: map[string]any{"lastExecution": map[string]any{"taskId": "t1"}},
			})
			if err != nil {
				t.Fatal(err)
			}
			if got.Port != 5559 || got.Status != types.ProfileRunning {
				t.Errorf("got %+v", got)
			}
			if got.Metadata["keep"] != "me" {
				t.Errorf("existing metadata lost: %v", got.Metadata)
			}
			if _, ok := got.Metadata["lastExecution"]; !ok {
				t.Errorf("new metadata missing: %v", got.Metadata)
			}
		})
	}
}

func TestConcurrentMetadataWriters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := s.CreateProfile(ctx, types.Profile{Name: "p", InstanceName: "i"})
			if err != nil {
				t.Fatal(err)
			}
			keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
			var wg sync.WaitGroup
			for _, k := range keys {
				wg.Add(1)
				go func(k string) {
					defer wg.Done()
					if _, err := s.UpdateProfile(ctx, p.ID, types.ProfileUpdate{Metadata: map[string]any{k: true}}); err != nil {
						t.Errorf("update %s: %v", k, err)
					}
				}(k)
			}
			wg.Wait()
			got, err := s.GetProfile(ctx, p.ID)
			if err != nil {
				t.Fatal(err)
			}
			for _, k := range keys {
				if got.Metadata[k] != true {
					t.Errorf("key %s lost", k)
				}
			}
		})
	}
}

func TestListProfilesOrdered(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, n := range []string{"one", "two", "three"} {
				if _, err := s.CreateProfile(ctx, types.Profile{Name: n, InstanceName: n}); err != nil {
					t.Fatal(err)
				}
			}
			list, err := s.ListProfiles(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 3 || list[0].Name != "one" || list[2].Name != "three" {
				t.Errorf("unexpected list %+v", list)
			}
		})
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	ctx := context.Background()

	s, err := NewMemoryStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.CreateProfile(ctx, types.Profile{Name: "p", InstanceName: "i"})
	if err != nil {
		t.Fatal(err)
	}
	history := []types.ExecutionRecord{{TaskID: "task_1", Status: types.TaskCompleted}}
	if _, err := s.UpdateProfile(ctx, p.ID, types.ProfileUpdate{Metadata: map[string]any{types.MetaExecutionHistory: history}}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewMemoryStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h := got.ExecutionHistory(); len(h) != 1 || h[0].TaskID != "task_1" {
		t.Errorf("history not restored: %+v", h)
	}
	next, err := reopened.CreateProfile(ctx, types.Profile{Name: "q", InstanceName: "j"})
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != p.ID+1 {
		t.Errorf("id sequence not restored: %d", next.ID)
	}
}

func TestOpenDrivers(t *testing.T) {
	if _, err := Open(Config{Driver: "memory"}, zerolog.Nop()); err != nil {
		t.Errorf("memory: %v", err)
	}
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "profiles.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	s.Close()
	if _, err := Open(Config{Driver: "mongo"}, zerolog.Nop()); err == nil {
		t.Error("expected unknown driver error")
	}
}
