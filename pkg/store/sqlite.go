package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

// SQLiteStore persists profiles in a single table, metadata as JSON text
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and initializes the schema
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 单写入, :memory: 也必须只用一个连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := NewSQLiteStore(db, logger)
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// NewSQLiteStore wraps an open database. Call InitSchema before use.
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: logger.With().Str("module", "store").Logger()}
}

// InitSchema creates the profiles table
func (s *SQLiteStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		instance_name TEXT NOT NULL,
		port INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'inactive',
		metadata TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_instance_name ON profiles(instance_name);
	CREATE INDEX IF NOT EXISTS idx_profiles_status ON profiles(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

const profileColumns = `id, name, instance_name, port, status, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*types.Profile, error) {
	var (
		p        types.Profile
		status   string
		metaJSON sql.NullString
		created  int64
		updated  int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.InstanceName, &p.Port, &status, &metaJSON, &created, &updated); err != nil {
		return nil, err
	}
	p.Status = types.ProfileStatus(status)
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	p.Metadata = map[string]any{}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("解析 metadata 失败 (profile %d): %w", p.ID, err)
		}
	}
	return &p, nil
}

// CreateProfile inserts p and returns it with its assigned id
func (s *SQLiteStore) CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error) {
	if err := validateNew(&p); err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("序列化 metadata 失败: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (name, instance_name, port, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.InstanceName, p.Port, string(p.Status), string(metaJSON), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, int(id))
}

// GetProfile loads one profile
func (s *SQLiteStore) GetProfile(ctx context.Context, id int) (*types.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return p, err
}

// UpdateProfile merges upd inside a transaction so concurrent metadata
// writers cannot drop each other's keys.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, id int, upd types.ProfileUpdate) (*types.Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	p, err := scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	upd.Apply(p)
	p.UpdatedAt = time.Now()
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("序列化 metadata 失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE profiles SET port = ?, status = ?, metadata = ?, updated_at = ? WHERE id = ?
	`, p.Port, string(p.Status), string(metaJSON), p.UpdatedAt.UnixMilli(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}

	// re-read so metadata has the same shape GetProfile returns
	return s.GetProfile(ctx, id)
}

// ListProfiles returns all profiles ordered by id
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]*types.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*types.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping unreadable profile row")
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
