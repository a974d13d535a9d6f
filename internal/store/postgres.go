// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/traylinx/modelmux/internal/authstore"
)

// loadBatchSize bounds the rows fetched per query when loading the store.
const loadBatchSize = 100

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig configures the postgres persistence backend.
type PostgresStoreConfig struct {
	// DSN is the postgres connection string.
	DSN string
	// Table is the profiles table name. Default "profiles".
	Table string
}

// PostgresStore persists profiles in a shared postgres database so multiple
// modelmux instances can rotate over the same credential pool.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore connects to postgres via the pgx stdlib driver and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.Table == "" {
		cfg.Table = "profiles"
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("store: invalid table name %q", cfg.Table)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping failed: %w", err)
	}

	s := &PostgresStore{db: db, cfg: cfg}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		content JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: failed to create table %s: %w", s.cfg.Table, err)
	}
	return nil
}

// Load implements authstore.Persistence. Rows are fetched in id-ordered
// batches so a large shared pool does not require one unbounded result set.
func (s *PostgresStore) Load(ctx context.Context) ([]*authstore.Profile, error) {
	var profiles []*authstore.Profile
	lastID := ""
	for {
		batch, err := s.loadBatch(ctx, lastID)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, batch...)
		if len(batch) < loadBatchSize {
			return profiles, nil
		}
		lastID = batch[len(batch)-1].ID
	}
}

func (s *PostgresStore) loadBatch(ctx context.Context, afterID string) ([]*authstore.Profile, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if afterID == "" {
		query := fmt.Sprintf("SELECT id, content FROM %s ORDER BY id LIMIT %d", s.cfg.Table, loadBatchSize)
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		query := fmt.Sprintf("SELECT id, content FROM %s WHERE id > $1 ORDER BY id LIMIT %d", s.cfg.Table, loadBatchSize)
		rows, err = s.db.QueryContext(ctx, query, afterID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query profiles: %w", err)
	}
	defer rows.Close()

	var batch []*authstore.Profile
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("store: failed to scan profile row: %w", err)
		}
		profile := &authstore.Profile{}
		if err := json.Unmarshal([]byte(content), profile); err != nil {
			return nil, fmt.Errorf("store: corrupt profile %s: %w", id, err)
		}
		batch = append(batch, profile)
	}
	return batch, rows.Err()
}

// Save implements authstore.Persistence.
func (s *PostgresStore) Save(ctx context.Context, p *authstore.Profile) error {
	content, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: failed to marshal profile %s: %w", p.ID, err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, content, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, query, p.ID, string(content)); err != nil {
		return fmt.Errorf("store: failed to save profile %s: %w", p.ID, err)
	}
	return nil
}

// Delete implements authstore.Persistence.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("store: failed to delete profile %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
