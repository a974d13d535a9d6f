// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store provides durable persistence backends for the profile
// store: a local sqlite database (default), a shared postgres database, and
// a directory of JSON files. Each backend stores profiles as opaque JSON
// blobs keyed by profile id.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/traylinx/modelmux/internal/authstore"
)

// SQLiteStore persists profiles in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the sqlite database at path and ensures
// the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite db %s: %w", path, err)
	}
	// sqlite handles a single writer; serialize access at the pool level.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: failed to create profiles table: %w", err)
	}
	return nil
}

// Load implements authstore.Persistence.
func (s *SQLiteStore) Load(ctx context.Context) ([]*authstore.Profile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content FROM profiles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*authstore.Profile
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("store: failed to scan profile row: %w", err)
		}
		profile := &authstore.Profile{}
		if err := json.Unmarshal([]byte(content), profile); err != nil {
			return nil, fmt.Errorf("store: corrupt profile %s: %w", id, err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// Save implements authstore.Persistence.
func (s *SQLiteStore) Save(ctx context.Context, p *authstore.Profile) error {
	content, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: failed to marshal profile %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		p.ID, string(content))
	if err != nil {
		return fmt.Errorf("store: failed to save profile %s: %w", p.ID, err)
	}
	return nil
}

// Delete implements authstore.Persistence.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: failed to delete profile %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
