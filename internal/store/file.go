// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/util"
)

// FileStore persists each profile as one JSON file under the StateBox
// profiles directory, written atomically.
type FileStore struct {
	box *util.StateBox
}

// NewFileStore creates a file-backed persistence layer rooted in the
// StateBox profiles directory.
func NewFileStore(box *util.StateBox) *FileStore {
	return &FileStore{box: box}
}

// Load implements authstore.Persistence. Unreadable files are skipped with a
// warning rather than failing the whole load.
func (s *FileStore) Load(_ context.Context) ([]*authstore.Profile, error) {
	dir := s.box.ProfilesDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to read profiles directory: %w", err)
	}

	var profiles []*authstore.Profile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		profile := &authstore.Profile{}
		if err := s.box.ReadProfileFile(id, profile); err != nil {
			log.Warnf("store: skipping unreadable profile file %s: %v", filepath.Join(dir, entry.Name()), err)
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// Save implements authstore.Persistence.
func (s *FileStore) Save(_ context.Context, p *authstore.Profile) error {
	return s.box.WriteProfileFile(p.ID, p)
}

// Delete implements authstore.Persistence.
func (s *FileStore) Delete(_ context.Context, id string) error {
	return s.box.RemoveProfileFile(id)
}
