// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides filesystem and path helpers for the modelmux server.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// StateBox manages the canonical state directory for modelmux.
// It centralizes path resolution for all mutable application data: profile
// credentials, the sqlite store, and log files.
type StateBox struct {
	rootPath string
	readOnly bool
	mu       sync.RWMutex
}

// NewStateBox creates a new StateBox instance.
// It reads MODELMUX_STATE_DIR and MODELMUX_READONLY from environment variables.
// If MODELMUX_STATE_DIR is not set, it defaults to ~/.modelmux.
// If MODELMUX_READONLY is set to "1", the StateBox operates in read-only mode.
func NewStateBox() (*StateBox, error) {
	stateDir := os.Getenv("MODELMUX_STATE_DIR")
	if stateDir == "" {
		stateDir = "~/.modelmux"
	}

	resolvedPath, err := ExpandPath(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	readOnly := os.Getenv("MODELMUX_READONLY") == "1"

	return &StateBox{
		rootPath: resolvedPath,
		readOnly: readOnly,
	}, nil
}

// RootPath returns the resolved state root directory.
func (sb *StateBox) RootPath() string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.rootPath
}

// IsReadOnly returns whether the StateBox is in read-only mode.
func (sb *StateBox) IsReadOnly() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.readOnly
}

// ProfilesDir returns the path to the profiles subdirectory.
func (sb *StateBox) ProfilesDir() string {
	return filepath.Join(sb.RootPath(), "profiles")
}

// LogsDir returns the path to the logs subdirectory.
func (sb *StateBox) LogsDir() string {
	return filepath.Join(sb.RootPath(), "logs")
}

// StorePath returns the path to the default sqlite store file.
func (sb *StateBox) StorePath() string {
	return filepath.Join(sb.RootPath(), "profiles.db")
}

// EnsureProfilesDir creates the profiles directory with 0700 permissions if
// it doesn't exist and returns its path.
func (sb *StateBox) EnsureProfilesDir() (string, error) {
	dir := sb.ProfilesDir()
	if err := sb.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("failed to ensure profiles directory: %w", err)
	}
	return dir, nil
}

// ProfilePath returns the full path for a persisted profile file.
// The id is sanitized to prevent path traversal.
func (sb *StateBox) ProfilePath(id string) string {
	sanitized := filepath.Base(id)
	if sanitized == "." || sanitized == ".." {
		sanitized = "unknown"
	}
	if !strings.HasSuffix(sanitized, ".json") {
		sanitized = sanitized + ".json"
	}
	return filepath.Join(sb.ProfilesDir(), sanitized)
}

// ReadProfileFile reads a persisted profile file and unmarshals it into v.
// Returns os.ErrNotExist if the file does not exist.
func (sb *StateBox) ReadProfileFile(id string, v interface{}) error {
	data, err := os.ReadFile(sb.ProfilePath(id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal profile %s: %w", id, err)
	}
	return nil
}

// WriteProfileFile writes a profile to its file using atomic writes.
// Returns ErrReadOnlyMode if the StateBox is in read-only mode.
func (sb *StateBox) WriteProfileFile(id string, v interface{}) error {
	if _, err := sb.EnsureProfilesDir(); err != nil {
		return err
	}
	opts := &SecureWriteOptions{
		Permissions: 0600,
	}
	return SecureWriteJSON(sb, sb.ProfilePath(id), v, opts)
}

// RemoveProfileFile deletes a persisted profile file. Missing files are not
// an error.
func (sb *StateBox) RemoveProfileFile(id string) error {
	if sb.IsReadOnly() {
		return ErrReadOnlyMode
	}
	if err := os.Remove(sb.ProfilePath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ResolvePath joins a relative path with the state root.
// Absolute and tilde paths are returned as-is after cleaning.
func (sb *StateBox) ResolvePath(relativePath string) string {
	if relativePath == "" {
		return sb.RootPath()
	}
	if strings.HasPrefix(relativePath, "~") || filepath.IsAbs(relativePath) {
		cleaned, err := ExpandPath(relativePath)
		if err != nil {
			return filepath.Clean(relativePath)
		}
		return cleaned
	}
	return filepath.Join(sb.RootPath(), relativePath)
}

// EnsureDir creates a directory with 0700 permissions if it doesn't exist,
// including parents.
func (sb *StateBox) EnsureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ExpandPath expands a leading tilde to the user's home directory and cleans
// the result.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Clean(filepath.Join(home, path[2:])), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
