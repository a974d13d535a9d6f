// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrReadOnlyMode is returned when a write operation is attempted in read-only mode.
var ErrReadOnlyMode = errors.New("read-only environment: write operations disabled")

// SecureWriteOptions configures the secure write operation.
type SecureWriteOptions struct {
	// Permissions sets the file permissions (default: 0600)
	Permissions os.FileMode
}

// SecureWrite atomically writes data to a file using the rename-swap pattern.
// It writes to a temporary file first, calls fsync(), then atomically renames
// to the target path so crashes never leave a corrupt target file.
//
// If sb is in read-only mode, returns ErrReadOnlyMode without modifying any
// files. If opts is nil, defaults are used (0600 permissions).
func SecureWrite(sb *StateBox, path string, data []byte, opts *SecureWriteOptions) error {
	if sb != nil && sb.IsReadOnly() {
		return ErrReadOnlyMode
	}

	if opts == nil {
		opts = &SecureWriteOptions{}
	}
	if opts.Permissions == 0 {
		opts.Permissions = 0600
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%s", path, uuid.New().String())

	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, opts.Permissions)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}

	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	// Sync to disk before rename to ensure durability.
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// rename() is atomic within the same filesystem on Unix; os.Rename is
	// atomic on NTFS for same-volume operations.
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to target: %w", err)
	}

	cleanupTemp = false
	return nil
}

// SecureWriteJSON marshals v as indented JSON and writes it atomically.
func SecureWriteJSON(sb *StateBox, path string, v interface{}, opts *SecureWriteOptions) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON for %s: %w", path, err)
	}
	return SecureWrite(sb, path, data, opts)
}
