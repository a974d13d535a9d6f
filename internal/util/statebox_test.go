// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStateBoxFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MODELMUX_STATE_DIR", dir)
	t.Setenv("MODELMUX_READONLY", "")

	sb, err := NewStateBox()
	if err != nil {
		t.Fatal(err)
	}
	if sb.RootPath() != dir {
		t.Errorf("expected root %s, got %s", dir, sb.RootPath())
	}
	if sb.IsReadOnly() {
		t.Error("read-only should be off by default")
	}
	if !strings.HasPrefix(sb.ProfilesDir(), dir) {
		t.Errorf("profiles dir should live under the root: %s", sb.ProfilesDir())
	}
}

func TestStateBoxReadOnlyEnv(t *testing.T) {
	t.Setenv("MODELMUX_STATE_DIR", t.TempDir())
	t.Setenv("MODELMUX_READONLY", "1")

	sb, err := NewStateBox()
	if err != nil {
		t.Fatal(err)
	}
	if !sb.IsReadOnly() {
		t.Error("MODELMUX_READONLY=1 should enable read-only mode")
	}
	if err := SecureWrite(sb, filepath.Join(sb.RootPath(), "x"), []byte("data"), nil); err != ErrReadOnlyMode {
		t.Errorf("expected ErrReadOnlyMode, got %v", err)
	}
}

func TestProfilePathSanitizesID(t *testing.T) {
	t.Setenv("MODELMUX_STATE_DIR", t.TempDir())
	sb, err := NewStateBox()
	if err != nil {
		t.Fatal(err)
	}

	p := sb.ProfilePath("../../etc/passwd")
	if !strings.HasPrefix(p, sb.ProfilesDir()) {
		t.Errorf("path traversal not contained: %s", p)
	}
	if sb.ProfilePath("..") != filepath.Join(sb.ProfilesDir(), "unknown.json") {
		t.Errorf("dot ids must map to a safe name, got %s", sb.ProfilePath(".."))
	}
}

func TestSecureWriteAtomicReplace(t *testing.T) {
	t.Setenv("MODELMUX_STATE_DIR", t.TempDir())
	sb, err := NewStateBox()
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(sb.RootPath(), "data.json")

	if err := SecureWrite(sb, target, []byte("first"), nil); err != nil {
		t.Fatal(err)
	}
	if err := SecureWrite(sb, target, []byte("second"), nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("expected replaced content, got %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(sb.RootPath())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestWriteAndReadProfileFile(t *testing.T) {
	t.Setenv("MODELMUX_STATE_DIR", t.TempDir())
	sb, err := NewStateBox()
	if err != nil {
		t.Fatal(err)
	}

	type payload struct {
		Name string `json:"name"`
	}
	if err := sb.WriteProfileFile("p1", payload{Name: "alpha"}); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := sb.ReadProfileFile("p1", &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "alpha" {
		t.Errorf("expected alpha, got %s", got.Name)
	}

	if err := sb.RemoveProfileFile("p1"); err != nil {
		t.Fatal(err)
	}
	if err := sb.ReadProfileFile("p1", &got); !os.IsNotExist(err) {
		t.Errorf("expected not-exist after removal, got %v", err)
	}
}
