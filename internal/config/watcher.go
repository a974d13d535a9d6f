// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file when it changes on disk.
// A reload that fails validation keeps the previous configuration; the
// active config is only ever swapped atomically via the callback.
type Watcher struct {
	configPath string
	onReload   func(*Config)
	fsWatcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file. onReload is called
// with each successfully validated new configuration.
func NewWatcher(configPath string, onReload func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		onReload:   onReload,
		fsWatcher:  fsWatcher,
	}, nil
}

// Start begins watching until the context is cancelled.
// The parent directory is watched because editors commonly replace the file
// by rename, which drops a watch placed on the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	// Debounce bursts of write events from editors and atomic renames.
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		case <-pending:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload rejected, keeping previous config: %v", err)
		return
	}
	log.Infof("config reloaded from %s", w.configPath)
	w.onReload(cfg)
}
