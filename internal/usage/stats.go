// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package usage aggregates per-model and per-tier request statistics in
// memory. Aggregation is best-effort observability: it never influences
// routing and is dropped entirely when disabled.
package usage

import (
	"sync"
	"time"
)

// Record describes one completed dispatch for aggregation.
type Record struct {
	Tier       string
	Model      string
	Provider   string
	ProfileID  string
	Success    bool
	Fallbacks  int
	DurationMs int64
}

// ModelStats aggregates outcomes for one provider:model route.
type ModelStats struct {
	Requests      int64 `json:"requests"`
	Failures      int64 `json:"failures"`
	TotalMillis   int64 `json:"total_millis"`
	FallbackDepth int64 `json:"fallback_depth"`
}

// Snapshot is a point-in-time copy of the aggregated statistics.
type Snapshot struct {
	Since     time.Time             `json:"since"`
	Requests  int64                 `json:"requests"`
	Failures  int64                 `json:"failures"`
	Fallbacks int64                 `json:"fallbacks"`
	ByTier    map[string]int64      `json:"by_tier"`
	ByModel   map[string]ModelStats `json:"by_model"`
}

// Recorder aggregates usage records. A disabled recorder accepts records
// and discards them, so callers never branch on the setting.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	since   time.Time

	requests  int64
	failures  int64
	fallbacks int64
	byTier    map[string]int64
	byModel   map[string]ModelStats
}

// NewRecorder creates a usage recorder.
func NewRecorder(enabled bool) *Recorder {
	return &Recorder{
		enabled: enabled,
		since:   time.Now(),
		byTier:  make(map[string]int64),
		byModel: make(map[string]ModelStats),
	}
}

// Enabled reports whether aggregation is active.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// RecordRequest folds one dispatch outcome into the aggregates.
func (r *Recorder) RecordRequest(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	r.requests++
	if !rec.Success {
		r.failures++
	}
	r.fallbacks += int64(rec.Fallbacks)
	if rec.Tier != "" {
		r.byTier[rec.Tier]++
	}
	if rec.Model != "" {
		key := rec.Provider + ":" + rec.Model
		stats := r.byModel[key]
		stats.Requests++
		if !rec.Success {
			stats.Failures++
		}
		stats.TotalMillis += rec.DurationMs
		stats.FallbackDepth += int64(rec.Fallbacks)
		r.byModel[key] = stats
	}
}

// Snapshot returns a copy of the current aggregates.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Since:     r.since,
		Requests:  r.requests,
		Failures:  r.failures,
		Fallbacks: r.fallbacks,
		ByTier:    make(map[string]int64, len(r.byTier)),
		ByModel:   make(map[string]ModelStats, len(r.byModel)),
	}
	for k, v := range r.byTier {
		snap.ByTier[k] = v
	}
	for k, v := range r.byModel {
		snap.ByModel[k] = v
	}
	return snap
}

// Reset clears the aggregates and restarts the collection window.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.since = time.Now()
	r.requests = 0
	r.failures = 0
	r.fallbacks = 0
	r.byTier = make(map[string]int64)
	r.byModel = make(map[string]ModelStats)
}
