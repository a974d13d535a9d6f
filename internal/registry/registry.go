// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry provides the read-only lookup of known models and
// providers. It supplies the universe of valid identifiers used to validate
// routing configuration and per-request overrides at load time.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ModelInfo represents one model offered by a provider.
type ModelInfo struct {
	// ID is the unique identifier for the model.
	ID string `json:"id"`
	// Object type for the model (typically "model").
	Object string `json:"object"`
	// Created timestamp when the model was registered.
	Created int64 `json:"created"`
	// OwnedBy indicates the provider that owns the model.
	OwnedBy string `json:"owned_by"`
	// DisplayName is the human-readable name for the model.
	DisplayName string `json:"display_name,omitempty"`
	// ContextLength is the context window size in tokens.
	ContextLength int `json:"context_length,omitempty"`
}

// Registry is the process-wide lookup of models grouped by provider.
// It is populated from configuration and only rewritten wholesale on a
// config reload, so all lookups are cheap shared reads.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*ModelInfo
	providers map[string][]string // provider -> model ids in registration order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		models:    make(map[string]*ModelInfo),
		providers: make(map[string][]string),
	}
}

// Register adds or replaces a model under the given provider.
func (r *Registry) Register(provider string, info *ModelInfo) {
	if info == nil || info.ID == "" {
		return
	}
	provider = strings.ToLower(provider)

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *info
	if clone.Object == "" {
		clone.Object = "model"
	}
	if clone.Created == 0 {
		clone.Created = time.Now().Unix()
	}
	if clone.OwnedBy == "" {
		clone.OwnedBy = provider
	}

	if _, exists := r.models[info.ID]; !exists {
		r.providers[provider] = append(r.providers[provider], info.ID)
	}
	r.models[info.ID] = &clone
}

// ReplaceAll swaps the registry contents with those of another registry.
// Used when a configuration reload changes the provider definitions.
func (r *Registry) ReplaceAll(other *Registry) {
	if other == nil {
		return
	}
	other.mu.RLock()
	models := make(map[string]*ModelInfo, len(other.models))
	for id, info := range other.models {
		clone := *info
		models[id] = &clone
	}
	providers := make(map[string][]string, len(other.providers))
	for p, ids := range other.providers {
		providers[p] = append([]string(nil), ids...)
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.models = models
	r.providers = providers
	r.mu.Unlock()
}

// FindModel returns the model with the given id, or nil if unknown.
func (r *Registry) FindModel(id string) *ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.models[id]
	if !ok {
		return nil
	}
	clone := *info
	return &clone
}

// GetModelsForProvider returns the models registered under a provider in
// registration order.
func (r *Registry) GetModelsForProvider(provider string) []*ModelInfo {
	provider = strings.ToLower(provider)

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.providers[provider]
	out := make([]*ModelInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.models[id]; ok {
			clone := *info
			out = append(out, &clone)
		}
	}
	return out
}

// GetAllProviders returns the known provider identifiers, sorted.
func (r *Registry) GetAllProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]string, 0, len(r.providers))
	for p := range r.providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// HasProvider reports whether the provider is known.
func (r *Registry) HasProvider(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[strings.ToLower(provider)]
	return ok
}

// AllModels returns every registered model, sorted by id.
func (r *Registry) AllModels() []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ModelInfo, 0, len(r.models))
	for _, info := range r.models {
		clone := *info
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
