// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package authstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Persistence abstracts durable storage of profiles across restarts.
// The store writes through after every mutation; last-write-wins per profile
// is acceptable, cross-profile ordering is not significant.
type Persistence interface {
	// Load returns all persisted profiles.
	Load(ctx context.Context) ([]*Profile, error)
	// Save persists the profile, replacing any existing one with the same ID.
	Save(ctx context.Context, p *Profile) error
	// Delete removes the profile identified by id.
	Delete(ctx context.Context, id string) error
}

// CooldownPolicy maps a failure reason to a cooldown duration. It is
// external configuration, not hard-coded in the state machine.
type CooldownPolicy interface {
	Duration(reason string) time.Duration
}

// Store is the process-wide collection of profiles keyed by id.
// Selection and every per-profile update run under one mutex, so a profile
// handed out by PickNext cannot concurrently lose an errorCount increment
// or a cooldown to a racing update.
type Store struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	policy   CooldownPolicy
	persist  Persistence

	// now is injectable for tests.
	now func() time.Time
}

// NewStore creates a profile store backed by the given persistence layer.
func NewStore(persist Persistence, policy CooldownPolicy) *Store {
	return &Store{
		profiles: make(map[string]*Profile),
		policy:   policy,
		persist:  persist,
		now:      time.Now,
	}
}

// Load replaces the in-memory profile set with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	profiles, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("authstore: load failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		if p == nil || p.ID == "" {
			continue
		}
		s.profiles[p.ID] = p.Clone()
	}
	log.Infof("authstore: loaded %d profiles", len(s.profiles))
	return nil
}

// Upsert adds or replaces a profile. The id is derived from the provider and
// credential fingerprint, so upserting the same credential is idempotent and
// preserves existing usage statistics.
func (s *Store) Upsert(ctx context.Context, p *Profile) (string, error) {
	if p == nil || p.Provider == "" {
		return "", fmt.Errorf("authstore: profile requires a provider")
	}
	if p.Fingerprint() == "" {
		return "", fmt.Errorf("authstore: profile requires a credential")
	}

	s.mu.Lock()
	id := ProfileID(p.Provider, p.Fingerprint())
	stored := p.Clone()
	stored.ID = id
	now := s.now()
	if existing, ok := s.profiles[id]; ok {
		stored.Stats = existing.Stats
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.Stats = UsageStats{State: StateActive}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.profiles[id] = stored
	saved := stored.Clone()
	s.mu.Unlock()

	if err := s.persist.Save(ctx, saved); err != nil {
		return id, fmt.Errorf("authstore: persist failed for %s: %w", id, err)
	}
	return id, nil
}

// Remove deletes a profile. The core never discards profiles on its own;
// this is an explicit admin operation.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.profiles[id]
	delete(s.profiles, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("authstore: unknown profile %s", id)
	}
	return s.persist.Delete(ctx, id)
}

// Get returns a copy of the profile with lazily refreshed state, or nil.
func (s *Store) Get(id string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil
	}
	p.refreshState(s.now())
	return p.Clone()
}

// List returns copies of all profiles with lazily refreshed state, ordered
// by provider then id.
func (s *Store) List() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		p.refreshState(now)
		out = append(out, p.Clone())
	}
	sortProfiles(out)
	return out
}

// PickNext selects the next eligible profile for the provider/model pair.
// It excludes profiles in provider-wide cooldown and profiles with a live
// model-specific cooldown for the requested model, then prefers the least
// recently used eligible profile, treating never-used as oldest. Returns nil
// when no profile is eligible; that is the normal fallback signal, not an
// error.
func (s *Store) PickNext(provider, model string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *Profile
	for _, p := range s.profiles {
		if p.Provider != provider {
			continue
		}
		p.refreshState(now)
		if !p.eligibleFor(model, now) {
			continue
		}
		if best == nil || lessRecentlyUsed(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

// MarkUsed records a successful use of the profile: it increments the
// request count, updates lastUsed, and resets the error count to zero. It
// does not change the cooldown state directly; a profile can be marked used
// while still cooling down for a different model.
func (s *Store) MarkUsed(ctx context.Context, id, model string) {
	s.mu.Lock()
	p, ok := s.profiles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	p.Stats.RequestCount++
	p.Stats.LastUsed = &now
	p.Stats.ErrorCount = 0
	p.refreshState(now)
	p.UpdatedAt = now
	saved := p.Clone()
	s.mu.Unlock()

	s.writeThrough(ctx, saved)
}

// MarkFailure transitions the profile toward cooldown. With ScopeProvider
// the whole profile cools down for the reason's configured duration; with
// ScopeModel only the failing model is cooled down and the profile stays
// usable for the provider's other models.
func (s *Store) MarkFailure(ctx context.Context, id string, reason FailureReason, scope FailureScope, model string) {
	s.mu.Lock()
	p, ok := s.profiles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	until := now.Add(s.policy.Duration(string(reason)))

	p.Stats.ErrorCount++
	switch scope {
	case ScopeModel:
		if model != "" {
			if p.Stats.ModelCooldowns == nil {
				p.Stats.ModelCooldowns = make(map[string]time.Time)
			}
			p.Stats.ModelCooldowns[model] = until
		}
	default:
		p.Stats.CooldownUntil = &until
		p.Stats.FailureReason = string(reason)
	}
	p.Stats.State = StateCooldown
	p.UpdatedAt = now
	saved := p.Clone()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"profile":  id,
		"provider": saved.Provider,
		"reason":   reason,
		"scope":    scope,
		"until":    until.Format(time.RFC3339),
	}).Debug("profile cooling down")
	s.writeThrough(ctx, saved)
}

// ClearCooldown is an administrative override that forces the profile back
// to ACTIVE, clearing the provider-wide cooldown, the failure reason, and
// every model cooldown unconditionally.
func (s *Store) ClearCooldown(ctx context.Context, id string) bool {
	s.mu.Lock()
	p, ok := s.profiles[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.resetLocked(p)
	saved := p.Clone()
	s.mu.Unlock()

	s.writeThrough(ctx, saved)
	return true
}

// ResetAll clears every cooldown/error indicator on every profile and
// returns the number of profiles that were actually flagged. Running it on a
// clean store is a no-op returning 0. It is idempotent and safe to run
// concurrently with live dispatch: each profile is reset atomically under
// the store lock, so no torn state is visible to a concurrent reader.
func (s *Store) ResetAll(ctx context.Context) int {
	s.mu.Lock()
	var resets []*Profile
	for _, p := range s.profiles {
		if !p.flagged() {
			continue
		}
		s.resetLocked(p)
		resets = append(resets, p.Clone())
	}
	s.mu.Unlock()

	for _, p := range resets {
		s.writeThrough(ctx, p)
	}
	return len(resets)
}

// UpdateToken replaces the profile's OAuth token material, typically after
// a refresh, and writes through.
func (s *Store) UpdateToken(ctx context.Context, id string, token *oauth2.Token) {
	if token == nil {
		return
	}
	s.mu.Lock()
	p, ok := s.profiles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	clone := *token
	p.Token = &clone
	p.UpdatedAt = s.now()
	saved := p.Clone()
	s.mu.Unlock()

	s.writeThrough(ctx, saved)
}

// CountByProvider returns how many profiles exist per provider.
func (s *Store) CountByProvider() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, p := range s.profiles {
		out[p.Provider]++
	}
	return out
}

func (s *Store) resetLocked(p *Profile) {
	p.Stats.State = StateActive
	p.Stats.CooldownUntil = nil
	p.Stats.FailureReason = ""
	p.Stats.ErrorCount = 0
	p.Stats.ModelCooldowns = nil
	p.UpdatedAt = s.now()
}

func (s *Store) writeThrough(ctx context.Context, p *Profile) {
	if err := s.persist.Save(ctx, p); err != nil {
		log.Errorf("authstore: write-through failed for %s: %v", p.ID, err)
	}
}

// lessRecentlyUsed orders profiles for round-robin-by-recency selection.
// Never-used profiles sort first; ties break on id for determinism.
func lessRecentlyUsed(a, b *Profile) bool {
	switch {
	case a.Stats.LastUsed == nil && b.Stats.LastUsed == nil:
		return a.ID < b.ID
	case a.Stats.LastUsed == nil:
		return true
	case b.Stats.LastUsed == nil:
		return false
	case a.Stats.LastUsed.Equal(*b.Stats.LastUsed):
		return a.ID < b.ID
	default:
		return a.Stats.LastUsed.Before(*b.Stats.LastUsed)
	}
}

func sortProfiles(profiles []*Profile) {
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Provider != profiles[j].Provider {
			return profiles[i].Provider < profiles[j].Provider
		}
		return profiles[i].ID < profiles[j].ID
	})
}
