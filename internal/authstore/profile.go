// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package authstore manages authentication profiles: one credential bound to
// one provider, with its own usage statistics and cooldown state. Profiles
// move between ACTIVE and COOLDOWN lazily, by comparing stored timestamps to
// the current time on every read; no background timers are involved.
package authstore

import (
	"crypto/sha256"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ProfileState is the provider-wide availability state of a profile.
type ProfileState string

const (
	// StateActive marks a profile as eligible for selection.
	StateActive ProfileState = "active"
	// StateCooldown marks a profile as temporarily ineligible.
	StateCooldown ProfileState = "cooldown"
)

// FailureReason names the classified cause of a failed attempt. The cooldown
// policy maps each reason to a duration.
type FailureReason string

const (
	ReasonRateLimit FailureReason = "rate_limit"
	ReasonQuota     FailureReason = "quota"
	ReasonAuth      FailureReason = "auth"
	ReasonTransient FailureReason = "transient"
	ReasonTimeout   FailureReason = "timeout"
)

// FailureScope selects whether a failure cools down the whole profile or
// only one model on it.
type FailureScope string

const (
	// ScopeProvider cools down the profile for every model of its provider.
	ScopeProvider FailureScope = "provider"
	// ScopeModel cools down the profile for a single model only, leaving it
	// usable for the provider's other models.
	ScopeModel FailureScope = "model"
)

// UsageStats tracks the mutable usage and cooldown state of a profile.
type UsageStats struct {
	State          ProfileState         `json:"state"`
	CooldownUntil  *time.Time           `json:"cooldown_until,omitempty"`
	FailureReason  string               `json:"failure_reason,omitempty"`
	ErrorCount     int                  `json:"error_count"`
	ModelCooldowns map[string]time.Time `json:"model_cooldowns,omitempty"`
	LastUsed       *time.Time           `json:"last_used,omitempty"`
	RequestCount   int64                `json:"request_count"`
}

// Profile represents one authentication credential for one provider.
// The credential payload is opaque to the routing core.
type Profile struct {
	// ID is derived deterministically from provider and credential
	// fingerprint, so upserting the same credential twice is idempotent.
	ID string `json:"id"`
	// Provider is the provider identifier this credential belongs to.
	Provider string `json:"provider"`
	// Label is an optional operator-facing name.
	Label string `json:"label,omitempty"`
	// APIKey holds a static API key credential.
	APIKey string `json:"api_key,omitempty"`
	// Token holds OAuth token material for token-backed credentials.
	Token *oauth2.Token `json:"token,omitempty"`
	// Attributes carries provider-specific metadata (project id, base URL
	// override) that the core passes through untouched.
	Attributes map[string]string `json:"attributes,omitempty"`

	Stats UsageStats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileID derives the stable identifier for a credential. The same
// provider/credential pair always yields the same id.
func ProfileID(provider, fingerprint string) string {
	sum := sha256.Sum256([]byte(provider + "\x00" + fingerprint))
	return fmt.Sprintf("%x", sum[:12])
}

// Fingerprint returns the stable credential fingerprint source for the
// profile: the API key, the refresh token, or the label as a last resort.
func (p *Profile) Fingerprint() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.Token != nil && p.Token.RefreshToken != "" {
		return p.Token.RefreshToken
	}
	return p.Label
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	clone := *p
	if p.Token != nil {
		token := *p.Token
		clone.Token = &token
	}
	if p.Attributes != nil {
		clone.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			clone.Attributes[k] = v
		}
	}
	if p.Stats.CooldownUntil != nil {
		t := *p.Stats.CooldownUntil
		clone.Stats.CooldownUntil = &t
	}
	if p.Stats.LastUsed != nil {
		t := *p.Stats.LastUsed
		clone.Stats.LastUsed = &t
	}
	if p.Stats.ModelCooldowns != nil {
		clone.Stats.ModelCooldowns = make(map[string]time.Time, len(p.Stats.ModelCooldowns))
		for k, v := range p.Stats.ModelCooldowns {
			clone.Stats.ModelCooldowns[k] = v
		}
	}
	return &clone
}

// refreshState lazily expires lapsed cooldowns. It removes model cooldowns
// whose timestamps have passed and flips the profile back to ACTIVE once no
// cooldown remains live. Returns true when anything changed.
func (p *Profile) refreshState(now time.Time) bool {
	changed := false

	for model, until := range p.Stats.ModelCooldowns {
		if !until.After(now) {
			delete(p.Stats.ModelCooldowns, model)
			changed = true
		}
	}
	if len(p.Stats.ModelCooldowns) == 0 {
		p.Stats.ModelCooldowns = nil
	}

	providerCooling := p.Stats.CooldownUntil != nil && p.Stats.CooldownUntil.After(now)
	if !providerCooling && p.Stats.CooldownUntil != nil {
		p.Stats.CooldownUntil = nil
		p.Stats.FailureReason = ""
		changed = true
	}

	shouldCool := providerCooling || len(p.Stats.ModelCooldowns) > 0
	if shouldCool && p.Stats.State != StateCooldown {
		p.Stats.State = StateCooldown
		changed = true
	}
	if !shouldCool && p.Stats.State != StateActive {
		p.Stats.State = StateActive
		changed = true
	}
	return changed
}

// eligibleFor reports whether the profile may serve the given model now.
// Callers must have invoked refreshState first.
func (p *Profile) eligibleFor(model string, now time.Time) bool {
	if p.Stats.CooldownUntil != nil && p.Stats.CooldownUntil.After(now) {
		return false
	}
	if until, ok := p.Stats.ModelCooldowns[model]; ok && until.After(now) {
		return false
	}
	return true
}

// flagged reports whether the profile carries any cooldown or error
// indicator that an administrative reset would clear.
func (p *Profile) flagged() bool {
	return p.Stats.State == StateCooldown ||
		p.Stats.CooldownUntil != nil ||
		p.Stats.FailureReason != "" ||
		p.Stats.ErrorCount > 0 ||
		len(p.Stats.ModelCooldowns) > 0
}
