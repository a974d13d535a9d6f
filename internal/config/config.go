// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the modelmux server.
// It handles loading and parsing YAML configuration files and provides
// structured access to routing rules, provider definitions, cooldown policy,
// and server settings. Malformed routing configuration is rejected at load
// time so the server never classifies requests against invalid rules.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/registry"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces.
	Host string `yaml:"host" json:"-"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether logs go to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// UsageStatisticsEnabled toggles in-memory usage aggregation; when false,
	// usage data is discarded.
	UsageStatisticsEnabled bool `yaml:"usage-statistics-enabled" json:"usage-statistics-enabled"`

	// RequestRetry defines how many times a transient failure is retried on
	// the same profile before the profile is treated as exhausted.
	RequestRetry int `yaml:"request-retry" json:"request-retry"`

	// RequestTimeoutSeconds bounds every upstream attempt. A timed-out
	// attempt is classified and handled like any other failure.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// ManagementKey protects the /v0/management API. Empty disables auth.
	ManagementKey string `yaml:"management-key" json:"-"`

	// Store selects the profile persistence backend.
	Store StoreConfig `yaml:"store" json:"store"`

	// Providers defines the known upstream providers and their models.
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// Dimensions defines the complexity scoring dimensions. When empty, a
	// built-in default set is used.
	Dimensions []classifier.DimensionRule `yaml:"dimensions" json:"dimensions"`

	// Routing controls tier boundaries, model selection, and failover order.
	Routing RoutingConfig `yaml:"routing" json:"routing"`

	// Cooldown maps failure reasons to cooldown durations.
	Cooldown CooldownConfig `yaml:"cooldown" json:"cooldown"`
}

// StoreConfig selects and configures the profile persistence backend.
type StoreConfig struct {
	// Backend is one of "sqlite" (default), "postgres", or "file".
	Backend string `yaml:"backend" json:"backend"`
	// Path overrides the sqlite database path or the file store directory.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// DSN is the postgres connection string for the "postgres" backend.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	// Table overrides the postgres table name. Default "profiles".
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	// Name is the provider identifier referenced by routing rules.
	Name string `yaml:"name" json:"name"`
	// BaseURL is the OpenAI-compatible API root for the provider.
	BaseURL string `yaml:"base-url" json:"base-url"`
	// TokenURL is the OAuth token endpoint for token-backed profiles.
	TokenURL string `yaml:"token-url,omitempty" json:"token-url,omitempty"`
	// ClientID identifies this installation to the provider's OAuth endpoint.
	ClientID string `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	// Models lists the models this provider can serve.
	Models []ModelConfig `yaml:"models" json:"models"`
}

// ModelConfig describes one model within a provider entry.
type ModelConfig struct {
	ID            string `yaml:"id" json:"id"`
	DisplayName   string `yaml:"display-name,omitempty" json:"display-name,omitempty"`
	ContextLength int    `yaml:"context-length,omitempty" json:"context-length,omitempty"`
}

// ModelRouteRef names a model/provider pair in routing configuration.
type ModelRouteRef struct {
	Model    string `yaml:"model" json:"model"`
	Provider string `yaml:"provider" json:"provider"`
}

// RoutingConfig controls classification boundaries and route selection.
type RoutingConfig struct {
	// Weights maps dimension id to weight. Unlisted dimensions weigh 1.
	Weights map[string]float64 `yaml:"weights,omitempty" json:"weights,omitempty"`

	// TierBoundaries maps tier names (SIMPLE, MEDIUM, COMPLEX, REASONING) to
	// half-open score intervals. The intervals must partition the score range
	// with no gaps or overlaps.
	TierBoundaries map[string]classifier.Boundary `yaml:"tier-boundaries" json:"tier-boundaries"`

	// TierModels maps tier names to the ordered model/provider pairs serving
	// that tier. The first entry is the primary route.
	TierModels map[string][]ModelRouteRef `yaml:"tier-models" json:"tier-models"`

	// FallbackOrder ranks providers for cross-tier degradation.
	FallbackOrder []string `yaml:"fallback-order,omitempty" json:"fallback-order,omitempty"`

	// CrossTierFallback extends the fallback chain with lower tiers' routes
	// when the selected tier's routes are exhausted.
	CrossTierFallback bool `yaml:"cross-tier-fallback" json:"cross-tier-fallback"`

	// Interleaving selects the failover policy: "exhaust" (default) drains
	// all eligible profiles of the current route before advancing, "rotate"
	// tries one profile per route and circles back.
	Interleaving string `yaml:"interleaving,omitempty" json:"interleaving,omitempty"`
}

// Interleaving values accepted by RoutingConfig.
const (
	InterleaveExhaust = "exhaust"
	InterleaveRotate  = "rotate"
)

// CooldownConfig maps failure reasons to cooldown durations in seconds.
// Quota and rate-limit failures cool down longest; transient errors shortest.
type CooldownConfig struct {
	DefaultSeconds   int `yaml:"default-seconds" json:"default-seconds"`
	RateLimitSeconds int `yaml:"rate-limit-seconds" json:"rate-limit-seconds"`
	QuotaSeconds     int `yaml:"quota-seconds" json:"quota-seconds"`
	AuthSeconds      int `yaml:"auth-seconds" json:"auth-seconds"`
	TransientSeconds int `yaml:"transient-seconds" json:"transient-seconds"`
	TimeoutSeconds   int `yaml:"timeout-seconds" json:"timeout-seconds"`
}

// Duration returns the cooldown for a named failure reason.
func (c CooldownConfig) Duration(reason string) time.Duration {
	seconds := c.DefaultSeconds
	switch reason {
	case "rate_limit":
		seconds = c.RateLimitSeconds
	case "quota":
		seconds = c.QuotaSeconds
	case "auth":
		seconds = c.AuthSeconds
	case "transient":
		seconds = c.TransientSeconds
	case "timeout":
		seconds = c.TimeoutSeconds
	}
	if seconds <= 0 {
		seconds = c.DefaultSeconds
	}
	return time.Duration(seconds) * time.Second
}

// AttemptTimeout returns the per-attempt upstream deadline.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LoadConfig reads, parses, and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates raw YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8337
	}
	if c.RequestRetry == 0 {
		c.RequestRetry = 2
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Table == "" {
		c.Store.Table = "profiles"
	}
	if c.Routing.Interleaving == "" {
		c.Routing.Interleaving = InterleaveExhaust
	}
	if len(c.Dimensions) == 0 {
		c.Dimensions = DefaultDimensions()
	}
	if c.Cooldown.DefaultSeconds == 0 {
		c.Cooldown.DefaultSeconds = 60
	}
	if c.Cooldown.RateLimitSeconds == 0 {
		c.Cooldown.RateLimitSeconds = 300
	}
	if c.Cooldown.QuotaSeconds == 0 {
		c.Cooldown.QuotaSeconds = 1800
	}
	if c.Cooldown.AuthSeconds == 0 {
		c.Cooldown.AuthSeconds = 600
	}
	if c.Cooldown.TransientSeconds == 0 {
		c.Cooldown.TransientSeconds = 30
	}
	if c.Cooldown.TimeoutSeconds == 0 {
		c.Cooldown.TimeoutSeconds = 60
	}
}

// Validate checks the configuration for structural errors. Routing must
// refuse to start rather than classify requests against an invalid model.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "file":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	switch c.Routing.Interleaving {
	case InterleaveExhaust, InterleaveRotate:
	default:
		return fmt.Errorf("config: unknown routing interleaving %q", c.Routing.Interleaving)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	reg := c.BuildRegistry()

	if len(c.Routing.TierBoundaries) != len(classifier.Tiers()) {
		return fmt.Errorf("config: tier-boundaries must define all %d tiers", len(classifier.Tiers()))
	}
	boundaries := make(map[classifier.Tier]classifier.Boundary, len(c.Routing.TierBoundaries))
	for name, b := range c.Routing.TierBoundaries {
		tier, err := classifier.ParseTier(strings.ToUpper(name))
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		boundaries[tier] = b
	}
	// NewClassifier enforces the gap-free partition invariant.
	if _, err := classifier.NewClassifier(c.Routing.Weights, boundaries, nil); err != nil {
		return err
	}

	for _, tier := range classifier.Tiers() {
		routes, ok := c.Routing.TierModels[tier.String()]
		if !ok || len(routes) == 0 {
			return fmt.Errorf("config: tier %s has no models configured", tier)
		}
		for _, ref := range routes {
			if !reg.HasProvider(ref.Provider) {
				return fmt.Errorf("config: tier %s references unknown provider %q", tier, ref.Provider)
			}
			if reg.FindModel(ref.Model) == nil {
				return fmt.Errorf("config: tier %s references unknown model %q", tier, ref.Model)
			}
		}
	}
	for name := range c.Routing.TierModels {
		if _, err := classifier.ParseTier(strings.ToUpper(name)); err != nil {
			return fmt.Errorf("config: tier-models: %w", err)
		}
	}
	for _, provider := range c.Routing.FallbackOrder {
		if !reg.HasProvider(provider) {
			return fmt.Errorf("config: fallback-order references unknown provider %q", provider)
		}
	}
	return nil
}

// BuildRegistry constructs the model/provider registry from the provider
// definitions.
func (c *Config) BuildRegistry() *registry.Registry {
	reg := registry.New()
	for _, p := range c.Providers {
		for _, m := range p.Models {
			reg.Register(p.Name, &registry.ModelInfo{
				ID:            m.ID,
				DisplayName:   m.DisplayName,
				ContextLength: m.ContextLength,
				OwnedBy:       strings.ToLower(p.Name),
			})
		}
	}
	return reg
}

// TierBoundaryMap converts the configured tier boundaries to classifier keys.
// Callers must have validated the config first.
func (c *Config) TierBoundaryMap() map[classifier.Tier]classifier.Boundary {
	out := make(map[classifier.Tier]classifier.Boundary, len(c.Routing.TierBoundaries))
	for name, b := range c.Routing.TierBoundaries {
		if tier, err := classifier.ParseTier(strings.ToUpper(name)); err == nil {
			out[tier] = b
		}
	}
	return out
}

// Provider returns the provider config for the given name, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i]
		}
	}
	return nil
}

// DefaultDimensions returns the built-in scoring dimension set used when the
// configuration does not define its own.
func DefaultDimensions() []classifier.DimensionRule {
	return []classifier.DimensionRule{
		{
			ID:       "code",
			Keywords: []string{"function", "def ", "class ", "import ", "refactor", "debug", "compile", "algorithm", "unit test"},
			Patterns: []string{"```", `\bfor\s*\(`, `\bif\s*\(`},
			MaxScore: 30,
		},
		{
			ID:       "reasoning",
			Keywords: []string{"prove", "derivative", "integral", "theorem", "step by step", "chain of thought", "logic puzzle", "optimal strategy"},
			MaxScore: 40,
		},
		{
			ID:       "analysis",
			Keywords: []string{"analyze", "compare", "evaluate", "trade-off", "architecture", "design a", "summarize"},
			MaxScore: 25,
		},
		{
			ID:          "length",
			MinChars:    2000,
			MinTokens:   800,
			LengthScore: 15,
			MaxScore:    30,
		},
		{
			ID:             "structure",
			Condition:      "code_fences > 0 || lines > 40",
			ConditionScore: 10,
			MaxScore:       10,
		},
	}
}
