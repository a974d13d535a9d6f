// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router maps a classified request onto a primary model/provider
// pair and an ordered fallback chain, driven entirely by routing
// configuration.
package router

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/registry"
)

// ModelRoute is an immutable model/provider pair.
type ModelRoute struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

func (r ModelRoute) String() string {
	return r.Provider + ":" + r.Model
}

// RoutingDecision is the outcome of selecting routes for one request.
type RoutingDecision struct {
	// Scoring is the classification that drove the selection.
	Scoring classifier.ScoringResult `json:"scoring"`
	// SelectedModel and SelectedProvider name the primary route.
	SelectedModel    string `json:"selected_model"`
	SelectedProvider string `json:"selected_provider"`
	// FallbackChain lists alternative routes in order, primary excluded.
	FallbackChain []ModelRoute `json:"fallback_chain"`
	// Reason summarizes the tier and dominant dimensions for observability.
	Reason string `json:"reason"`
}

// Primary returns the primary route as a ModelRoute.
func (d *RoutingDecision) Primary() ModelRoute {
	return ModelRoute{Model: d.SelectedModel, Provider: d.SelectedProvider}
}

// Routes returns the primary route followed by the fallback chain.
func (d *RoutingDecision) Routes() []ModelRoute {
	routes := make([]ModelRoute, 0, len(d.FallbackChain)+1)
	routes = append(routes, d.Primary())
	routes = append(routes, d.FallbackChain...)
	return routes
}

// Selector resolves tiers to routes. It holds an immutable snapshot of the
// routing configuration; config reloads build a new Selector.
type Selector struct {
	routing config.RoutingConfig
	reg     *registry.Registry
}

// NewSelector creates a selector over validated routing configuration.
func NewSelector(routing config.RoutingConfig, reg *registry.Registry) *Selector {
	return &Selector{routing: routing, reg: reg}
}

// Select returns the routing decision for a scored request. A valid explicit
// model override takes precedence and yields an empty fallback chain; an
// unknown override is logged and ignored. Selecting from an empty tier model
// list is a configuration error.
func (s *Selector) Select(scoring classifier.ScoringResult, override string) (*RoutingDecision, error) {
	if override != "" {
		if info := s.reg.FindModel(override); info != nil {
			return &RoutingDecision{
				Scoring:          scoring,
				SelectedModel:    info.ID,
				SelectedProvider: info.OwnedBy,
				FallbackChain:    []ModelRoute{},
				Reason:           fmt.Sprintf("explicit model override %q", override),
			}, nil
		}
		log.Warnf("router: ignoring unknown model override %q", override)
	}

	routes := s.routing.TierModels[scoring.Tier.String()]
	if len(routes) == 0 {
		return nil, &classifier.ConfigError{Msg: fmt.Sprintf("tier %s has no models configured", scoring.Tier)}
	}

	primary := ModelRoute{Model: routes[0].Model, Provider: routes[0].Provider}
	chain := make([]ModelRoute, 0, len(routes)-1)
	seen := map[ModelRoute]struct{}{primary: {}}
	for _, ref := range routes[1:] {
		route := ModelRoute{Model: ref.Model, Provider: ref.Provider}
		if _, dup := seen[route]; dup {
			continue
		}
		seen[route] = struct{}{}
		chain = append(chain, route)
	}

	if s.routing.CrossTierFallback {
		chain = s.appendCrossTier(scoring.Tier, chain, seen)
	}

	return &RoutingDecision{
		Scoring:          scoring,
		SelectedModel:    primary.Model,
		SelectedProvider: primary.Provider,
		FallbackChain:    chain,
		Reason:           s.reason(scoring),
	}, nil
}

// appendCrossTier extends the chain with lower tiers' routes in descending
// tier order, each tier's routes ranked by the configured fallback order.
func (s *Selector) appendCrossTier(tier classifier.Tier, chain []ModelRoute, seen map[ModelRoute]struct{}) []ModelRoute {
	for t := tier - 1; t >= classifier.TierSimple; t-- {
		refs := s.routing.TierModels[t.String()]
		tierRoutes := make([]ModelRoute, 0, len(refs))
		for _, ref := range refs {
			route := ModelRoute{Model: ref.Model, Provider: ref.Provider}
			if _, dup := seen[route]; dup {
				continue
			}
			seen[route] = struct{}{}
			tierRoutes = append(tierRoutes, route)
		}
		sort.SliceStable(tierRoutes, func(i, j int) bool {
			return s.providerRank(tierRoutes[i].Provider) < s.providerRank(tierRoutes[j].Provider)
		})
		chain = append(chain, tierRoutes...)
	}
	return chain
}

// providerRank returns the provider's index in the configured fallback
// order; unlisted providers rank last, keeping their configured order.
func (s *Selector) providerRank(provider string) int {
	for i, p := range s.routing.FallbackOrder {
		if strings.EqualFold(p, provider) {
			return i
		}
	}
	return len(s.routing.FallbackOrder)
}

// reason builds the human-readable selection summary: the tier, the total
// score, and the dominant matched dimensions.
func (s *Selector) reason(scoring classifier.ScoringResult) string {
	type contribution struct {
		id    string
		score float64
	}
	var contributors []contribution
	for _, ds := range scoring.Dimensions {
		if ds.Score > 0 {
			contributors = append(contributors, contribution{id: ds.Dimension, score: ds.Score})
		}
	}
	sort.SliceStable(contributors, func(i, j int) bool { return contributors[i].score > contributors[j].score })

	var b strings.Builder
	fmt.Fprintf(&b, "tier %s (score %.1f, confidence %.2f)", scoring.Tier, scoring.TotalScore, scoring.Confidence)
	if len(contributors) > 0 {
		limit := len(contributors)
		if limit > 3 {
			limit = 3
		}
		names := make([]string, 0, limit)
		for _, c := range contributors[:limit] {
			names = append(names, c.id)
		}
		fmt.Fprintf(&b, "; dominant dimensions: %s", strings.Join(names, ", "))
	} else {
		b.WriteString("; no dimensions matched")
	}
	return b.String()
}
