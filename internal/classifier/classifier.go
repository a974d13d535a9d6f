// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"fmt"
	"math"
	"sort"
)

// ConfigError indicates the classifier configuration is malformed.
// It is raised at load time; classification itself never fails.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "classifier: " + e.Msg
}

// Boundary is a half-open score interval [Min, Max) owned by one tier.
type Boundary struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// ScoringResult is the outcome of classifying one request.
type ScoringResult struct {
	Tier       Tier             `json:"tier"`
	TotalScore float64          `json:"total_score"`
	Dimensions []DimensionScore `json:"dimensions"`
	Confidence float64          `json:"confidence"`
}

// ConfidenceFunc computes a confidence value in [0,1] for a classification.
// margin is the distance from the total score to the nearest tier boundary,
// width is the width of the selected tier's interval, and contributing /
// total count dimensions with non-zero evidence. Exact calibration is a
// tuning concern, so the function is swappable.
type ConfidenceFunc func(margin, width float64, contributing, total int) float64

// DefaultConfidence blends boundary margin and dimension agreement equally.
func DefaultConfidence(margin, width float64, contributing, total int) float64 {
	marginPart := 0.0
	if width > 0 {
		// The farthest a score can sit from both edges is half the width.
		marginPart = margin / (width / 2)
	}
	agreementPart := 0.0
	if total > 0 {
		agreementPart = float64(contributing) / float64(total)
	}
	return clamp01(0.5*marginPart + 0.5*agreementPart)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type tierBoundary struct {
	tier Tier
	min  float64
	max  float64
}

// Classifier aggregates dimension scores into a ScoringResult.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	weights    map[string]float64
	boundaries []tierBoundary // sorted by min ascending
	confidence ConfidenceFunc
}

// NewClassifier validates the weights and tier boundaries and returns a
// ready classifier. Boundaries must partition the score range with no gaps
// or overlaps; violations are configuration errors.
func NewClassifier(weights map[string]float64, boundaries map[Tier]Boundary, confidence ConfidenceFunc) (*Classifier, error) {
	if confidence == nil {
		confidence = DefaultConfidence
	}
	c := &Classifier{
		weights:    make(map[string]float64, len(weights)),
		confidence: confidence,
	}
	for dim, w := range weights {
		if w < 0 {
			return nil, &ConfigError{Msg: fmt.Sprintf("negative weight for dimension %s", dim)}
		}
		c.weights[dim] = w
	}

	if len(boundaries) == 0 {
		return nil, &ConfigError{Msg: "no tier boundaries configured"}
	}
	for tier, b := range boundaries {
		if b.Max <= b.Min {
			return nil, &ConfigError{Msg: fmt.Sprintf("tier %s has empty interval [%g,%g)", tier, b.Min, b.Max)}
		}
		c.boundaries = append(c.boundaries, tierBoundary{tier: tier, min: b.Min, max: b.Max})
	}
	sort.Slice(c.boundaries, func(i, j int) bool { return c.boundaries[i].min < c.boundaries[j].min })

	for i := 1; i < len(c.boundaries); i++ {
		prev, cur := c.boundaries[i-1], c.boundaries[i]
		if cur.min != prev.max {
			if cur.min < prev.max {
				return nil, &ConfigError{Msg: fmt.Sprintf("tiers %s and %s overlap at %g", prev.tier, cur.tier, cur.min)}
			}
			return nil, &ConfigError{Msg: fmt.Sprintf("gap between tiers %s and %s: [%g,%g)", prev.tier, cur.tier, prev.max, cur.min)}
		}
		if cur.tier <= prev.tier {
			return nil, &ConfigError{Msg: fmt.Sprintf("tier %s configured below tier %s", cur.tier, prev.tier)}
		}
	}
	return c, nil
}

// Classify aggregates dimension scores into a total score, maps it to a
// tier, and computes confidence. It is deterministic and total: every score
// maps to exactly one tier given the validated boundaries.
func (c *Classifier) Classify(scores []DimensionScore) ScoringResult {
	total := 0.0
	contributing := 0
	for _, ds := range scores {
		weight, ok := c.weights[ds.Dimension]
		if !ok {
			weight = 1
		}
		total += ds.Score * weight
		if ds.Score > 0 {
			contributing++
		}
	}

	b := c.lookup(total)
	margin := math.Min(total-b.min, b.max-total)
	if margin < 0 {
		// Score beyond the highest configured max: treat as saturated.
		margin = b.max - b.min
	}

	return ScoringResult{
		Tier:       b.tier,
		TotalScore: total,
		Dimensions: scores,
		Confidence: clamp01(c.confidence(margin, b.max-b.min, contributing, len(scores))),
	}
}

// lookup scans boundaries in ascending min order and selects the first tier
// whose [min,max) contains the score. Scores above every configured max map
// to the highest tier; scores below the lowest min map to the lowest tier.
func (c *Classifier) lookup(score float64) tierBoundary {
	for _, b := range c.boundaries {
		if score >= b.min && score < b.max {
			return b
		}
	}
	if score < c.boundaries[0].min {
		return c.boundaries[0]
	}
	return c.boundaries[len(c.boundaries)-1]
}

// Boundaries returns the validated boundaries keyed by tier.
func (c *Classifier) Boundaries() map[Tier]Boundary {
	out := make(map[Tier]Boundary, len(c.boundaries))
	for _, b := range c.boundaries {
		out[b.tier] = Boundary{Min: b.min, Max: b.max}
	}
	return out
}
