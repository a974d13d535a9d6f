// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testBoundaries() map[Tier]Boundary {
	return map[Tier]Boundary{
		TierSimple:    {Min: 0, Max: 30},
		TierMedium:    {Min: 30, Max: 60},
		TierComplex:   {Min: 60, Max: 90},
		TierReasoning: {Min: 90, Max: 200},
	}
}

func mustClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(nil, testBoundaries(), nil)
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	return c
}

func TestNewClassifierRejectsGap(t *testing.T) {
	boundaries := testBoundaries()
	boundaries[TierMedium] = Boundary{Min: 35, Max: 60}

	_, err := NewClassifier(nil, boundaries, nil)
	if err == nil {
		t.Fatal("expected error for gap between SIMPLE and MEDIUM")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if !strings.Contains(err.Error(), "gap") {
		t.Errorf("error should name the gap, got: %v", err)
	}
}

func TestNewClassifierRejectsOverlap(t *testing.T) {
	boundaries := testBoundaries()
	boundaries[TierMedium] = Boundary{Min: 25, Max: 60}

	_, err := NewClassifier(nil, boundaries, nil)
	if err == nil {
		t.Fatal("expected error for overlap between SIMPLE and MEDIUM")
	}
	if !strings.Contains(err.Error(), "overlap") {
		t.Errorf("error should name the overlap, got: %v", err)
	}
}

func TestNewClassifierRejectsEmptyInterval(t *testing.T) {
	boundaries := testBoundaries()
	boundaries[TierComplex] = Boundary{Min: 60, Max: 60}

	if _, err := NewClassifier(nil, boundaries, nil); err == nil {
		t.Fatal("expected error for empty interval")
	}
}

func TestNewClassifierRejectsTierOrderInversion(t *testing.T) {
	// REASONING below COMPLEX on the score axis is a misconfiguration even
	// when the intervals themselves partition cleanly.
	boundaries := map[Tier]Boundary{
		TierSimple:    {Min: 0, Max: 30},
		TierMedium:    {Min: 30, Max: 60},
		TierReasoning: {Min: 60, Max: 90},
		TierComplex:   {Min: 90, Max: 200},
	}
	if _, err := NewClassifier(nil, boundaries, nil); err == nil {
		t.Fatal("expected error for inverted tier order")
	}
}

func TestNewClassifierRejectsNegativeWeight(t *testing.T) {
	if _, err := NewClassifier(map[string]float64{"code": -1}, testBoundaries(), nil); err == nil {
		t.Fatal("expected error for negative weight")
	}
}

func TestClassifyBoundaryOwnership(t *testing.T) {
	c := mustClassifier(t)

	// A score exactly on a boundary belongs to the upper tier: intervals
	// are half-open [min, max).
	cases := []struct {
		score float64
		want  Tier
	}{
		{0, TierSimple},
		{29.999, TierSimple},
		{30, TierMedium},
		{59.999, TierMedium},
		{60, TierComplex},
		{90, TierReasoning},
		{199.999, TierReasoning},
	}
	for _, tc := range cases {
		got := c.Classify([]DimensionScore{{Dimension: "x", Score: tc.score}})
		if got.Tier != tc.want {
			t.Errorf("score %g: expected %s, got %s", tc.score, tc.want, got.Tier)
		}
	}
}

func TestClassifyClampsOutOfRangeScores(t *testing.T) {
	c := mustClassifier(t)

	above := c.Classify([]DimensionScore{{Dimension: "x", Score: 500}})
	if above.Tier != TierReasoning {
		t.Errorf("score above highest max should map to highest tier, got %s", above.Tier)
	}

	lowOnly, err := NewClassifier(nil, map[Tier]Boundary{
		TierMedium:  {Min: 10, Max: 60},
		TierComplex: {Min: 60, Max: 90},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	below := lowOnly.Classify([]DimensionScore{{Dimension: "x", Score: 2}})
	if below.Tier != TierMedium {
		t.Errorf("score below lowest min should map to lowest tier, got %s", below.Tier)
	}
}

func TestClassifyAppliesWeights(t *testing.T) {
	c, err := NewClassifier(map[string]float64{"code": 2}, testBoundaries(), nil)
	if err != nil {
		t.Fatal(err)
	}

	result := c.Classify([]DimensionScore{
		{Dimension: "code", Score: 20},
		{Dimension: "analysis", Score: 5}, // unlisted dimension weighs 1
	})
	if result.TotalScore != 45 {
		t.Errorf("expected weighted total 45, got %g", result.TotalScore)
	}
	if result.Tier != TierMedium {
		t.Errorf("expected MEDIUM, got %s", result.Tier)
	}
}

func TestClassifyConfidenceBounds(t *testing.T) {
	c := mustClassifier(t)

	for _, score := range []float64{0, 15, 30, 45, 89.9, 90, 150, 1000} {
		result := c.Classify([]DimensionScore{{Dimension: "x", Score: score}})
		if result.Confidence < 0 || result.Confidence > 1 {
			t.Errorf("confidence for score %g out of [0,1]: %g", score, result.Confidence)
		}
	}
}

// TestProperty_TierPartition verifies that the validated boundaries form a
// total partition: every score maps to exactly one tier, and mapping is
// monotonic in the score.
func TestProperty_TierPartition(t *testing.T) {
	properties := gopter.NewProperties(nil)
	c := mustClassifier(t)

	properties.Property("every score maps to exactly one tier", prop.ForAll(
		func(score float64) bool {
			result := c.Classify([]DimensionScore{{Dimension: "x", Score: score}})
			matches := 0
			for _, b := range c.Boundaries() {
				if score >= b.Min && score < b.Max {
					matches++
				}
			}
			// In-range scores match exactly one interval; out-of-range
			// scores match none and clamp to an edge tier.
			if score >= 0 && score < 200 {
				return matches == 1
			}
			return matches == 0 && (result.Tier == TierSimple || result.Tier == TierReasoning)
		},
		gen.Float64Range(-50, 400),
	))

	properties.Property("tier is monotonic in score", prop.ForAll(
		func(a, b float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			tierLo := c.Classify([]DimensionScore{{Dimension: "x", Score: lo}}).Tier
			tierHi := c.Classify([]DimensionScore{{Dimension: "x", Score: hi}}).Tier
			return tierLo <= tierHi
		},
		gen.Float64Range(0, 200),
		gen.Float64Range(0, 200),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestClassifyDeterministic(t *testing.T) {
	c := mustClassifier(t)
	scores := []DimensionScore{
		{Dimension: "code", Score: 12},
		{Dimension: "reasoning", Score: 25},
		{Dimension: "length", Score: 0},
	}

	first := c.Classify(scores)
	for i := 0; i < 10; i++ {
		if got := c.Classify(scores); got.Tier != first.Tier || got.TotalScore != first.TotalScore || got.Confidence != first.Confidence {
			t.Fatalf("classification is not deterministic: %+v vs %+v", got, first)
		}
	}
}
