// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"strings"
	"testing"
)

func TestNewScorerRejectsDuplicateIDs(t *testing.T) {
	_, err := NewScorer([]DimensionRule{
		{ID: "code"},
		{ID: "code"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate dimension id")
	}
}

func TestNewScorerRejectsBadPattern(t *testing.T) {
	_, err := NewScorer([]DimensionRule{
		{ID: "code", Patterns: []string{"(unclosed"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid regexp")
	}
}

func TestNewScorerRejectsBadCondition(t *testing.T) {
	_, err := NewScorer([]DimensionRule{
		{ID: "structure", Condition: "no_such_fact > 1"},
	})
	if err == nil {
		t.Fatal("expected error for condition referencing unknown fact")
	}
}

func TestScoreKeywordsAndPatterns(t *testing.T) {
	scorer, err := NewScorer([]DimensionRule{
		{
			ID:       "code",
			Keywords: []string{"refactor", "debug"},
			Patterns: []string{"```"},
			MaxScore: 30,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	scores := scorer.Score(&Request{Content: "Please Refactor and debug this:\n```go\nfunc main() {}\n```"})
	if len(scores) != 1 {
		t.Fatalf("expected 1 dimension score, got %d", len(scores))
	}
	ds := scores[0]
	// Two keyword hits at 1 each plus one pattern hit at 2.
	if ds.Score != 4 {
		t.Errorf("expected score 4, got %g", ds.Score)
	}
	if len(ds.MatchedKeywords) != 3 {
		t.Errorf("expected 3 pieces of evidence, got %v", ds.MatchedKeywords)
	}
}

func TestScoreCapsAtMaxScore(t *testing.T) {
	scorer, err := NewScorer([]DimensionRule{
		{
			ID:           "code",
			Keywords:     []string{"a", "b", "c", "d", "e"},
			KeywordScore: 3,
			MaxScore:     5,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	scores := scorer.Score(&Request{Content: "a b c d e"})
	if scores[0].Score != 5 {
		t.Errorf("expected score capped at 5, got %g", scores[0].Score)
	}
}

func TestScoreLengthThresholds(t *testing.T) {
	scorer, err := NewScorer([]DimensionRule{
		{ID: "length", MinChars: 100, LengthScore: 15, MaxScore: 30},
	})
	if err != nil {
		t.Fatal(err)
	}

	short := scorer.Score(&Request{Content: "short"})
	if short[0].Score != 0 {
		t.Errorf("short content should not score, got %g", short[0].Score)
	}

	long := scorer.Score(&Request{Content: strings.Repeat("x", 200)})
	if long[0].Score != 15 {
		t.Errorf("long content should score 15, got %g", long[0].Score)
	}
}

func TestScoreCondition(t *testing.T) {
	scorer, err := NewScorer([]DimensionRule{
		{ID: "structure", Condition: "code_fences > 0 || lines > 40", ConditionScore: 10, MaxScore: 10},
	})
	if err != nil {
		t.Fatal(err)
	}

	plain := scorer.Score(&Request{Content: "one line"})
	if plain[0].Score != 0 {
		t.Errorf("plain content should not trigger the condition, got %g", plain[0].Score)
	}

	fenced := scorer.Score(&Request{Content: "```\ncode\n```"})
	if fenced[0].Score != 10 {
		t.Errorf("fenced content should score 10, got %g", fenced[0].Score)
	}

	many := scorer.Score(&Request{Content: strings.Repeat("line\n", 50)})
	if many[0].Score != 10 {
		t.Errorf("many lines should score 10, got %g", many[0].Score)
	}
}

func TestScoreIncludesNonMatchingDimensions(t *testing.T) {
	scorer, err := NewScorer([]DimensionRule{
		{ID: "code", Keywords: []string{"refactor"}},
		{ID: "reasoning", Keywords: []string{"theorem"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	scores := scorer.Score(&Request{Content: "refactor this"})
	if len(scores) != 2 {
		t.Fatalf("every dimension must appear in the output, got %d", len(scores))
	}
	if scores[1].Dimension != "reasoning" || scores[1].Score != 0 {
		t.Errorf("non-matching dimension should appear with score 0, got %+v", scores[1])
	}
}

func TestScoreEmptyContent(t *testing.T) {
	scorer, err := NewScorer([]DimensionRule{
		{ID: "structure", Condition: "lines > 0", ConditionScore: 5},
	})
	if err != nil {
		t.Fatal(err)
	}

	scores := scorer.Score(&Request{Content: ""})
	if scores[0].Score != 0 {
		t.Errorf("empty content has zero lines, got score %g", scores[0].Score)
	}
}
