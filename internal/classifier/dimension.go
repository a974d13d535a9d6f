// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Request carries the routable portion of an inbound chat-completion request.
// It is immutable for the duration of routing.
type Request struct {
	// Content is the concatenated user-visible text of the request.
	Content string
	// ModelOverride, when non-empty, forces a specific model and bypasses
	// tier-based selection if the model is known to the registry.
	ModelOverride string
	// Metadata carries opaque caller attributes (request id, source format).
	Metadata map[string]string
}

// DimensionRule describes one scoring dimension as loaded from configuration.
// Each rule is independent and declares its own matching predicates plus a
// maximum contribution, so new dimensions are data rather than code.
type DimensionRule struct {
	// ID uniquely identifies the dimension (e.g. "code", "length").
	ID string `yaml:"id" json:"id"`
	// Keywords are matched case-insensitively as substrings; each hit
	// contributes KeywordScore up to MaxScore.
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	// KeywordScore is the contribution per keyword hit. Defaults to 1.
	KeywordScore float64 `yaml:"keyword-score,omitempty" json:"keyword-score,omitempty"`
	// Patterns are regular expressions; each matching pattern contributes
	// PatternScore up to MaxScore.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	// PatternScore is the contribution per matching pattern. Defaults to 2.
	PatternScore float64 `yaml:"pattern-score,omitempty" json:"pattern-score,omitempty"`
	// MinChars awards LengthScore when the content length reaches it.
	MinChars int `yaml:"min-chars,omitempty" json:"min-chars,omitempty"`
	// MinTokens awards LengthScore when the tokenized length reaches it.
	MinTokens int `yaml:"min-tokens,omitempty" json:"min-tokens,omitempty"`
	// LengthScore is the contribution of a satisfied length threshold.
	LengthScore float64 `yaml:"length-score,omitempty" json:"length-score,omitempty"`
	// Condition is an optional expr-lang predicate over the request facts
	// (Content, Chars, Tokens, Lines, CodeFences, Questions).
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	// ConditionScore is the contribution of a satisfied condition.
	ConditionScore float64 `yaml:"condition-score,omitempty" json:"condition-score,omitempty"`
	// MaxScore caps the dimension's total contribution. Defaults to 10.
	MaxScore float64 `yaml:"max-score,omitempty" json:"max-score,omitempty"`
}

// DimensionScore is the per-dimension result of scoring one request.
// A dimension with no match still appears with Score 0 and empty evidence so
// consumers can audit why a request scored as it did.
type DimensionScore struct {
	Dimension       string   `json:"dimension"`
	Score           float64  `json:"score"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
}

// Facts is the environment visible to dimension condition expressions.
type Facts struct {
	Content    string `expr:"content"`
	Chars      int    `expr:"chars"`
	Tokens     int    `expr:"tokens"`
	Lines      int    `expr:"lines"`
	CodeFences int    `expr:"code_fences"`
	Questions  int    `expr:"questions"`
}

// compiledDimension is a DimensionRule with its patterns and condition
// compiled once at load time.
type compiledDimension struct {
	rule     DimensionRule
	patterns []*regexp.Regexp
	keywords []string // lowercased
	program  *vm.Program
}

func compileDimension(rule DimensionRule) (*compiledDimension, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("classifier: dimension without id")
	}
	if rule.MaxScore == 0 {
		rule.MaxScore = 10
	}
	if rule.MaxScore < 0 {
		return nil, fmt.Errorf("classifier: dimension %s has negative max-score", rule.ID)
	}
	if rule.KeywordScore == 0 {
		rule.KeywordScore = 1
	}
	if rule.PatternScore == 0 {
		rule.PatternScore = 2
	}

	cd := &compiledDimension{rule: rule}
	for _, kw := range rule.Keywords {
		cd.keywords = append(cd.keywords, strings.ToLower(kw))
	}
	for _, p := range rule.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classifier: dimension %s pattern %q: %w", rule.ID, p, err)
		}
		cd.patterns = append(cd.patterns, re)
	}
	if rule.Condition != "" {
		program, err := expr.Compile(rule.Condition, expr.Env(Facts{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("classifier: dimension %s condition %q: %w", rule.ID, rule.Condition, err)
		}
		cd.program = program
	}
	return cd, nil
}

// evaluate scores one request against the dimension. Pure: no shared state
// is touched, so dimensions can be evaluated in any order.
func (cd *compiledDimension) evaluate(facts *Facts) DimensionScore {
	result := DimensionScore{Dimension: cd.rule.ID, MatchedKeywords: []string{}}
	lower := strings.ToLower(facts.Content)

	for i, kw := range cd.keywords {
		if strings.Contains(lower, kw) {
			result.Score += cd.rule.KeywordScore
			result.MatchedKeywords = append(result.MatchedKeywords, cd.rule.Keywords[i])
		}
	}
	for i, re := range cd.patterns {
		if re.MatchString(facts.Content) {
			result.Score += cd.rule.PatternScore
			result.MatchedKeywords = append(result.MatchedKeywords, cd.rule.Patterns[i])
		}
	}
	if cd.rule.MinChars > 0 && facts.Chars >= cd.rule.MinChars {
		result.Score += cd.rule.LengthScore
	}
	if cd.rule.MinTokens > 0 && facts.Tokens >= cd.rule.MinTokens {
		result.Score += cd.rule.LengthScore
	}
	if cd.program != nil {
		if out, err := expr.Run(cd.program, *facts); err == nil {
			if ok, isBool := out.(bool); isBool && ok {
				result.Score += cd.rule.ConditionScore
			}
		}
	}

	if result.Score > cd.rule.MaxScore {
		result.Score = cd.rule.MaxScore
	}
	return result
}
