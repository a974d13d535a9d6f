// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Scorer evaluates a request against the configured dimensions.
// Scoring is a pure function of the request and the compiled rules; the
// Scorer itself holds no mutable state and is safe for concurrent use.
type Scorer struct {
	dimensions []*compiledDimension
	codec      tokenizer.Codec
}

// NewScorer compiles the dimension rules. Malformed patterns or conditions
// are configuration errors reported at load time, not at scoring time.
func NewScorer(rules []DimensionRule) (*Scorer, error) {
	s := &Scorer{}
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		cd, err := compileDimension(rule)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, &ConfigError{Msg: "duplicate dimension id: " + rule.ID}
		}
		seen[rule.ID] = struct{}{}
		s.dimensions = append(s.dimensions, cd)
	}

	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// Token-based thresholds fall back to a word-count approximation.
		log.Warnf("classifier: tokenizer unavailable, using word estimate: %v", err)
	} else {
		s.codec = codec
	}
	return s, nil
}

// Score evaluates every configured dimension against the request.
// Every dimension appears in the output, including non-matching ones.
func (s *Scorer) Score(req *Request) []DimensionScore {
	facts := s.extractFacts(req.Content)
	scores := make([]DimensionScore, 0, len(s.dimensions))
	for _, cd := range s.dimensions {
		scores = append(scores, cd.evaluate(facts))
	}
	return scores
}

// Dimensions returns the ids of the configured dimensions in order.
func (s *Scorer) Dimensions() []string {
	ids := make([]string, 0, len(s.dimensions))
	for _, cd := range s.dimensions {
		ids = append(ids, cd.rule.ID)
	}
	return ids
}

func (s *Scorer) extractFacts(content string) *Facts {
	facts := &Facts{
		Content:    content,
		Chars:      len(content),
		Lines:      strings.Count(content, "\n") + 1,
		CodeFences: strings.Count(content, "```") / 2,
		Questions:  strings.Count(content, "?"),
		Tokens:     s.countTokens(content),
	}
	if content == "" {
		facts.Lines = 0
	}
	return facts
}

func (s *Scorer) countTokens(content string) int {
	if content == "" {
		return 0
	}
	if s.codec != nil {
		if n, err := s.codec.Count(content); err == nil {
			return n
		}
	}
	// Most tokenizers produce roughly 1.3 tokens per word.
	return int(float64(len(strings.Fields(content))) * 1.3)
}
