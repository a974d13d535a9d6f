// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classifier implements the rule-based complexity classifier.
// It scores an incoming request across independent dimensions loaded from
// configuration and maps the aggregate score onto a discrete complexity tier.
package classifier

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Tier is a discrete complexity bucket assigned to a request.
type Tier int

const (
	// TierSimple covers greetings and trivial factual questions.
	TierSimple Tier = iota
	// TierMedium covers summarisation, light code, and moderate Q&A.
	TierMedium
	// TierComplex covers deep analysis, complex code, and multi-step tasks.
	TierComplex
	// TierReasoning covers specialised reasoning such as proofs and planning.
	TierReasoning
)

var tierNames = [...]string{"SIMPLE", "MEDIUM", "COMPLEX", "REASONING"}

// Tiers lists all tiers in ascending complexity order.
func Tiers() []Tier {
	return []Tier{TierSimple, TierMedium, TierComplex, TierReasoning}
}

func (t Tier) String() string {
	if t >= 0 && int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "UNKNOWN"
}

// ParseTier converts a tier name (as used in configuration) to a Tier.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if s == name {
			return Tier(i), nil
		}
	}
	return TierSimple, fmt.Errorf("classifier: unknown tier %q", s)
}

// MarshalJSON implements json.Marshaler.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var i int
		if err2 := json.Unmarshal(data, &i); err2 != nil {
			return err
		}
		*t = Tier(i)
		return nil
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
