// Package autoreply matches inbound messages against keyword rules and sends
// replies through a per-tenant serialized queue with human-like pacing.
package autoreply

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Rule is one keyword-triggered reply. A rule with an AudioFile sends the
// audio asset and falls back to Text when the audio send fails.
type Rule struct {
	Keywords  []string `json:"keywords"`
	Text      string   `json:"text"`
	AudioFile string   `json:"audioFile,omitempty"`
}

// RuleSet is an ordered collection of rules. The first matching rule wins.
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Match returns the first rule whose keyword equals the trimmed,
// case-folded message body. Matching is exact, not substring: "price"
// matches "Price" but not "what is the price".
func (rs *RuleSet) Match(body string) (Rule, string, bool) {
	if rs == nil {
		return Rule{}, "", false
	}
	needle := strings.ToLower(strings.TrimSpace(body))
	if needle == "" {
		return Rule{}, "", false
	}
	for _, r := range rs.rules {
		for _, kw := range r.Keywords {
			if strings.ToLower(strings.TrimSpace(kw)) == needle {
				return r, kw, true
			}
		}
	}
	return Rule{}, "", false
}

// Len reports the number of rules in the set.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// RuleSource yields the rule set for a tenant. Implementations may serve one
// shared set or per-tenant sets.
type RuleSource interface {
	Rules(tenantID uuid.UUID) *RuleSet
}

// StaticRules serves the same rule set to every tenant.
type StaticRules struct {
	set *RuleSet
}

func NewStaticRules(set *RuleSet) *StaticRules { return &StaticRules{set: set} }

func (s *StaticRules) Rules(uuid.UUID) *RuleSet { return s.set }

// LoadRulesFile reads a JSON array of rules from disk.
func LoadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return NewRuleSet(rules...), nil
}
