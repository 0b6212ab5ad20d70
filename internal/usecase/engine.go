// Package usecase contains application business logic.
package usecase

import (
	"fmt"
	"strings"

	"github.com/eliteGoblin/winmend/internal/domain"
)

// SourceRuleBased marks descriptors produced by signature matching.
const SourceRuleBased = "rule-based"

// compiledRule caches the lowercased signature of a rule.
type compiledRule struct {
	rule  domain.Rule
	lower string
}

// Engine implements domain.RuleMatcher with first-match-wins semantics.
type Engine struct {
	rules []compiledRule
}

// NewEngine snapshots the store's rules. The store is not consulted again.
func NewEngine(store domain.RuleStore) *Engine {
	rs := store.Rules()
	compiled := make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		compiled = append(compiled, compiledRule{rule: r, lower: strings.ToLower(r.Signature)})
	}
	return &Engine{rules: compiled}
}

// Match returns a descriptor for the first rule whose signature is a
// case-insensitive substring of line, or nil.
func (e *Engine) Match(line, prefix string) *domain.RemediationDescriptor {
	lowered := strings.ToLower(line)
	for _, c := range e.rules {
		if c.lower == "" || !strings.Contains(lowered, c.lower) {
			continue
		}
		r := c.rule
		return &domain.RemediationDescriptor{
			MatchedSignature: r.Signature,
			Source:           SourceRuleBased,
			Description: fmt.Sprintf("Detected issue with '%s'. The recommended fix is to install '%s' using '%s'.",
				r.Signature, firstLine(r.Argument), r.Kind),
			Confidence:   r.Confidence,
			TargetPrefix: prefix,
			Actions:      []domain.Action{{Kind: r.Kind, Argument: r.Argument}},
		}
	}
	return nil
}

// Len returns the number of rules considered.
func (e *Engine) Len() int {
	return len(e.rules)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// Ensure Engine implements domain.RuleMatcher.
var _ domain.RuleMatcher = (*Engine)(nil)
