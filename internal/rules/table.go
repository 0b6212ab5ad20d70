// Package rules holds the rule knowledge base: the built-in seed table,
// an ordered in-memory store, and YAML import.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/winmend/internal/domain"
)

// DefaultConfidence applies to rules that do not set one.
const DefaultConfidence = 0.95

// Table is an ordered, read-only rule store.
// Insertion order is the tie-break order for matching.
type Table struct {
	rules []domain.Rule
}

// NewTable builds a table from rules, validating each and rejecting duplicate signatures.
// A zero confidence is replaced by DefaultConfidence.
func NewTable(rules ...domain.Rule) (*Table, error) {
	t := &Table{rules: make([]domain.Rule, 0, len(rules))}
	seen := make(map[string]struct{}, len(rules))

	for _, r := range rules {
		r, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.Signature]; dup {
			return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateSignature, r.Signature)
		}
		seen[r.Signature] = struct{}{}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// NewDefaultTable returns the built-in seed knowledge base.
func NewDefaultTable() *Table {
	t, err := NewTable(Seed()...)
	if err != nil {
		// Seed rules are static; a failure here is a programming error
		panic(err)
	}
	return t
}

// Rules returns a copy of all rules in insertion order.
func (t *Table) Rules() []domain.Rule {
	out := make([]domain.Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Normalize validates a rule and fills in the default confidence.
func Normalize(r domain.Rule) (domain.Rule, error) {
	if strings.TrimSpace(r.Signature) == "" {
		return r, fmt.Errorf("%w: empty signature", domain.ErrInvalidRule)
	}
	if r.Kind == "" {
		return r, fmt.Errorf("%w: %q has no tool", domain.ErrInvalidRule, r.Signature)
	}
	if r.Confidence == 0 {
		r.Confidence = DefaultConfidence
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return r, fmt.Errorf("%w: %q confidence %v outside (0,1]", domain.ErrInvalidRule, r.Signature, r.Confidence)
	}
	return r, nil
}

// Seed returns the initial knowledge base rules, in match order.
func Seed() []domain.Rule {
	return []domain.Rule{
		{Signature: "d3dx9_43.dll", Kind: domain.KindPackageFix, Argument: "d3dx9_43", Confidence: DefaultConfidence},
		{Signature: "d3dcompiler_43.dll", Kind: domain.KindPackageFix, Argument: "d3dcompiler_43", Confidence: DefaultConfidence},
		{Signature: "msvcp140.dll", Kind: domain.KindPackageFix, Argument: "vcrun2019", Confidence: DefaultConfidence},
		{Signature: "vcruntime140.dll", Kind: domain.KindPackageFix, Argument: "vcrun2019", Confidence: DefaultConfidence},
		{Signature: "d3d11.dll", Kind: domain.KindPackageFix, Argument: "dxvk", Confidence: DefaultConfidence},
		{Signature: "dxgi.dll", Kind: domain.KindPackageFix, Argument: "dxvk", Confidence: DefaultConfidence},
		{Signature: "err:mscoree:LoadLibraryShim error reading registry key for installroot", Kind: domain.KindPackageFix, Argument: "dotnet40", Confidence: DefaultConfidence},
		{Signature: "err:ole:CoGetClassObject class", Kind: domain.KindPackageFix, Argument: "corefonts", Confidence: DefaultConfidence},
		{
			Signature:  "fixme:d3d:wined3d_select_feature_level",
			Kind:       domain.KindRegistryFix,
			Argument:   "[HKEY_CURRENT_USER\\Software\\Wine\\Direct3D]\n\"MaxVersionGL\"=dword:00030002",
			Confidence: DefaultConfidence,
		},
	}
}

// ruleFile is the YAML import layout.
type ruleFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadYAML reads rules from a YAML file of the form:
//
//	rules:
//	  - signature: msvcp140.dll
//	    tool: winetricks
//	    argument: vcrun2019
//	    confidence: 0.95
func LoadYAML(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes and validates rules from YAML bytes.
func ParseYAML(data []byte) ([]domain.Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	out := make([]domain.Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		r, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Ensure Table implements domain.RuleStore.
var _ domain.RuleStore = (*Table)(nil)
