package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/winmend/internal/domain"
)

func TestNewDefaultTable_SeedOrder(t *testing.T) {
	table := NewDefaultTable()
	rules := table.Rules()

	require.Len(t, rules, 9)
	assert.Equal(t, "d3dx9_43.dll", rules[0].Signature)
	assert.Equal(t, "msvcp140.dll", rules[2].Signature)
	assert.Equal(t, "vcrun2019", rules[2].Argument)
	assert.Equal(t, domain.KindRegistryFix, rules[8].Kind)
	for _, r := range rules {
		assert.Equal(t, DefaultConfidence, r.Confidence, r.Signature)
	}
}

func TestTable_RulesReturnsCopy(t *testing.T) {
	table := NewDefaultTable()

	rules := table.Rules()
	rules[0].Signature = "mutated"

	assert.Equal(t, "d3dx9_43.dll", table.Rules()[0].Signature)
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name    string
		rules   []domain.Rule
		wantErr error
	}{
		{
			name:    "empty signature",
			rules:   []domain.Rule{{Signature: "  ", Kind: domain.KindPackageFix, Argument: "x"}},
			wantErr: domain.ErrInvalidRule,
		},
		{
			name:    "missing tool",
			rules:   []domain.Rule{{Signature: "a.dll", Argument: "x"}},
			wantErr: domain.ErrInvalidRule,
		},
		{
			name:    "confidence above one",
			rules:   []domain.Rule{{Signature: "a.dll", Kind: domain.KindPackageFix, Confidence: 1.2}},
			wantErr: domain.ErrInvalidRule,
		},
		{
			name: "duplicate signature",
			rules: []domain.Rule{
				{Signature: "a.dll", Kind: domain.KindPackageFix, Argument: "x"},
				{Signature: "a.dll", Kind: domain.KindPackageFix, Argument: "y"},
			},
			wantErr: domain.ErrDuplicateSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.rules...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewTable_DefaultConfidence(t *testing.T) {
	table, err := NewTable(domain.Rule{Signature: "a.dll", Kind: domain.KindPackageFix, Argument: "x"})

	require.NoError(t, err)
	assert.Equal(t, DefaultConfidence, table.Rules()[0].Confidence)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - signature: xinput1_3.dll
    tool: winetricks
    argument: xinput
    confidence: 0.8
  - signature: "fixme:d3d:csmt"
    tool: regedit
    argument: |-
      [HKEY_CURRENT_USER\Software\Wine\Direct3D]
      "csmt"="enabled"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rules, err := LoadYAML(path)

	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "xinput1_3.dll", rules[0].Signature)
	assert.Equal(t, domain.KindPackageFix, rules[0].Kind)
	assert.Equal(t, 0.8, rules[0].Confidence)
	assert.Equal(t, domain.KindRegistryFix, rules[1].Kind)
	assert.Equal(t, "[HKEY_CURRENT_USER\\Software\\Wine\\Direct3D]\n\"csmt\"=\"enabled\"", rules[1].Argument)
	assert.Equal(t, DefaultConfidence, rules[1].Confidence)
}

func TestParseYAML_Invalid(t *testing.T) {
	_, err := ParseYAML([]byte("rules: [{signature: ''}]"))
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	_, err = ParseYAML([]byte("rules: {"))
	assert.Error(t, err)
}
