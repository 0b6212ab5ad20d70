package usecase

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/rules"
)

func mustTable(t *testing.T, rs ...domain.Rule) *rules.Table {
	t.Helper()
	table, err := rules.NewTable(rs...)
	require.NoError(t, err)
	return table
}

func TestEngine_MatchSeedRules(t *testing.T) {
	engine := NewEngine(rules.NewDefaultTable())

	tests := []struct {
		name     string
		line     string
		wantKind domain.ToolKind
		wantArg  string
	}{
		{
			name:     "missing msvcp140",
			line:     "0024:err:module:import_dll Library MSVCP140.dll (which is needed by L\"C:\\\\game.exe\") not found",
			wantKind: domain.KindPackageFix,
			wantArg:  "vcrun2019",
		},
		{
			name:     "missing d3dx9",
			line:     "0030:err:module:import_dll Library d3dx9_43.dll not found",
			wantKind: domain.KindPackageFix,
			wantArg:  "d3dx9_43",
		},
		{
			name:     "dotnet",
			line:     "0009:err:mscoree:LoadLibraryShim error reading registry key for installroot",
			wantKind: domain.KindPackageFix,
			wantArg:  "dotnet40",
		},
		{
			name:     "feature level registry fix",
			line:     "0114:fixme:d3d:wined3d_select_feature_level None of the requested D3D feature levels is supported",
			wantKind: domain.KindRegistryFix,
			wantArg:  "[HKEY_CURRENT_USER\\Software\\Wine\\Direct3D]\n\"MaxVersionGL\"=dword:00030002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Match(tt.line, "/home/u/.wine")
			require.NotNil(t, d)
			assert.Equal(t, tt.wantKind, d.Kind())
			assert.Equal(t, tt.wantArg, d.Argument())
			assert.Equal(t, "/home/u/.wine", d.TargetPrefix)
			assert.Equal(t, SourceRuleBased, d.Source)
			assert.Equal(t, rules.DefaultConfidence, d.Confidence)
		})
	}
}

func TestEngine_NoMatch(t *testing.T) {
	engine := NewEngine(rules.NewDefaultTable())

	assert.Nil(t, engine.Match("0024:err:sync:RtlpWaitForCriticalSection section 0x1 wait timed out", "/p"))
	assert.Nil(t, engine.Match("", "/p"))
}

func TestEngine_Description(t *testing.T) {
	engine := NewEngine(rules.NewDefaultTable())

	d := engine.Match("err:module:import_dll Library msvcp140.dll not found", "/p")
	require.NotNil(t, d)
	assert.Equal(t, "Detected issue with 'msvcp140.dll'. The recommended fix is to install 'vcrun2019' using 'winetricks'.", d.Description)

	d = engine.Match("fixme:d3d:wined3d_select_feature_level", "/p")
	require.NotNil(t, d)
	assert.NotContains(t, d.Description, "\n", "multi-line arguments are truncated to their first line")
}

func TestEngine_FirstMatchWins(t *testing.T) {
	engine := NewEngine(mustTable(t,
		domain.Rule{Signature: "d3d", Kind: domain.KindPackageFix, Argument: "first"},
		domain.Rule{Signature: "d3d11.dll", Kind: domain.KindPackageFix, Argument: "second"},
	))

	d := engine.Match("Library D3D11.DLL not found", "/p")
	require.NotNil(t, d)
	assert.Equal(t, "first", d.Argument())
}

func TestEngine_ConfidencePassesThrough(t *testing.T) {
	engine := NewEngine(mustTable(t,
		domain.Rule{Signature: "x.dll", Kind: domain.KindPackageFix, Argument: "x", Confidence: 0.42},
	))

	d := engine.Match("err: x.dll", "/p")
	require.NotNil(t, d)
	assert.Equal(t, 0.42, d.Confidence)
	assert.Equal(t, domain.FixIdentity{Kind: domain.KindPackageFix, Argument: "x"}, d.Identity())
}

// Any line containing several signatures yields the earliest rule.
func TestEngine_FirstMatchProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	sigGen := gen.RegexMatch(`[a-z]{3,8}`)

	properties.Property("earliest matching rule wins", prop.ForAll(
		func(sigs []string, picks []int, upper bool) bool {
			// Deduplicate signatures while keeping order
			seen := map[string]bool{}
			var rs []domain.Rule
			for i, s := range sigs {
				if seen[s] {
					continue
				}
				seen[s] = true
				rs = append(rs, domain.Rule{Signature: s, Kind: domain.KindPackageFix, Argument: s + "-fix", Confidence: float64(i%10+1) / 10})
			}
			if len(rs) == 0 {
				return true
			}
			table, err := rules.NewTable(rs...)
			if err != nil {
				return false
			}
			engine := NewEngine(table)

			var parts []string
			for _, p := range picks {
				parts = append(parts, rs[p%len(rs)].Signature)
			}
			line := "err: " + strings.Join(parts, " ")
			if upper {
				line = strings.ToUpper(line)
			}

			var want *domain.Rule
			for i := range rs {
				if strings.Contains(strings.ToLower(line), strings.ToLower(rs[i].Signature)) {
					want = &rs[i]
					break
				}
			}

			got := engine.Match(line, "/p")
			if want == nil {
				return got == nil
			}
			return got != nil &&
				got.MatchedSignature == want.Signature &&
				got.Confidence == want.Confidence
		},
		gen.SliceOfN(6, sigGen),
		gen.SliceOfN(3, gen.IntRange(0, 100)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
