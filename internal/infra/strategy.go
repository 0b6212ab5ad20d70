package infra

import (
	"fmt"
	"os"

	"github.com/eliteGoblin/winmend/internal/domain"
)

const (
	// RegistryHeader is the first line of every generated .reg file.
	RegistryHeader = "REGEDIT4"

	regFilePattern = "winmend-*.reg"
)

// WinetricksTool runs PackageFix actions: <tool> -q <verb>.
type WinetricksTool struct {
	binary string
}

// NewWinetricksTool creates a PackageFix strategy using the given binary.
func NewWinetricksTool(binary string) *WinetricksTool {
	return &WinetricksTool{binary: binary}
}

func (w *WinetricksTool) Kind() domain.ToolKind {
	return domain.KindPackageFix
}

func (w *WinetricksTool) Binary() string {
	return w.binary
}

// Prepare returns the unattended install arguments for a winetricks verb.
func (w *WinetricksTool) Prepare(argument string) ([]string, func(), error) {
	return []string{"-q", argument}, func() {}, nil
}

// RegeditTool runs RegistryFix actions: the argument is written to a temporary
// .reg file which is imported silently with <tool> /S <file>.
type RegeditTool struct {
	binary string
	tmpDir string
}

// NewRegeditTool creates a RegistryFix strategy using the given binary.
// Temporary files go to os.TempDir().
func NewRegeditTool(binary string) *RegeditTool {
	return &RegeditTool{binary: binary}
}

// NewRegeditToolWithTempDir creates a RegistryFix strategy writing .reg files to dir (for testing).
func NewRegeditToolWithTempDir(binary, dir string) *RegeditTool {
	return &RegeditTool{binary: binary, tmpDir: dir}
}

func (r *RegeditTool) Kind() domain.ToolKind {
	return domain.KindRegistryFix
}

func (r *RegeditTool) Binary() string {
	return r.binary
}

// Prepare writes "REGEDIT4\n\n<argument>" to a uniquely named temp file.
// The returned cleanup removes it; it is safe to call more than once.
func (r *RegeditTool) Prepare(argument string) ([]string, func(), error) {
	f, err := os.CreateTemp(r.tmpDir, regFilePattern)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temporary registry file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.WriteString(RegistryHeader + "\n\n" + argument); err != nil {
		f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("failed to write temporary registry file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to write temporary registry file: %w", err)
	}

	return []string{"/S", path}, cleanup, nil
}

// ToolSet maps tool kinds to their strategies.
type ToolSet map[domain.ToolKind]domain.RemediationTool

// NewToolSet registers the given strategies by kind.
func NewToolSet(tools ...domain.RemediationTool) ToolSet {
	ts := make(ToolSet, len(tools))
	for _, t := range tools {
		ts[t.Kind()] = t
	}
	return ts
}

// NewDefaultToolSet returns winetricks and regedit strategies with the given binaries.
func NewDefaultToolSet(packageTool, registryTool string) ToolSet {
	return NewToolSet(NewWinetricksTool(packageTool), NewRegeditTool(registryTool))
}

// Ensure implementations satisfy interfaces
var (
	_ domain.RemediationTool = (*WinetricksTool)(nil)
	_ domain.RemediationTool = (*RegeditTool)(nil)
)
