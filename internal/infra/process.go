// Package infra implements infrastructure concerns (process, log stream, tools, storage).
package infra

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/winmend/internal/domain"
)

const (
	// TerminateGrace is how long Terminate waits after SIGTERM before SIGKILL.
	TerminateGrace = 3 * time.Second

	winePrefixKey = "WINEPREFIX"
)

// ProcessManagerImpl implements domain.ProcessManager and domain.ProcessDiscoverer using gopsutil.
type ProcessManagerImpl struct {
	marker        string
	defaultPrefix string
	exclude       map[string]struct{}
	procRoot      string
}

// NewProcessManager creates a process manager that discovers processes whose
// name contains marker (case-insensitive). Processes without WINEPREFIX get defaultPrefix.
// Processes named exactly like one of exclude are never reported; this keeps
// the remediation tools themselves (winetricks matches "wine") out of discovery.
func NewProcessManager(marker, defaultPrefix string, exclude ...string) *ProcessManagerImpl {
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		if name = strings.ToLower(filepath.Base(name)); name != "" && name != "." {
			skip[name] = struct{}{}
		}
	}
	return &ProcessManagerImpl{
		marker:        strings.ToLower(marker),
		defaultPrefix: defaultPrefix,
		exclude:       skip,
		procRoot:      "/proc",
	}
}

// Discover returns a snapshot of live processes whose name matches the marker.
// Processes that exit or deny access while being inspected are skipped.
func (pm *ProcessManagerImpl) Discover(ctx context.Context) ([]domain.ProcessRecord, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	var found []domain.ProcessRecord

	for _, p := range procs {
		if p.Pid == self {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited
		}
		lowered := strings.ToLower(name)
		if !strings.Contains(lowered, pm.marker) {
			continue
		}
		if _, skip := pm.exclude[lowered]; skip {
			continue
		}

		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}

		// Zero when unreadable; pid reuse then goes undetected
		created, _ := p.CreateTimeWithContext(ctx)

		environ := pm.environ(ctx, p)
		found = append(found, domain.ProcessRecord{
			PID:        int(p.Pid),
			Name:       name,
			Cmdline:    cmdline,
			Environ:    environ,
			WinePrefix: pm.prefixFor(environ),
			CreateTime: created,
		})
	}

	return found, nil
}

// environ resolves a process's environment, falling back to its environ block
// under /proc, then to an empty map.
func (pm *ProcessManagerImpl) environ(ctx context.Context, p *process.Process) map[string]string {
	if vars, err := p.EnvironWithContext(ctx); err == nil && len(vars) > 0 {
		return parseEnvironList(vars)
	}

	data, err := os.ReadFile(filepath.Join(pm.procRoot, strconv.Itoa(int(p.Pid)), "environ"))
	if err != nil {
		return map[string]string{}
	}
	return ParseEnvironBlock(data)
}

func (pm *ProcessManagerImpl) prefixFor(environ map[string]string) string {
	if prefix := environ[winePrefixKey]; prefix != "" {
		return prefix
	}
	return pm.defaultPrefix
}

// ParseEnvironBlock parses a NUL-separated KEY=VALUE block (as in /proc/<pid>/environ).
// Entries without '=' are ignored.
func ParseEnvironBlock(data []byte) map[string]string {
	env := make(map[string]string)
	for _, entry := range bytes.Split(data, []byte{0}) {
		key, value, ok := strings.Cut(string(entry), "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

func parseEnvironList(vars []string) map[string]string {
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// IsRunning checks if a PID exists and is not a zombie.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		// Exists but unreadable (other user); count it as alive
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Terminate sends SIGTERM, waits up to TerminateGrace, then SIGKILL.
func (pm *ProcessManagerImpl) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	if err := p.Terminate(); err != nil {
		return err
	}

	deadline := time.Now().Add(TerminateGrace)
	for time.Now().Before(deadline) {
		if !pm.IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return p.Kill()
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements the domain interfaces.
var (
	_ domain.ProcessManager    = (*ProcessManagerImpl)(nil)
	_ domain.ProcessDiscoverer = (*ProcessManagerImpl)(nil)
)
