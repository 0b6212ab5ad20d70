package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/winmend/internal/domain"
)

// StatusFileName is the default status file basename inside the temp dir.
const StatusFileName = "winmend_status.json"

// StatusFile implements domain.StatusStore using a JSON file that is
// atomically replaced after every scan cycle.
type StatusFile struct {
	path string
	now  func() time.Time
}

// NewStatusFile creates a status file store in os.TempDir().
func NewStatusFile() *StatusFile {
	return NewStatusFileWithPath(filepath.Join(os.TempDir(), StatusFileName))
}

// NewStatusFileWithPath creates a status file store at a specific path.
func NewStatusFileWithPath(path string) *StatusFile {
	return &StatusFile{path: path, now: time.Now}
}

// Path returns the status file path.
func (s *StatusFile) Path() string {
	return s.path
}

// Publish writes the snapshot, stamping UpdatedAt when it is unset.
func (s *StatusFile) Publish(_ context.Context, snap domain.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now()
	}
	if snap.Processes == nil {
		snap.Processes = []domain.MonitoredProcess{}
	}

	// Serialize writers from a stale daemon and a new one
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return s.atomicWrite(&snap)
}

// Read returns the last published snapshot. A missing or unreadable file
// yields an empty snapshot.
func (s *StatusFile) Read() (*domain.Snapshot, error) {
	empty := &domain.Snapshot{Processes: []domain.MonitoredProcess{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read status file: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return empty, fmt.Errorf("failed to parse status file: %w", err)
	}
	if snap.Processes == nil {
		snap.Processes = []domain.MonitoredProcess{}
	}
	return &snap, nil
}

// Clear removes the status file and its lock. A missing file is not an error.
func (s *StatusFile) Clear() error {
	_ = os.Remove(s.path + ".lock")
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// atomicWrite writes the snapshot to a temp file then renames it over the target.
func (s *StatusFile) atomicWrite(snap *domain.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	// Unique per process so a stale daemon cannot clobber our temp file
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure StatusFile implements domain.StatusStore.
var _ domain.StatusStore = (*StatusFile)(nil)
