package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/eliteGoblin/winmend/internal/domain"
)

// ErrAlreadyRunning is returned by StartDaemon when a live service is recorded.
var ErrAlreadyRunning = errors.New("service already running")

// ErrNotRunning is returned by StopDaemon when no live service is recorded.
var ErrNotRunning = errors.New("service is not running")

// RunningPID returns the recorded service pid and whether it is alive.
// The pid file is written at spawn time; the status file's service_pid
// covers services started without one.
func RunningPID(pids domain.PIDStore, store domain.StatusStore, pm domain.ProcessManager) (int, bool) {
	if pid, err := pids.Read(); err == nil && pid > 0 {
		return pid, pm.IsRunning(pid)
	}
	snap, err := store.Read()
	if err != nil || snap.ServicePID <= 0 {
		return 0, false
	}
	return snap.ServicePID, pm.IsRunning(snap.ServicePID)
}

// StartDaemon spawns the hidden daemon command of our own executable,
// detached from the terminal. Returns the child pid.
func StartDaemon(pids domain.PIDStore, store domain.StatusStore, pm domain.ProcessManager, configPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}
	return StartDaemonWithPath(executable, pids, store, pm, configPath)
}

// StartDaemonWithPath spawns binaryPath as the daemon and records its pid
// before returning.
func StartDaemonWithPath(binaryPath string, pids domain.PIDStore, store domain.StatusStore, pm domain.ProcessManager, configPath string) (int, error) {
	unlock, err := pids.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if pid, alive := RunningPID(pids, store, pm); alive {
		return pid, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(binaryPath, args...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // New session, no controlling terminal
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	if err := pids.Write(pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Process.Release()
		return 0, fmt.Errorf("failed to record service pid: %w", err)
	}
	// The daemon outlives us; do not keep a handle
	_ = cmd.Process.Release()
	return pid, nil
}

// StopDaemon terminates the recorded service and removes the pid and
// status files. Stale files are removed as well.
func StopDaemon(pids domain.PIDStore, store domain.StatusStore, pm domain.ProcessManager) (int, error) {
	unlock, err := pids.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	pid, alive := RunningPID(pids, store, pm)
	if !alive {
		_ = pids.Remove()
		_ = store.Clear()
		return 0, ErrNotRunning
	}
	if err := pm.Terminate(pid); err != nil {
		return pid, fmt.Errorf("failed to stop service (pid %d): %w", pid, err)
	}
	if err := pids.Remove(); err != nil {
		return pid, fmt.Errorf("failed to remove pid file: %w", err)
	}
	if err := store.Clear(); err != nil {
		return pid, fmt.Errorf("failed to remove status file: %w", err)
	}
	return pid, nil
}

// ClaimPID records self as the running service unless another live
// service is recorded. Used by services started in the foreground.
func ClaimPID(pids domain.PIDStore, store domain.StatusStore, pm domain.ProcessManager) error {
	unlock, err := pids.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	self := pm.GetCurrentPID()
	if pid, alive := RunningPID(pids, store, pm); alive && pid != self {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return pids.Write(self)
}

// ReleasePID removes the pid file if it still records self. It takes no
// lock: StopDaemon holds it while waiting for this process to exit.
func ReleasePID(pids domain.PIDStore, pm domain.ProcessManager) error {
	pid, err := pids.Read()
	if err != nil || pid != pm.GetCurrentPID() {
		return err
	}
	return pids.Remove()
}
