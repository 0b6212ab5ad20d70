package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/winmend/internal/domain"
)

const (
	// DefaultTailBackoff is how long the reader idles when no data is available.
	DefaultTailBackoff = 500 * time.Millisecond

	lineBuffer   = 256
	readChunk    = 64 * 1024
	maxLineBytes = 64 * 1024
)

// readState is the tail reader's state machine.
type readState int

const (
	stateWaitingForData readState = iota
	stateHaveLine
	stateIdle
)

// Tailer follows a process's stderr via /proc/<pid>/fd/2.
type Tailer struct {
	pm       domain.ProcessManager
	backoff  time.Duration
	procRoot string
	logger   *zap.Logger
}

// NewTailer creates a tailer that re-checks liveness through pm.
func NewTailer(pm domain.ProcessManager, backoff time.Duration, logger *zap.Logger) *Tailer {
	if backoff <= 0 {
		backoff = DefaultTailBackoff
	}
	return &Tailer{
		pm:       pm,
		backoff:  backoff,
		procRoot: "/proc",
		logger:   logger,
	}
}

// StderrPath returns the live stderr descriptor path of pid.
func (t *Tailer) StderrPath(pid int) string {
	return filepath.Join(t.procRoot, strconv.Itoa(pid), "fd", "2")
}

// Tail attaches to pid's stderr. The returned channel yields complete lines
// and is closed once the process no longer exists or ctx is done.
func (t *Tailer) Tail(ctx context.Context, pid int) (<-chan string, error) {
	return t.TailPath(ctx, t.StderrPath(pid), func() bool { return t.pm.IsRunning(pid) })
}

// TailPath follows the stream at path while alive reports true.
func (t *Tailer) TailPath(ctx context.Context, path string, alive func() bool) (<-chan string, error) {
	// Reading a terminal would consume the user's keystrokes, not the log
	if target, err := os.Readlink(path); err == nil && isTerminalPath(target) {
		return nil, fmt.Errorf("%w: stderr is terminal %s", domain.ErrStreamUnavailable, target)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrStreamUnavailable, path, err)
	}

	out := make(chan string, lineBuffer)
	r := &streamReader{
		fd:      fd,
		path:    path,
		alive:   alive,
		backoff: t.backoff,
		logger:  t.logger,
	}
	go r.run(ctx, out)
	return out, nil
}

func isTerminalPath(target string) bool {
	return strings.HasPrefix(target, "/dev/pts/") || strings.HasPrefix(target, "/dev/tty") || target == "/dev/console"
}

// classifyOpenError maps open(2) failures to the tailer error taxonomy.
func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, path)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ESRCH), errors.Is(err, unix.ENOTDIR), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: %s", domain.ErrStreamUnavailable, path)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrStreamUnavailable, path, err)
	}
}

// streamReader owns the descriptor and the partial-line buffer.
type streamReader struct {
	fd      int
	path    string
	alive   func() bool
	backoff time.Duration
	logger  *zap.Logger
	pending []byte
}

func (r *streamReader) run(ctx context.Context, out chan<- string) {
	defer close(out)
	defer func() { _ = unix.Close(r.fd) }()

	buf := make([]byte, readChunk)

	state := stateWaitingForData
	for {
		switch state {
		case stateWaitingForData:
			if ctx.Err() != nil {
				return
			}
			if !r.alive() {
				r.drain(buf)
				r.flush(ctx, out)
				return
			}

			n, err := unix.Read(r.fd, buf)
			switch {
			case errors.Is(err, unix.EINTR):
				// retry immediately
			case errors.Is(err, unix.EAGAIN):
				state = stateIdle
			case err != nil:
				r.logger.Debug("log stream read failed",
					zap.String("path", r.path),
					zap.Error(err))
				r.flush(ctx, out)
				return
			case n == 0:
				// EOF on a regular file or a writer-less pipe: more may arrive
				state = stateIdle
			default:
				r.pending = append(r.pending, buf[:n]...)
				state = stateHaveLine
			}

		case stateHaveLine:
			if !r.emitLines(ctx, out) {
				return
			}
			state = stateWaitingForData

		case stateIdle:
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff):
			}
			state = stateWaitingForData
		}
	}
}

// emitLines sends every complete line in pending. Returns false if ctx ended.
func (r *streamReader) emitLines(ctx context.Context, out chan<- string) bool {
	for {
		i := bytes.IndexByte(r.pending, '\n')
		if i < 0 {
			break
		}
		if !send(ctx, out, cleanLine(r.pending[:i])) {
			return false
		}
		r.pending = r.pending[i+1:]
	}

	// An unterminated run this long is emitted as its own line
	if len(r.pending) >= maxLineBytes {
		if !send(ctx, out, cleanLine(r.pending)) {
			return false
		}
		r.pending = nil
	}

	if len(r.pending) == 0 {
		r.pending = nil
	} else {
		r.pending = append([]byte(nil), r.pending...)
	}
	return true
}

// drain reads whatever the process wrote before it exited.
func (r *streamReader) drain(buf []byte) {
	for len(r.pending) < maxLineBytes*4 {
		n, err := unix.Read(r.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
		r.pending = append(r.pending, buf[:n]...)
	}
}

// flush sends a trailing partial line once the stream ends.
func (r *streamReader) flush(ctx context.Context, out chan<- string) {
	if !r.emitLines(ctx, out) {
		return
	}
	if len(r.pending) > 0 {
		send(ctx, out, cleanLine(r.pending))
		r.pending = nil
	}
}

func send(ctx context.Context, out chan<- string, line string) bool {
	select {
	case out <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

func cleanLine(b []byte) string {
	return strings.ToValidUTF8(strings.TrimRight(string(b), "\r"), "�")
}

// Ensure Tailer implements domain.LogTailer.
var _ domain.LogTailer = (*Tailer)(nil)
