// Package daemon implements the supervisor loop and daemon process lifecycle.
package daemon

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/metrics"
)

// DefaultScanInterval is how often discovery runs.
const DefaultScanInterval = 5 * time.Second

// ProcessAnalyzer runs one worker's pipeline to completion.
type ProcessAnalyzer interface {
	Analyze(ctx context.Context, rec domain.ProcessRecord) domain.AnalysisResult
}

// ObserverFunc adapts a function to domain.SnapshotObserver.
type ObserverFunc func(ctx context.Context, s domain.Snapshot) error

// Publish calls f.
func (f ObserverFunc) Publish(ctx context.Context, s domain.Snapshot) error {
	return f(ctx, s)
}

// SupervisorConfig holds supervisor loop configuration.
type SupervisorConfig struct {
	ScanInterval time.Duration
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{ScanInterval: DefaultScanInterval}
}

// workerHandle is the supervisor's view of a running worker.
type workerHandle struct {
	record    domain.ProcessRecord
	startedAt time.Time
}

// Supervisor discovers Wine processes on a schedule, starts one analysis
// worker per newly seen pid and publishes the tracked set after every cycle.
type Supervisor struct {
	config         SupervisorConfig
	discoverer     domain.ProcessDiscoverer
	analyzer       ProcessAnalyzer
	processManager domain.ProcessManager
	observers      []domain.SnapshotObserver
	metrics        *metrics.Metrics
	logger         *zap.Logger

	mu      sync.Mutex
	tracked map[int]domain.ProcessRecord
	workers map[int]*workerHandle
	group   errgroup.Group
	now     func() time.Time
}

// NewSupervisor creates a supervisor. m may be nil.
func NewSupervisor(
	config SupervisorConfig,
	discoverer domain.ProcessDiscoverer,
	analyzer ProcessAnalyzer,
	pm domain.ProcessManager,
	m *metrics.Metrics,
	logger *zap.Logger,
	observers ...domain.SnapshotObserver,
) *Supervisor {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultScanInterval
	}
	return &Supervisor{
		config:         config,
		discoverer:     discoverer,
		analyzer:       analyzer,
		processManager: pm,
		observers:      observers,
		metrics:        m,
		logger:         logger,
		tracked:        make(map[int]domain.ProcessRecord),
		workers:        make(map[int]*workerHandle),
		now:            time.Now,
	}
}

// Run starts the supervisor loop.
// This blocks until ctx is canceled and every worker has returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		zap.Int("pid", s.processManager.GetCurrentPID()),
		zap.Duration("scan_interval", s.config.ScanInterval))

	// First cycle runs immediately
	s.Cycle(ctx)

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping", zap.Int("active_workers", len(s.ActiveWorkers())))
			s.Wait()
			return ctx.Err()

		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one discover, dispatch and publish pass and returns the
// published snapshot.
func (s *Supervisor) Cycle(ctx context.Context) domain.Snapshot {
	records, err := s.discoverer.Discover(ctx)
	s.metrics.ScanCompleted(err)
	if err != nil {
		// Keep the previous tracked set
		s.logger.Warn("process discovery failed", zap.Error(err))
	} else {
		s.reconcile(ctx, records)
	}

	snap := s.Snapshot()
	s.metrics.SetTracked(len(snap.Processes))
	s.metrics.SetActiveWorkers(len(s.ActiveWorkers()))

	for _, o := range s.observers {
		if err := o.Publish(ctx, snap); err != nil {
			s.logger.Warn("failed to publish snapshot", zap.Error(err))
		}
	}
	return snap
}

// reconcile starts workers for new pids and forgets pids that are gone.
func (s *Supervisor) reconcile(ctx context.Context, records []domain.ProcessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]struct{}, len(records))
	for _, rec := range records {
		seen[rec.PID] = struct{}{}
		if _, ok := s.tracked[rec.PID]; ok {
			continue
		}
		if handle, live := s.workers[rec.PID]; live {
			if handle.record.SameProcess(rec) {
				// Missed by an earlier scan; its worker never stopped
				s.logger.Debug("process seen again", zap.Int("pid", rec.PID))
				s.tracked[rec.PID] = rec
				continue
			}
			// Pid reused before the previous worker finished
			s.logger.Debug("previous worker still draining", zap.Int("pid", rec.PID))
			continue
		}

		s.tracked[rec.PID] = rec
		s.spawnLocked(ctx, rec)
	}

	for pid, rec := range s.tracked {
		if _, ok := seen[pid]; !ok {
			s.logger.Info("process exited", zap.Int("pid", pid), zap.String("process", rec.DisplayName()))
			delete(s.tracked, pid)
		}
	}
}

// spawnLocked starts a worker for rec. Caller holds s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, rec domain.ProcessRecord) {
	handle := &workerHandle{record: rec, startedAt: s.now()}
	s.workers[rec.PID] = handle

	s.logger.Info("new wine process detected",
		zap.Int("pid", rec.PID),
		zap.String("process", rec.DisplayName()),
		zap.String("prefix", rec.WinePrefix))

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			if s.workers[rec.PID] == handle {
				delete(s.workers, rec.PID)
			}
			s.mu.Unlock()
		}()

		result := s.analyzer.Analyze(ctx, rec)
		s.logger.Debug("analysis worker finished",
			zap.Int("pid", rec.PID),
			zap.Duration("ran", s.now().Sub(handle.startedAt)),
			zap.Int("applied", len(result.AppliedFixes)),
			zap.NamedError("cause", result.Err))
		// Worker failures are scoped to their process
		return nil
	})
}

// Snapshot returns the current tracked set ordered by pid.
func (s *Supervisor) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	procs := make([]domain.MonitoredProcess, 0, len(s.tracked))
	for _, rec := range s.tracked {
		procs = append(procs, domain.MonitoredProcess{PID: rec.PID, Cmdline: rec.CommandLine()})
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	return domain.Snapshot{
		ServicePID: s.processManager.GetCurrentPID(),
		UpdatedAt:  s.now(),
		Processes:  procs,
	}
}

// ActiveWorkers returns the pids whose workers are still running.
func (s *Supervisor) ActiveWorkers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pids := make([]int, 0, len(s.workers))
	for pid := range s.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Wait blocks until every worker has returned.
func (s *Supervisor) Wait() {
	_ = s.group.Wait()
}
