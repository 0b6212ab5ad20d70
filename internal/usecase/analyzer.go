package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/metrics"
)

// DefaultErrorMarker selects the stderr lines worth matching.
const DefaultErrorMarker = "err:"

// AnalyzerConfig tunes the per-process pipeline.
type AnalyzerConfig struct {
	// Threshold is the minimum confidence that triggers automatic execution.
	Threshold float64
	// ErrorMarker is matched case-insensitively against each line.
	ErrorMarker string
	// Sink receives human-readable progress. Optional.
	Sink domain.OutputSink
}

// Analyzer runs the tail -> match -> gate -> execute pipeline for one process.
type Analyzer struct {
	tailer     domain.LogTailer
	matcher    domain.RuleMatcher
	remediator domain.Remediator
	cfg        AnalyzerConfig
	marker     string
	metrics    *metrics.Metrics
	logger     *zap.Logger
	newRunID   func() string
}

// NewAnalyzer creates an analyzer. m may be nil.
func NewAnalyzer(
	tailer domain.LogTailer,
	matcher domain.RuleMatcher,
	remediator domain.Remediator,
	cfg AnalyzerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Analyzer {
	if cfg.ErrorMarker == "" {
		cfg.ErrorMarker = DefaultErrorMarker
	}
	return &Analyzer{
		tailer:     tailer,
		matcher:    matcher,
		remediator: remediator,
		cfg:        cfg,
		marker:     strings.ToLower(cfg.ErrorMarker),
		metrics:    m,
		logger:     logger,
		newRunID:   uuid.NewString,
	}
}

// Analyze watches rec until its log stream closes or ctx is done.
// Per-process failures end in the result and are never returned upward.
func (a *Analyzer) Analyze(ctx context.Context, rec domain.ProcessRecord) domain.AnalysisResult {
	result := domain.AnalysisResult{PID: rec.PID, StartedAt: time.Now()}
	log := a.logger.With(zap.Int("pid", rec.PID), zap.String("process", rec.DisplayName()))

	a.emit(fmt.Sprintf("Starting analysis for running process: PID %d (%s)", rec.PID, rec.CommandLine()))
	a.emit(fmt.Sprintf("Using WINEPREFIX: %s", rec.WinePrefix))

	lines, err := a.tailer.Tail(ctx, rec.PID)
	if err != nil {
		result.Err = err
		switch {
		case errors.Is(err, domain.ErrPermissionDenied):
			a.emit(fmt.Sprintf("Warning: No permission to read logs from PID %d. This can happen with sandboxed apps (Flatpak, Snap) or processes run by another user.", rec.PID))
			log.Warn("cannot read log stream", zap.Error(err))
		case errors.Is(err, domain.ErrStreamUnavailable):
			a.emit(fmt.Sprintf("Process %d terminated before logs could be attached.", rec.PID))
			log.Info("log stream unavailable", zap.Error(err))
		default:
			a.emit(fmt.Sprintf("An unexpected error occurred during analysis of PID %d: %v", rec.PID, err))
			log.Warn("failed to attach to log stream", zap.Error(err))
		}
		return result
	}

	a.emit(fmt.Sprintf("Successfully attached to log stream for PID %d.", rec.PID))
	log.Info("attached to log stream", zap.String("prefix", rec.WinePrefix))

	applied := make(map[domain.FixIdentity]struct{})
	for line := range lines {
		result.LinesSeen++
		if !strings.Contains(strings.ToLower(line), a.marker) {
			continue
		}
		a.metrics.ErrorLine()
		a.emit(fmt.Sprintf("Log Error (PID %d): %s", rec.PID, strings.TrimSpace(line)))

		d := a.matcher.Match(line, rec.WinePrefix)
		if d == nil {
			continue
		}
		id := d.Identity()
		if _, done := applied[id]; done {
			log.Debug("fix already attempted", zap.String("tool", string(id.Kind)), zap.String("argument", firstLine(id.Argument)))
			continue
		}

		result.Suggestions++
		a.metrics.Suggested(string(id.Kind))
		a.emit("AI Suggestion Found!")
		a.emit(d.Description)
		log.Info("remediation suggested",
			zap.String("signature", d.MatchedSignature),
			zap.String("tool", string(id.Kind)),
			zap.Float64("confidence", d.Confidence))

		if d.Confidence < a.cfg.Threshold {
			a.emit(fmt.Sprintf("Confidence (%.0f%%) is below threshold. Manual confirmation would be required.", d.Confidence*100))
			continue
		}

		a.emit(fmt.Sprintf("Confidence (%.0f%%) meets threshold (>%.0f%%). Executing automatically...", d.Confidence*100, a.cfg.Threshold*100))
		// Attempted means done, whatever the outcome
		applied[id] = struct{}{}

		if err := a.remediate(ctx, log, d); err != nil {
			result.FailedFixes = append(result.FailedFixes, id)
		} else {
			result.AppliedFixes = append(result.AppliedFixes, id)
		}
	}

	a.emit(fmt.Sprintf("Process %d has terminated. Ending analysis.", rec.PID))
	log.Info("analysis finished",
		zap.Int("lines", result.LinesSeen),
		zap.Int("suggestions", result.Suggestions),
		zap.Int("applied", len(result.AppliedFixes)),
		zap.Int("failed", len(result.FailedFixes)))
	return result
}

// remediate executes d and logs every progress line under one run id.
func (a *Analyzer) remediate(ctx context.Context, log *zap.Logger, d *domain.RemediationDescriptor) error {
	runLog := log.With(zap.String("run_id", a.newRunID()), zap.String("tool", string(d.Kind())))
	sink := func(line string) {
		runLog.Info("remediation output", zap.String("line", line))
		a.emit(line)
	}

	start := time.Now()
	err := a.remediator.Execute(ctx, d, sink)
	a.metrics.Remediated(string(d.Kind()), time.Since(start), err)

	if err != nil {
		runLog.Warn("remediation failed", zap.Error(err))
		return err
	}
	runLog.Info("remediation applied", zap.Duration("took", time.Since(start)))
	return nil
}

func (a *Analyzer) emit(line string) {
	if a.cfg.Sink != nil {
		a.cfg.Sink(line)
	}
}
