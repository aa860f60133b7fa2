// Package sweeper force-finalizes runs the execution engine stopped reporting
// on. It is the liveness backstop: whatever happens to notifications, every
// run eventually reaches a terminal state.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/engine/results"
	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

const (
	defaultMaxRuntime = 24 * time.Hour
	defaultBatchSize  = 500
)

// Failure signatures the upstream engine emits when the input data, not the
// infrastructure, is at fault. Overdue runs carrying one of these are
// classified as user errors rather than operational failures.
var knownUserErrorPatterns = []string{
	"InvalidInputFileError",
	"InsufficientReadsError",
	"BrokenReadPairError",
	"InvalidFileFormatError",
	"FAULTY_INPUT",
}

// RunStore is the slice of the run repository the sweeper needs.
type RunStore interface {
	ListOverdueRuns(ctx context.Context, filter repo.OverdueFilter) ([]domain.Run, error)
	ListStageResults(ctx context.Context, runID string) ([]domain.StageResult, error)
	FinalizeRun(ctx context.Context, kind domain.RunKind, id string, status domain.RunStatus, at time.Time) error
}

type Sweeper struct {
	logger *slog.Logger
	sink   metrics.Sink
	runs   RunStore
	loader *results.Loader

	maxRuntime        time.Duration
	batchSize         int
	userErrorPatterns []string
	now               func() time.Time
}

type Option func(*Sweeper)

// WithMaxRuntime overrides the age at which a non-finalized run is considered
// stuck.
func WithMaxRuntime(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.maxRuntime = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithUserErrorPatterns extends the failure signatures classified as user
// errors, for deployments whose engines emit their own.
func WithUserErrorPatterns(patterns []string) Option {
	return func(s *Sweeper) {
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				s.userErrorPatterns = append(s.userErrorPatterns, p)
			}
		}
	}
}

func NewSweeper(logger *slog.Logger, sink metrics.Sink, runs RunStore, loader *results.Loader, opts ...Option) (*Sweeper, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if loader == nil {
		return nil, errors.New("result loader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	s := &Sweeper{
		logger:            logger,
		sink:              sink,
		runs:              runs,
		loader:            loader,
		maxRuntime:        defaultMaxRuntime,
		batchSize:         defaultBatchSize,
		userErrorPatterns: knownUserErrorPatterns,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep finalizes every overdue run it can reach. Per-run failures are logged
// and carried in the returned error; they never stop the rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s == nil {
		return errors.New("sweeper not initialized")
	}
	cutoff := s.now().Add(-s.maxRuntime)
	var errs []error
	swept := 0

	for {
		overdue, err := s.runs.ListOverdueRuns(ctx, repo.OverdueFilter{
			ExecutedBefore: cutoff,
			Limit:          s.batchSize,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list overdue runs: %w", err))
			break
		}
		if len(overdue) == 0 {
			break
		}
		progressed := 0
		for _, run := range overdue {
			if err := s.sweepOne(ctx, run); err != nil {
				core := run.Core()
				s.logger.Error("sweep run", "run_id", core.ID, "kind", string(run.Kind()), "error", err)
				errs = append(errs, fmt.Errorf("run %s: %w", core.ID, err))
				continue
			}
			progressed++
		}
		swept += progressed
		// A pass that finalized nothing would list the same runs again;
		// leave them for the next scheduled sweep instead of spinning.
		if progressed == 0 || len(overdue) < s.batchSize {
			break
		}
	}

	if swept > 0 {
		s.sink.Count("timeout_sweeper", "force_finalized", int64(swept), nil)
		s.logger.Info("force-finalized overdue runs", "count", swept, "cutoff", cutoff)
	}
	return errors.Join(errs...)
}

func (s *Sweeper) sweepOne(ctx context.Context, run domain.Run) error {
	core := run.Core()

	stages, err := s.runs.ListStageResults(ctx, core.ID)
	if err != nil {
		return fmt.Errorf("list stage results: %w", err)
	}

	status := domain.RunStatusFailed
	classification := ""
	if allSucceeded(stages) {
		// The engine finished but the terminal notification never arrived.
		status = domain.RunStatusSucceeded
	} else {
		classification = s.classifyFailure(stages)
	}

	if loaded := s.loader.LoadAvailable(ctx, run); len(loaded) > 0 {
		s.logger.Info("loaded results for overdue run", "run_id", core.ID, "outputs", loaded)
	}

	err = s.runs.FinalizeRun(ctx, run.Kind(), core.ID, status, s.now())
	if errors.Is(err, repo.ErrStaleState) {
		// A late notification latched the run while we were sweeping.
		s.logger.Info("overdue run latched concurrently", "run_id", core.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize as %s: %w", status, err)
	}

	attrs := []any{"run_id", core.ID, "kind", string(run.Kind()), "status", string(status)}
	if classification != "" {
		attrs = append(attrs, "classification", classification)
		s.sink.Count("timeout_sweeper", "failed_runs", 1, map[string]string{"classification": classification})
	}
	s.logger.Warn("force-finalized overdue run", attrs...)
	return nil
}

// allSucceeded requires at least one recorded stage: a run with no stage
// bookkeeping at all cannot be assumed to have finished.
func allSucceeded(stages []domain.StageResult) bool {
	if len(stages) == 0 {
		return false
	}
	for _, st := range stages {
		if !st.Succeeded {
			return false
		}
	}
	return true
}

func (s *Sweeper) classifyFailure(stages []domain.StageResult) string {
	for _, st := range stages {
		for _, pattern := range s.userErrorPatterns {
			if strings.Contains(st.Diagnostics, pattern) {
				return "user"
			}
		}
	}
	return "infra"
}
