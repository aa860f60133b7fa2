package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/platform/lease"
	"github.com/robfig/cron/v3"
)

// Leaser is the slice of the lease manager the scheduler needs.
type Leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (lease.Lease, error)
	Release(ctx context.Context, l lease.Lease) error
}

// Scheduler runs periodic jobs on cron schedules. Each tick takes the
// per-job lease first so two scheduler processes never double-run a sweep;
// the lease TTL bounds how long a crashed holder blocks the next run.
type Scheduler struct {
	logger       *slog.Logger
	cron         *cron.Cron
	leases       Leaser
	instrumentor *Instrumentor
	ctx          context.Context
}

func NewScheduler(ctx context.Context, logger *slog.Logger, leases Leaser, instrumentor *Instrumentor) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Scheduler{
		logger:       logger,
		cron:         cron.New(),
		leases:       leases,
		instrumentor: instrumentor,
		ctx:          ctx,
	}
}

// Register wires a job onto its schedule. The instrumented, lease-guarded
// closure is what cron actually invokes.
func (s *Scheduler) Register(cfg Config, fn Fn) error {
	if s == nil || s.cron == nil {
		return errors.New("scheduler not initialized")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return fmt.Errorf("job %s: schedule is required", cfg.Name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: fn is required", cfg.Name)
	}

	wrapped := fn
	if s.instrumentor != nil {
		wrapped = s.instrumentor.Wrap(cfg, fn)
	}

	_, err := s.cron.AddFunc(cfg.Schedule, func() {
		s.runOnce(cfg, wrapped)
	})
	if err != nil {
		return fmt.Errorf("job %s: register schedule %q: %w", cfg.Name, cfg.Schedule, err)
	}
	return nil
}

func (s *Scheduler) runOnce(cfg Config, fn Fn) {
	ctx := s.ctx
	if err := ctx.Err(); err != nil {
		return
	}

	if s.leases != nil {
		ttl := cfg.LeaseTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		held, err := s.leases.Acquire(ctx, cfg.Name, ttl)
		if err != nil {
			if errors.Is(err, lease.ErrNotAcquired) {
				s.logger.Debug("job lease held elsewhere", "job", cfg.Name)
				return
			}
			s.logger.Error("job lease acquire failed", "job", cfg.Name, "error", err)
			return
		}
		defer func() {
			if err := s.leases.Release(ctx, held); err != nil {
				s.logger.Warn("job lease release failed", "job", cfg.Name, "error", err)
			}
		}()
	}

	// Failure handling happens inside the instrumented fn.
	_ = fn(ctx)
}

// Start launches the cron loop and blocks until ctx is done.
func (s *Scheduler) Start() {
	if s == nil || s.cron == nil {
		return
	}
	s.cron.Start()
	<-s.ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
