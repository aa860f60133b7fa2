package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
)

// Fn is one run of a background job.
type Fn func(ctx context.Context) error

// FailureHook receives the classified failure of an instrumented job. The
// scheduler registers one hook that funnels into the alert reporter; job code
// never talks to alerting directly.
type FailureHook func(ctx context.Context, cfg Config, err error)

// Instrumentor decorates every background job with uniform start, finish and
// failure telemetry.
type Instrumentor struct {
	logger    *slog.Logger
	sink      metrics.Sink
	onFailure FailureHook
	now       func() time.Time
}

func NewInstrumentor(logger *slog.Logger, sink metrics.Sink, onFailure FailureHook) *Instrumentor {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Instrumentor{
		logger:    logger,
		sink:      sink,
		onFailure: onFailure,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Wrap returns fn with telemetry attached. The wrapped function still returns
// the original error so callers can branch on it.
func (i *Instrumentor) Wrap(cfg Config, fn Fn) Fn {
	if i == nil || fn == nil {
		return fn
	}
	return func(ctx context.Context) error {
		started := i.now()
		i.logger.Info("job started", "job", cfg.Name)
		i.sink.Count(cfg.Name, "started", 1, cfg.ExtraDims)

		err := fn(ctx)
		elapsed := i.now().Sub(started)

		if err != nil {
			kind := KindOf(err)
			i.logger.Error("job failed", "job", cfg.Name, "kind", string(kind), "elapsed", elapsed, "error", err)
			dims := withDim(cfg.ExtraDims, "kind", string(kind))
			i.sink.Count(cfg.Name, "failed", 1, dims)
			if i.onFailure != nil {
				i.onFailure(ctx, cfg, err)
			}
			return err
		}

		i.logger.Info("job finished", "job", cfg.Name, "elapsed", elapsed)
		i.sink.Count(cfg.Name, "finished", 1, cfg.ExtraDims)
		i.sink.Gauge(cfg.Name, "duration_seconds", elapsed.Seconds(), cfg.ExtraDims)
		return nil
	}
}

func withDim(dims map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(dims)+1)
	for k, v := range dims {
		out[k] = v
	}
	out[key] = value
	return out
}
