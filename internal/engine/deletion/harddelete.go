package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/engine/results"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
	"github.com/arcadia-bio/arcadia-go/internal/platform/objectstore"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

const (
	defaultHardDeleteBatch   = 100
	defaultItemDelay         = 2 * time.Second
	destroyAttempts          = 2
	defaultDestroyRetryDelay = 20 * time.Second
)

// ErrPreconditionFailed aborts a hard-delete call before any mutation: the
// requested set no longer matches what the primary store has marked
// soft-deleted.
var ErrPreconditionFailed = errors.New("hard delete precondition failed")

// Report names what one hard-delete invocation actually did.
type Report struct {
	Deleted        []string
	Failed         []string
	DeletedSamples []string
}

// HardDelete physically destroys soft-deleted objects in the primary store
// and their artifacts in object storage. It executes decisions already
// recorded by the soft-delete service; it makes none of its own beyond the
// parent-sample cascade.
type HardDelete struct {
	logger  *slog.Logger
	sink    metrics.Sink
	alerts  alert.Reporter
	runs    repo.RunRepository
	samples repo.SampleRepository
	logs    repo.DeletionLogRepository
	store   objectstore.Store
	bucket  string

	batchSize  int
	itemDelay  time.Duration
	retryDelay time.Duration
	now        func() time.Time
}

type HardDeleteOption func(*HardDelete)

func WithHardDeleteBatchSize(n int) HardDeleteOption {
	return func(h *HardDelete) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

// WithHardDeleteDelays overrides the pacing sleeps. Zero disables them; tests
// use that.
func WithHardDeleteDelays(itemDelay, retryDelay time.Duration) HardDeleteOption {
	return func(h *HardDelete) {
		h.itemDelay = itemDelay
		h.retryDelay = retryDelay
	}
}

func NewHardDelete(logger *slog.Logger, sink metrics.Sink, alerts alert.Reporter, runs repo.RunRepository, samples repo.SampleRepository, logs repo.DeletionLogRepository, store objectstore.Store, bucket string, opts ...HardDeleteOption) (*HardDelete, error) {
	if runs == nil || samples == nil || logs == nil {
		return nil, errors.New("run, sample and deletion log repositories are required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if alerts == nil {
		return nil, errors.New("alert reporter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	h := &HardDelete{
		logger:     logger,
		sink:       sink,
		alerts:     alerts,
		runs:       runs,
		samples:    samples,
		logs:       logs,
		store:      store,
		bucket:     bucket,
		batchSize:  defaultHardDeleteBatch,
		itemDelay:  defaultItemDelay,
		retryDelay: defaultDestroyRetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run destroys the given soft-deleted objects. The precondition check is
// all-or-nothing: if any id is no longer marked soft-deleted the whole call
// aborts with zero mutations. Per-item failures after that are logged,
// skipped and carried in the report.
func (h *HardDelete) Run(ctx context.Context, ids []string, objectType domain.ObjectType, actorID string) (Report, error) {
	if h == nil {
		return Report{}, errors.New("hard delete worker not initialized")
	}
	if len(ids) == 0 {
		return Report{}, nil
	}
	if actorID == "" {
		return Report{}, errors.New("actor id is required")
	}

	if err := h.checkSoftDeleted(ctx, objectType, ids); err != nil {
		return Report{}, err
	}

	var report Report
	for start := 0; start < len(ids); start += h.batchSize {
		end := start + h.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		for i, id := range ids[start:end] {
			if start+i > 0 && h.itemDelay > 0 {
				if err := sleepCtx(ctx, h.itemDelay); err != nil {
					return report, err
				}
			}
			if err := h.deleteOne(ctx, objectType, id, actorID, &report); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				h.logger.Error("hard delete object", "object_type", string(objectType), "object_id", id, "error", err)
				report.Failed = append(report.Failed, id)
			}
		}
	}

	h.sink.Count("hard_delete", "deleted", int64(len(report.Deleted)), map[string]string{"object_type": string(objectType)})
	if len(report.Failed) > 0 {
		h.sink.Count("hard_delete", "failed", int64(len(report.Failed)), map[string]string{"object_type": string(objectType)})
	}
	h.logger.Info("hard delete finished",
		"object_type", string(objectType), "deleted", len(report.Deleted), "failed", len(report.Failed), "samples", len(report.DeletedSamples))
	return report, nil
}

// checkSoftDeleted re-queries the primary store and aborts on any mismatch.
// Running the workers against ids someone un-deleted, or that never were
// deleted, must be impossible.
func (h *HardDelete) checkSoftDeleted(ctx context.Context, objectType domain.ObjectType, ids []string) error {
	var marked []string
	var err error
	if objectType == domain.ObjectTypeSample {
		marked, err = h.samples.SoftDeletedSampleIDs(ctx, ids)
	} else {
		var kind domain.RunKind
		kind, err = domain.RunKindForObjectType(objectType)
		if err != nil {
			return err
		}
		marked, err = h.runs.SoftDeletedIDs(ctx, kind, ids)
	}
	if err != nil {
		return fmt.Errorf("re-query soft-deleted ids: %w", err)
	}

	missing := missingIDs(ids, marked)
	if len(missing) == 0 {
		return nil
	}
	h.reportInvariant(ctx, "hard_delete",
		fmt.Sprintf("%d of %d %s ids are not marked soft-deleted", len(missing), len(ids), objectType), missing)
	return fmt.Errorf("%w: %s ids not soft-deleted: %v", ErrPreconditionFailed, objectType, missing)
}

func (h *HardDelete) deleteOne(ctx context.Context, objectType domain.ObjectType, id, actorID string, report *Report) error {
	if _, err := h.logs.GetDeletionLog(ctx, objectType, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			h.reportInvariant(ctx, "hard_delete",
				fmt.Sprintf("no deletion log for %s %s", objectType, id), []string{id})
			return fmt.Errorf("no deletion log for %s %s", objectType, id)
		}
		return fmt.Errorf("look up deletion log: %w", err)
	}

	if objectType == domain.ObjectTypeSample {
		if err := h.destroyWithRetry(ctx, func(ctx context.Context) error {
			return h.samples.DestroySample(ctx, id)
		}); err != nil {
			return err
		}
		if err := h.logs.StampHardDeleted(ctx, objectType, []string{id}, h.now()); err != nil {
			return fmt.Errorf("stamp hard deleted: %w", err)
		}
		report.Deleted = append(report.Deleted, id)
		return nil
	}

	kind, err := domain.RunKindForObjectType(objectType)
	if err != nil {
		return err
	}
	sampleID := ""
	run, err := h.runs.GetRun(ctx, kind, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// A previous attempt destroyed the row but crashed before stamping.
	case err != nil:
		return fmt.Errorf("look up run: %w", err)
	default:
		sampleID = run.Core().SampleID
		if err := h.destroyWithRetry(ctx, func(ctx context.Context) error {
			if _, err := h.store.RemovePrefix(ctx, h.bucket, results.OutputPrefix(id)); err != nil {
				return fmt.Errorf("remove artifacts: %w", err)
			}
			if err := h.runs.DestroyRun(ctx, kind, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("destroy run: %w", err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := h.logs.StampHardDeleted(ctx, objectType, []string{id}, h.now()); err != nil {
		return fmt.Errorf("stamp hard deleted: %w", err)
	}
	report.Deleted = append(report.Deleted, id)

	if sampleID != "" {
		if err := h.cascadeSample(ctx, sampleID, report); err != nil {
			h.logger.Error("sample cascade", "sample_id", sampleID, "error", err)
		}
	}
	return nil
}

// cascadeSample destroys the parent sample once its last non-deprecated run
// is gone. Samples not yet soft-deleted are left alone: the user may still
// have live runs of another kind, or never asked for the sample itself.
func (h *HardDelete) cascadeSample(ctx context.Context, sampleID string, report *Report) error {
	count, err := h.runs.CountLiveRunsForSample(ctx, sampleID)
	if err != nil {
		return fmt.Errorf("count live runs: %w", err)
	}
	if count > 0 {
		return nil
	}
	sample, err := h.samples.GetSample(ctx, sampleID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up sample: %w", err)
	}
	if sample.DeletedAt == nil {
		return nil
	}
	if _, err := h.logs.GetDeletionLog(ctx, domain.ObjectTypeSample, sampleID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			h.reportInvariant(ctx, "hard_delete",
				fmt.Sprintf("no deletion log for Sample %s", sampleID), []string{sampleID})
			return fmt.Errorf("no deletion log for sample %s", sampleID)
		}
		return fmt.Errorf("look up sample deletion log: %w", err)
	}

	if err := h.destroyWithRetry(ctx, func(ctx context.Context) error {
		return h.samples.DestroySample(ctx, sampleID)
	}); err != nil {
		return err
	}
	if err := h.logs.StampHardDeleted(ctx, domain.ObjectTypeSample, []string{sampleID}, h.now()); err != nil {
		return fmt.Errorf("stamp sample hard deleted: %w", err)
	}
	report.DeletedSamples = append(report.DeletedSamples, sampleID)
	return nil
}

// destroyWithRetry absorbs one transient failure (a stray deadlock, an object
// store hiccup) with a fixed delay before giving up on the item.
func (h *HardDelete) destroyWithRetry(ctx context.Context, destroy func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= destroyAttempts; attempt++ {
		lastErr = destroy(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < destroyAttempts {
			h.logger.Warn("destroy attempt failed, retrying", "attempt", attempt, "error", lastErr)
			if h.retryDelay > 0 {
				if err := sleepCtx(ctx, h.retryDelay); err != nil {
					return lastErr
				}
			}
		}
	}
	return fmt.Errorf("destroy failed after %d attempts: %w", destroyAttempts, lastErr)
}

func (h *HardDelete) reportInvariant(ctx context.Context, job, summary string, ids []string) {
	a := alert.Alert{
		OccurredAt: h.now(),
		Severity:   alert.SeverityCritical,
		Job:        job,
		Summary:    summary,
		ObjectIDs:  ids,
	}
	if err := h.alerts.Report(ctx, a); err != nil {
		h.logger.Error("report alert", "summary", summary, "error", err)
	}
}

func missingIDs(want, have []string) []string {
	present := make(map[string]struct{}, len(have))
	for _, id := range have {
		present[id] = struct{}{}
	}
	var missing []string
	for _, id := range want {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
