package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

const defaultAuditDelay = 3 * time.Hour

// Auditor verifies the deletion pipeline's completeness promise: everything
// soft-deleted is physically gone within the window. It only detects and
// reports; remediation is a human decision.
type Auditor struct {
	logger  *slog.Logger
	sink    metrics.Sink
	alerts  alert.Reporter
	runs    repo.RunRepository
	samples repo.SampleRepository
	logs    repo.DeletionLogRepository

	delay time.Duration
	now   func() time.Time
}

type AuditorOption func(*Auditor)

// WithAuditDelay overrides how long a deletion may stay open before it is a
// violation.
func WithAuditDelay(d time.Duration) AuditorOption {
	return func(a *Auditor) {
		if d > 0 {
			a.delay = d
		}
	}
}

func NewAuditor(logger *slog.Logger, sink metrics.Sink, alerts alert.Reporter, runs repo.RunRepository, samples repo.SampleRepository, logs repo.DeletionLogRepository, opts ...AuditorOption) (*Auditor, error) {
	if runs == nil || samples == nil || logs == nil {
		return nil, errors.New("run, sample and deletion log repositories are required")
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
	a := &Auditor{
		logger:  logger,
		sink:    sink,
		alerts:  alerts,
		runs:    runs,
		samples: samples,
		logs:    logs,
		delay:   defaultAuditDelay,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Audit reports every deletion still open past the window, grouped by object
// type. Ids still physically present in the primary store are called out
// separately from ids that are gone but never got their confirmation stamp.
func (a *Auditor) Audit(ctx context.Context) error {
	if a == nil {
		return errors.New("auditor not initialized")
	}
	cutoff := a.now().Add(-a.delay)

	open, err := a.logs.ListOpenOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list open deletion logs: %w", err)
	}
	if len(open) == 0 {
		a.logger.Info("deletion audit clean", "cutoff", cutoff)
		return nil
	}

	byType := make(map[domain.ObjectType][]string)
	for _, log := range open {
		byType[log.ObjectType] = append(byType[log.ObjectType], log.ObjectID)
	}

	for objectType, ids := range byType {
		sort.Strings(ids)
		present, err := a.stillPresent(ctx, objectType, ids)
		if err != nil {
			a.logger.Error("re-query primary store", "object_type", string(objectType), "error", err)
		}

		summary := fmt.Sprintf("%d %s deletions still open %s past soft delete", len(ids), objectType, a.delay)
		if len(present) > 0 {
			summary = fmt.Sprintf("%s; %d still present in the primary store", summary, len(present))
		}
		a.reportAlert(ctx, summary, ids)
		a.sink.Count("deletion_auditor", "open_deletions", int64(len(ids)), map[string]string{"object_type": string(objectType)})
		a.logger.Error("deletion window violated",
			"object_type", string(objectType), "open", len(ids), "still_present", len(present))
	}
	return nil
}

// stillPresent distinguishes rows that survived hard deletion from rows that
// were destroyed but whose confirmation stamp is missing. Only the primary
// store's record types can be re-queried here; federated objects are covered
// by their own store's audit.
func (a *Auditor) stillPresent(ctx context.Context, objectType domain.ObjectType, ids []string) ([]string, error) {
	switch objectType {
	case domain.ObjectTypeSample:
		return a.samples.SoftDeletedSampleIDs(ctx, ids)
	case domain.ObjectTypePipelineRun, domain.ObjectTypeWorkflowRun, domain.ObjectTypeTreeRun:
		kind, err := domain.RunKindForObjectType(objectType)
		if err != nil {
			return nil, err
		}
		return a.runs.SoftDeletedIDs(ctx, kind, ids)
	default:
		return nil, nil
	}
}

func (a *Auditor) reportAlert(ctx context.Context, summary string, ids []string) {
	alertRecord := alert.Alert{
		OccurredAt: a.now(),
		Severity:   alert.SeverityCritical,
		Job:        "deletion_auditor",
		Summary:    summary,
		ObjectIDs:  ids,
	}
	if err := a.alerts.Report(ctx, alertRecord); err != nil {
		a.logger.Error("report alert", "summary", summary, "error", err)
	}
}
