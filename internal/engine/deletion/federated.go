package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/federation"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

const defaultFederatedRetryDelay = 2 * time.Minute

// ErrFederatedMismatch marks a broken cross-store invariant: the federated
// store disagrees with the primary store about what is soft-deleted or what
// got destroyed. No retry fixes these; a human does.
var ErrFederatedMismatch = errors.New("federated store state mismatch")

// FederationClient is the slice of the federation client the worker needs.
type FederationClient interface {
	SoftDeletedIDs(ctx context.Context, objectType federation.SecondaryObjectType, ids []string) ([]string, error)
	Delete(ctx context.Context, objectType federation.SecondaryObjectType, ids []string) ([]string, error)
}

// FederatedHardDelete destroys mirrored objects in the secondary entity
// store. All "what to delete" decisions were made at soft-delete time; this
// worker only verifies and executes.
type FederatedHardDelete struct {
	logger *slog.Logger
	sink   metrics.Sink
	alerts alert.Reporter
	client FederationClient
	logs   repo.DeletionLogRepository

	retryDelay time.Duration
	now        func() time.Time
}

type FederatedOption func(*FederatedHardDelete)

func WithFederatedRetryDelay(d time.Duration) FederatedOption {
	return func(f *FederatedHardDelete) { f.retryDelay = d }
}

func NewFederatedHardDelete(logger *slog.Logger, sink metrics.Sink, alerts alert.Reporter, client FederationClient, logs repo.DeletionLogRepository, opts ...FederatedOption) (*FederatedHardDelete, error) {
	if client == nil {
		return nil, errors.New("federation client is required")
	}
	if logs == nil {
		return nil, errors.New("deletion log repository is required")
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
	f := &FederatedHardDelete{
		logger:     logger,
		sink:       sink,
		alerts:     alerts,
		client:     client,
		logs:       logs,
		retryDelay: defaultFederatedRetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Run hard-deletes the given ids in the federated store. Mismatches abort
// with zero mutations and a critical alert. Transient failures get one
// automatic retry after a fixed delay; a persistent failure escalates to the
// alert sink because the deletion window is a compliance obligation.
func (f *FederatedHardDelete) Run(ctx context.Context, ids []string, objectType federation.SecondaryObjectType, actorID string) error {
	if f == nil {
		return errors.New("federated hard delete worker not initialized")
	}
	if len(ids) == 0 {
		return nil
	}
	if actorID == "" {
		return errors.New("actor id is required")
	}

	err := f.attempt(ctx, ids, objectType, actorID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFederatedMismatch) {
		return err
	}

	f.logger.Warn("federated hard delete failed, retrying once",
		"object_type", string(objectType), "delay", f.retryDelay, "error", err)
	if f.retryDelay > 0 {
		if serr := sleepCtx(ctx, f.retryDelay); serr != nil {
			return err
		}
	}

	err = f.attempt(ctx, ids, objectType, actorID)
	if err == nil {
		return nil
	}
	f.reportAlert(ctx, alert.SeverityCritical,
		fmt.Sprintf("federated hard delete of %d %s objects failed after retry", len(ids), objectType), err, ids)
	return err
}

func (f *FederatedHardDelete) attempt(ctx context.Context, ids []string, objectType federation.SecondaryObjectType, actorID string) error {
	marked, err := f.client.SoftDeletedIDs(ctx, objectType, ids)
	if err != nil {
		return fmt.Errorf("query federated soft-deleted ids: %w", err)
	}
	if missing := missingIDs(ids, marked); len(missing) > 0 {
		f.reportAlert(ctx, alert.SeverityCritical,
			fmt.Sprintf("%d of %d %s ids not soft-deleted in federated store", len(missing), len(ids), objectType), nil, missing)
		return fmt.Errorf("%w: ids not soft-deleted: %v", ErrFederatedMismatch, missing)
	}

	domainType, err := domainObjectType(objectType)
	if err != nil {
		return err
	}
	logs, err := f.logs.ListDeletionLogs(ctx, domainType, ids)
	if err != nil {
		return fmt.Errorf("list deletion logs: %w", err)
	}
	logged := make([]string, 0, len(logs))
	for _, l := range logs {
		logged = append(logged, l.ObjectID)
	}
	if missing := missingIDs(ids, logged); len(missing) > 0 {
		f.reportAlert(ctx, alert.SeverityCritical,
			fmt.Sprintf("%d of %d %s ids have no deletion log", len(missing), len(ids), objectType), nil, missing)
		return fmt.Errorf("%w: ids without deletion logs: %v", ErrFederatedMismatch, missing)
	}

	deleted, err := f.client.Delete(ctx, objectType, ids)
	if err != nil {
		return fmt.Errorf("federated delete mutation: %w", err)
	}

	// Stamp what provably got destroyed before judging completeness, so a
	// partial mutation is not re-run against already-gone ids unrecorded.
	if len(deleted) > 0 {
		if err := f.logs.StampHardDeleted(ctx, domainType, deleted, f.now()); err != nil {
			return fmt.Errorf("stamp hard deleted: %w", err)
		}
	}

	if missing := missingIDs(ids, deleted); len(missing) > 0 {
		f.reportAlert(ctx, alert.SeverityCritical,
			fmt.Sprintf("federated store deleted %d of %d %s ids", len(deleted), len(ids), objectType), nil, missing)
		return fmt.Errorf("%w: ids not deleted: %v", ErrFederatedMismatch, missing)
	}

	sorted := append([]string(nil), deleted...)
	sort.Strings(sorted)
	f.sink.Count("federated_hard_delete", "deleted", int64(len(deleted)), map[string]string{"object_type": string(objectType)})
	f.logger.Info("federated hard delete finished",
		"object_type", string(objectType), "deleted", len(sorted), "actor_id", actorID)
	return nil
}

func (f *FederatedHardDelete) reportAlert(ctx context.Context, severity alert.Severity, summary string, err error, ids []string) {
	a := alert.Alert{
		OccurredAt: f.now(),
		Severity:   severity,
		Job:        "federated_hard_delete",
		Summary:    summary,
		Err:        err,
		ObjectIDs:  ids,
	}
	if rerr := f.alerts.Report(ctx, a); rerr != nil {
		f.logger.Error("report alert", "summary", summary, "error", rerr)
	}
}

func domainObjectType(objectType federation.SecondaryObjectType) (domain.ObjectType, error) {
	switch objectType {
	case federation.SecondaryRun:
		return domain.ObjectTypeWorkflowRun, nil
	case federation.SecondarySample:
		return domain.ObjectTypeSample, nil
	case federation.SecondaryBulkDownload:
		return domain.ObjectTypeBulkDownload, nil
	default:
		return "", fmt.Errorf("unknown secondary object type %q", objectType)
	}
}
