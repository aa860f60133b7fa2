package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/federation"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/queue"
)

const (
	defaultDrainBatch   = 10
	maxDeliveryAttempts = 3
)

// QueueEnqueuer adapts the durable deletion job queue to the soft-delete
// service's enqueue contract. EnqueueHardDelete targets the primary store;
// callers that own mirrored secondary-store ids queue those through
// EnqueueFederatedHardDelete, since the two stores do not share an id space.
type QueueEnqueuer struct {
	q queue.DeletionJobQueue
}

func NewQueueEnqueuer(q queue.DeletionJobQueue) (*QueueEnqueuer, error) {
	if q == nil {
		return nil, errors.New("deletion job queue is required")
	}
	return &QueueEnqueuer{q: q}, nil
}

func (e *QueueEnqueuer) EnqueueHardDelete(ctx context.Context, objectType domain.ObjectType, ids []string, actorID string) error {
	if e == nil || e.q == nil {
		return errors.New("enqueuer not initialized")
	}
	return e.q.Enqueue(ctx, queue.DeletionJob{
		Store:      queue.TargetPrimary,
		ObjectType: objectType,
		ObjectIDs:  ids,
		ActorID:    actorID,
	})
}

// EnqueueFederatedHardDelete queues a hard delete against the secondary
// store. The ids are the secondary store's own.
func (e *QueueEnqueuer) EnqueueFederatedHardDelete(ctx context.Context, objectType domain.ObjectType, ids []string, actorID string) error {
	if e == nil || e.q == nil {
		return errors.New("enqueuer not initialized")
	}
	return e.q.Enqueue(ctx, queue.DeletionJob{
		Store:      queue.TargetFederated,
		ObjectType: objectType,
		ObjectIDs:  ids,
		ActorID:    actorID,
	})
}

// Drainer is the periodic job that pulls pending deletion jobs and runs the
// matching worker. It acknowledges a job once a worker has processed it, even
// with per-item failures: those were alerted and the auditor owns anything
// that stays behind. Jobs that keep failing outright are dropped after a few
// attempts with a critical alert instead of cycling forever.
type Drainer struct {
	logger    *slog.Logger
	alerts    alert.Reporter
	q         queue.DeletionJobQueue
	primary   *HardDelete
	federated *FederatedHardDelete

	batchSize int
}

func NewDrainer(logger *slog.Logger, alerts alert.Reporter, q queue.DeletionJobQueue, primary *HardDelete, federated *FederatedHardDelete) (*Drainer, error) {
	if q == nil {
		return nil, errors.New("deletion job queue is required")
	}
	if primary == nil {
		return nil, errors.New("primary hard delete worker is required")
	}
	if federated == nil {
		return nil, errors.New("federated hard delete worker is required")
	}
	if alerts == nil {
		return nil, errors.New("alert reporter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		logger:    logger,
		alerts:    alerts,
		q:         q,
		primary:   primary,
		federated: federated,
		batchSize: defaultDrainBatch,
	}, nil
}

// Drain processes pending jobs until the queue is empty or the context ends.
func (d *Drainer) Drain(ctx context.Context) error {
	if d == nil {
		return errors.New("drainer not initialized")
	}
	var errs []error
	for {
		deliveries, err := d.q.Receive(ctx, d.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("receive deletion jobs: %w", err))
			break
		}
		if len(deliveries) == 0 {
			break
		}
		for _, delivery := range deliveries {
			if err := d.handle(ctx, delivery); err != nil {
				if ctx.Err() != nil {
					errs = append(errs, err)
					return errors.Join(errs...)
				}
				d.logger.Error("deletion job failed",
					"store", string(delivery.Job.Store), "object_type", string(delivery.Job.ObjectType), "attempt", delivery.Attempt, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Drainer) handle(ctx context.Context, delivery queue.DeletionJobDelivery) error {
	job := delivery.Job

	var runErr error
	switch job.Store {
	case queue.TargetFederated:
		secondaryType, err := secondaryObjectType(job.ObjectType)
		if err != nil {
			runErr = err
		} else {
			runErr = d.federated.Run(ctx, job.ObjectIDs, secondaryType, job.ActorID)
		}
	default:
		_, runErr = d.primary.Run(ctx, job.ObjectIDs, job.ObjectType, job.ActorID)
	}

	if runErr == nil {
		return d.ack(ctx, delivery.Handle)
	}

	if delivery.Attempt >= maxDeliveryAttempts {
		a := alert.Alert{
			Severity:  alert.SeverityCritical,
			Job:       "deletion_drainer",
			Summary:   fmt.Sprintf("dropping %s %s deletion job after %d attempts", job.Store, job.ObjectType, delivery.Attempt),
			Err:       runErr,
			ObjectIDs: job.ObjectIDs,
		}
		if err := d.alerts.Report(ctx, a); err != nil {
			d.logger.Error("report alert", "error", err)
		}
		if err := d.ack(ctx, delivery.Handle); err != nil {
			return err
		}
		return runErr
	}
	// Leave the job unacknowledged; the visibility timeout is the retry
	// backoff.
	return runErr
}

func (d *Drainer) ack(ctx context.Context, handle string) error {
	err := d.q.Ack(ctx, handle)
	if errors.Is(err, queue.ErrUnknownDelivery) {
		d.logger.Warn("ack raced visibility timeout", "handle", handle)
		return nil
	}
	return err
}

func secondaryObjectType(objectType domain.ObjectType) (federation.SecondaryObjectType, error) {
	switch objectType {
	case domain.ObjectTypeWorkflowRun:
		return federation.SecondaryRun, nil
	case domain.ObjectTypeSample:
		return federation.SecondarySample, nil
	case domain.ObjectTypeBulkDownload:
		return federation.SecondaryBulkDownload, nil
	default:
		return "", fmt.Errorf("object type %q has no federated mirror", objectType)
	}
}
