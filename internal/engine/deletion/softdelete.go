// Package deletion implements the two-phase deletion pipeline: a synchronous
// soft delete that decides what goes, background workers that physically
// destroy it in the primary and federated stores, and an auditor that
// verifies nothing marked for deletion outlives its window.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

// Enqueuer hands freshly soft-deleted ids to the background hard-delete
// workers.
type Enqueuer interface {
	EnqueueHardDelete(ctx context.Context, objectType domain.ObjectType, ids []string, actorID string) error
}

// SoftDeleteRequest marks a set of runs of one kind, and any samples left
// without live runs, as deleted.
type SoftDeleteRequest struct {
	Kind    domain.RunKind
	RunIDs  []string
	ActorID string
}

func (r SoftDeleteRequest) validate() error {
	if _, err := domain.ObjectTypeForRunKind(r.Kind); err != nil {
		return err
	}
	if len(r.RunIDs) == 0 {
		return errors.New("at least one run id is required")
	}
	if r.ActorID == "" {
		return errors.New("actor id is required")
	}
	return nil
}

// SoftDeleteResult names what was actually marked. Runs already soft-deleted
// before the call are omitted.
type SoftDeleteResult struct {
	RunIDs    []string
	SampleIDs []string
}

// SoftDelete is the synchronous phase of the pipeline. All decisions about
// what to delete happen here, in one transaction with the audit rows; the
// background workers only execute what this service recorded.
type SoftDelete struct {
	logger  *slog.Logger
	tx      repo.Transactor
	enqueue Enqueuer
	now     func() time.Time
}

func NewSoftDelete(logger *slog.Logger, tx repo.Transactor, enqueue Enqueuer) (*SoftDelete, error) {
	if tx == nil {
		return nil, errors.New("transactor is required")
	}
	if enqueue == nil {
		return nil, errors.New("enqueuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SoftDelete{
		logger:  logger,
		tx:      tx,
		enqueue: enqueue,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run marks the requested runs soft-deleted, creates their audit rows and
// cascades to samples whose non-deprecated runs are now all gone, atomically.
// The hard-delete jobs are enqueued only after the transaction commits.
func (s *SoftDelete) Run(ctx context.Context, req SoftDeleteRequest) (SoftDeleteResult, error) {
	if s == nil {
		return SoftDeleteResult{}, errors.New("soft delete service not initialized")
	}
	if err := req.validate(); err != nil {
		return SoftDeleteResult{}, err
	}
	objectType, err := domain.ObjectTypeForRunKind(req.Kind)
	if err != nil {
		return SoftDeleteResult{}, err
	}

	var result SoftDeleteResult
	now := s.now()

	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		sampleIDs := make(map[string]struct{})
		for _, id := range req.RunIDs {
			run, err := stores.Runs.GetRun(ctx, req.Kind, id)
			if err != nil {
				return fmt.Errorf("run %s: %w", id, err)
			}
			core := run.Core()
			if core.DeletedAt != nil {
				// An earlier request already claimed this run.
				continue
			}
			result.RunIDs = append(result.RunIDs, id)
			sampleIDs[core.SampleID] = struct{}{}
		}
		if len(result.RunIDs) == 0 {
			return nil
		}

		if err := stores.Runs.SoftDeleteRuns(ctx, req.Kind, result.RunIDs, now); err != nil {
			return err
		}
		for _, id := range result.RunIDs {
			if err := s.createLog(ctx, stores.Logs, objectType, id, req.ActorID, now); err != nil {
				return err
			}
		}

		for sampleID := range sampleIDs {
			remaining, err := stores.Runs.CountUndeletedRunsForSample(ctx, sampleID)
			if err != nil {
				return fmt.Errorf("sample %s: %w", sampleID, err)
			}
			if remaining > 0 {
				continue
			}
			sample, err := stores.Samples.GetSample(ctx, sampleID)
			if err != nil {
				return fmt.Errorf("sample %s: %w", sampleID, err)
			}
			if sample.DeletedAt != nil {
				continue
			}
			if err := stores.Samples.SoftDeleteSamples(ctx, []string{sampleID}, now); err != nil {
				return err
			}
			if err := s.createLog(ctx, stores.Logs, domain.ObjectTypeSample, sampleID, req.ActorID, now); err != nil {
				return err
			}
			result.SampleIDs = append(result.SampleIDs, sampleID)
		}
		return nil
	})
	if err != nil {
		return SoftDeleteResult{}, err
	}

	if len(result.RunIDs) == 0 {
		s.logger.Info("soft delete was a no-op", "kind", string(req.Kind), "requested", len(req.RunIDs))
		return result, nil
	}
	s.logger.Info("soft deleted objects",
		"kind", string(req.Kind), "runs", len(result.RunIDs), "samples", len(result.SampleIDs), "actor_id", req.ActorID)

	// The transaction is durable; an enqueue failure here is recoverable
	// because the drainer picks up open audit rows on its own schedule.
	if err := s.enqueue.EnqueueHardDelete(ctx, objectType, result.RunIDs, req.ActorID); err != nil {
		s.logger.Error("enqueue run hard delete", "kind", string(req.Kind), "error", err)
	}
	if len(result.SampleIDs) > 0 {
		if err := s.enqueue.EnqueueHardDelete(ctx, domain.ObjectTypeSample, result.SampleIDs, req.ActorID); err != nil {
			s.logger.Error("enqueue sample hard delete", "error", err)
		}
	}
	return result, nil
}

func (s *SoftDelete) createLog(ctx context.Context, logs repo.DeletionLogRepository, objectType domain.ObjectType, objectID, actorID string, at time.Time) error {
	log := domain.DeletionLog{
		ID:            uuid.NewString(),
		ObjectID:      objectID,
		ObjectType:    objectType,
		ActorID:       actorID,
		SoftDeletedAt: at,
	}
	if err := logs.CreateDeletionLog(ctx, log); err != nil {
		return fmt.Errorf("create deletion log for %s %s: %w", objectType, objectID, err)
	}
	return nil
}
