package repo

import (
	"context"
	"errors"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleState is returned when a conditional update found the record in a
// different state than required (e.g. finalizing an already-finalized run).
var ErrStaleState = errors.New("stale state")

// OverdueFilter selects non-finalized runs whose dispatch predates a cutoff.
type OverdueFilter struct {
	ExecutedBefore time.Time
	Limit          int
}

// RunRepository manages all run variants in the primary store.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, kind domain.RunKind, id string) (domain.Run, error)
	GetRunByExecutionHandle(ctx context.Context, handle string) (domain.Run, error)
	ListOverdueRuns(ctx context.Context, filter OverdueFilter) ([]domain.Run, error)

	// FinalizeRun persists the terminal latch. The update is conditional on
	// the run not already being finalized; ErrStaleState means another writer
	// latched first and the caller must treat the run as terminal.
	FinalizeRun(ctx context.Context, kind domain.RunKind, id string, status domain.RunStatus, at time.Time) error

	// TransitionResultLoadState applies output-state transitions conditionally.
	// It reports false without error when the stored state did not match from,
	// which is how redelivered messages become no-ops.
	TransitionResultLoadState(ctx context.Context, kind domain.RunKind, id, output string, from, to domain.ResultLoadState) (bool, error)

	ListStageResults(ctx context.Context, runID string) ([]domain.StageResult, error)

	// SoftDeletedIDs returns the subset of ids currently marked soft-deleted.
	SoftDeletedIDs(ctx context.Context, kind domain.RunKind, ids []string) ([]string, error)
	SoftDeleteRuns(ctx context.Context, kind domain.RunKind, ids []string, at time.Time) error
	DestroyRun(ctx context.Context, kind domain.RunKind, id string) error

	// CountLiveRunsForSample counts non-deprecated, non-destroyed runs of any
	// kind owned by the sample. The hard-delete cascade checks this before
	// destroying the parent.
	CountLiveRunsForSample(ctx context.Context, sampleID string) (int, error)

	// CountUndeletedRunsForSample counts non-deprecated runs not yet marked
	// soft-deleted. The soft-delete cascade checks this before marking the
	// parent sample.
	CountUndeletedRunsForSample(ctx context.Context, sampleID string) (int, error)
}

// SampleRepository manages samples in the primary store.
type SampleRepository interface {
	CreateSample(ctx context.Context, sample domain.Sample) error
	GetSample(ctx context.Context, id string) (domain.Sample, error)
	SoftDeletedSampleIDs(ctx context.Context, ids []string) ([]string, error)
	SoftDeleteSamples(ctx context.Context, ids []string, at time.Time) error
	DestroySample(ctx context.Context, id string) error
}

// DeletionLogRepository manages the append-then-close audit trail of the
// deletion pipeline. Rows are never deleted.
type DeletionLogRepository interface {
	CreateDeletionLog(ctx context.Context, log domain.DeletionLog) error
	GetDeletionLog(ctx context.Context, objectType domain.ObjectType, objectID string) (domain.DeletionLog, error)
	ListDeletionLogs(ctx context.Context, objectType domain.ObjectType, objectIDs []string) ([]domain.DeletionLog, error)
	StampHardDeleted(ctx context.Context, objectType domain.ObjectType, objectIDs []string, at time.Time) error
	// ListOpenOlderThan returns logs whose soft delete predates the cutoff and
	// whose hard delete is still unconfirmed. Non-empty results are the
	// auditor's invariant violation.
	ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]domain.DeletionLog, error)
}
