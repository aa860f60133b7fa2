package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus tracks a run through the external execution engine.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
	RunStatusAborted   RunStatus = "ABORTED"
)

// ErrAlreadyFinalized is returned when a terminal run is asked to transition again.
var ErrAlreadyFinalized = errors.New("run is already finalized")

// ErrRunDeleted is returned when a mutation is attempted on a soft-deleted run
// outside the deletion pipeline.
var ErrRunDeleted = errors.New("run is soft-deleted")

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(RunStatusCreated), "PENDING":
		return RunStatusCreated
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded):
		return RunStatusSucceeded
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusTimedOut), "TIMEDOUT":
		return RunStatusTimedOut
	case string(RunStatusAborted):
		return RunStatusAborted
	default:
		return ""
	}
}

// IsTerminal reports whether the status finalizes a run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut, RunStatusAborted:
		return true
	default:
		return false
	}
}

// IsFailureLike reports whether partial result loading should be attempted
// before the remainder is marked failed.
func (s RunStatus) IsFailureLike() bool {
	switch s {
	case RunStatusFailed, RunStatusTimedOut, RunStatusAborted:
		return true
	default:
		return false
	}
}

// ResultLoadState tracks one output artifact of a run.
type ResultLoadState string

const (
	ResultNotLoaded ResultLoadState = "not_loaded"
	ResultLoading   ResultLoadState = "loading"
	ResultLoaded    ResultLoadState = "loaded"
	ResultFailed    ResultLoadState = "failed"
)

// RunKind discriminates the run variants.
type RunKind string

const (
	RunKindPipeline RunKind = "PipelineRun"
	RunKindWorkflow RunKind = "WorkflowRun"
	RunKindTree     RunKind = "TreeRun"
)

// Run is the common contract of all run variants.
type Run interface {
	Kind() RunKind
	Core() *RunCore
	IsFinalized() bool
	Finalize(status RunStatus, at time.Time) error
}

// RunCore holds the state shared by all run variants. ExecutionHandle is unique
// and immutable once assigned.
type RunCore struct {
	ID               string
	SampleID         string
	Status           RunStatus
	ExecutionHandle  string
	ExecutedAt       time.Time
	Finalized        bool
	FinalizedAt      *time.Time
	DeletedAt        *time.Time
	Deprecated       bool
	ResultLoadStatus map[string]ResultLoadState
}

func (c *RunCore) Core() *RunCore { return c }

func (c *RunCore) IsFinalized() bool { return c.Finalized }

func (c *RunCore) IsDeleted() bool { return c.DeletedAt != nil }

// Finalize latches the run into a terminal status. Once latched the run can
// never move again, regardless of what later events claim.
func (c *RunCore) Finalize(status RunStatus, at time.Time) error {
	if c.Finalized {
		return ErrAlreadyFinalized
	}
	if c.DeletedAt != nil {
		return ErrRunDeleted
	}
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()
	c.Status = status
	c.Finalized = true
	c.FinalizedAt = &at
	return nil
}

func (c *RunCore) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(c.SampleID) == "" {
		return errors.New("sample id is required")
	}
	if c.Status == "" {
		return errors.New("status is required")
	}
	if c.Finalized != c.Status.IsTerminal() {
		return fmt.Errorf("finalized flag disagrees with status %q", c.Status)
	}
	return nil
}

// PipelineRun executes the metagenomics pipeline for a sample.
type PipelineRun struct {
	RunCore
	PipelineVersion string
	TotalStages     int
}

func (r *PipelineRun) Kind() RunKind { return RunKindPipeline }

// WorkflowRun executes a single-stage analysis workflow (consensus genome,
// AMR, and similar).
type WorkflowRun struct {
	RunCore
	Workflow string
}

func (r *WorkflowRun) Kind() RunKind { return RunKindWorkflow }

// TreeRun builds a phylogenetic tree from previously analyzed samples.
type TreeRun struct {
	RunCore
	TreeName string
}

func (r *TreeRun) Kind() RunKind { return RunKindTree }

// StageResult is the per-stage bookkeeping the sweeper consults when deciding
// how to force-finalize an overdue run.
type StageResult struct {
	RunID       string
	Stage       string
	Succeeded   bool
	Diagnostics string
}
