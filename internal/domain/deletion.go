package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ObjectType names the record kinds that flow through the deletion pipeline.
type ObjectType string

const (
	ObjectTypePipelineRun  ObjectType = "PipelineRun"
	ObjectTypeWorkflowRun  ObjectType = "WorkflowRun"
	ObjectTypeTreeRun      ObjectType = "TreeRun"
	ObjectTypeSample       ObjectType = "Sample"
	ObjectTypeBulkDownload ObjectType = "BulkDownload"
)

// ObjectTypeForRunKind maps a run variant to its deletion-log object type.
func ObjectTypeForRunKind(kind RunKind) (ObjectType, error) {
	switch kind {
	case RunKindPipeline:
		return ObjectTypePipelineRun, nil
	case RunKindWorkflow:
		return ObjectTypeWorkflowRun, nil
	case RunKindTree:
		return ObjectTypeTreeRun, nil
	default:
		return "", errors.New("unknown run kind " + strconv.Quote(string(kind)))
	}
}

// RunKindForObjectType is the inverse mapping; it fails for object types that
// are not run variants.
func RunKindForObjectType(objectType ObjectType) (RunKind, error) {
	switch objectType {
	case ObjectTypePipelineRun:
		return RunKindPipeline, nil
	case ObjectTypeWorkflowRun:
		return RunKindWorkflow, nil
	case ObjectTypeTreeRun:
		return RunKindTree, nil
	default:
		return "", errors.New("object type " + strconv.Quote(string(objectType)) + " is not a run kind")
	}
}

// DeletionLog is the audit record created atomically with a soft delete and
// closed exactly once when physical deletion is confirmed. It is owned by the
// deletion pipeline and never deleted.
type DeletionLog struct {
	ID            string
	ObjectID      string
	ObjectType    ObjectType
	ActorID       string
	SoftDeletedAt time.Time
	HardDeletedAt *time.Time
	Metadata      map[string]any
}

func (l DeletionLog) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("deletion log id is required")
	}
	if strings.TrimSpace(l.ObjectID) == "" {
		return errors.New("object id is required")
	}
	if strings.TrimSpace(string(l.ObjectType)) == "" {
		return errors.New("object type is required")
	}
	if strings.TrimSpace(l.ActorID) == "" {
		return errors.New("actor id is required")
	}
	if l.SoftDeletedAt.IsZero() {
		return errors.New("soft deleted at is required")
	}
	return nil
}

// Closed reports whether the physical deletion has been confirmed.
func (l DeletionLog) Closed() bool { return l.HardDeletedAt != nil }
