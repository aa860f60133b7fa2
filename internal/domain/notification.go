package domain

import (
	"errors"
	"strings"
)

// NotificationMessage is a transient status event from the external execution
// engine. It is owned by the queue until the consumer acknowledges it; the
// consumer must only acknowledge after the corresponding run mutation landed.
type NotificationMessage struct {
	ExecutionHandle string `json:"execution_handle"`
	Status          string `json:"status"`
	CompletedStage  string `json:"completed_stage,omitempty"`
}

func (m NotificationMessage) Validate() error {
	if strings.TrimSpace(m.ExecutionHandle) == "" {
		return errors.New("execution handle is required")
	}
	if strings.TrimSpace(m.Status) == "" && strings.TrimSpace(m.CompletedStage) == "" {
		return errors.New("status or completed stage is required")
	}
	return nil
}

// IsStageEvent reports whether the message describes a completed sub-stage
// rather than a whole-run status change.
func (m NotificationMessage) IsStageEvent() bool {
	return strings.TrimSpace(m.CompletedStage) != ""
}
