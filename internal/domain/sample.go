package domain

import (
	"errors"
	"strings"
	"time"
)

// Sample owns the runs executed against one uploaded specimen. A sample may
// only be hard-deleted once every non-deprecated run of any kind is gone.
type Sample struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

func (s Sample) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("sample id is required")
	}
	if strings.TrimSpace(s.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("sample name is required")
	}
	return nil
}

func (s Sample) IsDeleted() bool { return s.DeletedAt != nil }
