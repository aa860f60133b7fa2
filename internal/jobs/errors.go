package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a job failure for the alerting funnel.
type ErrorKind string

const (
	// KindTransient covers store hiccups and deploy interruptions; a single
	// bounded retry is appropriate before escalating.
	KindTransient ErrorKind = "transient"
	// KindInvariant covers broken data-integrity assumptions; never retried
	// automatically, always escalated.
	KindInvariant ErrorKind = "invariant"
	// KindUser covers failures attributable to the submitted input.
	KindUser ErrorKind = "user"
	// KindInfra covers everything else on our side of the fence.
	KindInfra ErrorKind = "infra"
)

// JobError carries a failure and its classification through the
// instrumentation wrapper to the alert reporter.
type JobError struct {
	Kind ErrorKind
	Err  error
}

func (e *JobError) Error() string {
	if e == nil || e.Err == nil {
		return string(KindInfra)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Transient(err error) *JobError { return &JobError{Kind: KindTransient, Err: err} }
func Invariant(err error) *JobError { return &JobError{Kind: KindInvariant, Err: err} }
func UserError(err error) *JobError { return &JobError{Kind: KindUser, Err: err} }
func Infra(err error) *JobError     { return &JobError{Kind: KindInfra, Err: err} }

// KindOf extracts the classification, defaulting to infra for plain errors.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) && je != nil {
		return je.Kind
	}
	return KindInfra
}
