package postgres

import (
	"strings"
	"testing"
)

func TestFinalizeQueryIsConditionalOnLatch(t *testing.T) {
	if !strings.Contains(finalizeRunQuery, "finalized = FALSE") {
		t.Fatalf("finalize must be conditional on the run not being finalized")
	}
	if !strings.Contains(finalizeRunQuery, "deleted_at IS NULL") {
		t.Fatalf("finalize must never touch soft-deleted runs")
	}
}

func TestOverdueQueryExcludesFinalizedAndDeletedRuns(t *testing.T) {
	for _, clause := range []string{"finalized = FALSE", "deleted_at IS NULL", "executed_at < $1"} {
		if !strings.Contains(selectOverdueRunsQuery, clause) {
			t.Fatalf("overdue query missing clause %q", clause)
		}
	}
}

func TestLoadStateTransitionIsConditionalOnPriorState(t *testing.T) {
	if !strings.Contains(transitionLoadStateQuery, "COALESCE(result_load_status->>$1, 'not_loaded') = $5") {
		t.Fatalf("load-state transition must compare the stored state")
	}
}

func TestStampQueryOnlyClosesOpenLogs(t *testing.T) {
	if !strings.Contains(stampHardDeletedQuery, "hard_deleted_at IS NULL") {
		t.Fatalf("stamp must only close open deletion logs")
	}
}

func TestOpenLogQueryUsesSoftDeleteCutoff(t *testing.T) {
	if !strings.Contains(selectOpenLogsQuery, "hard_deleted_at IS NULL") ||
		!strings.Contains(selectOpenLogsQuery, "soft_deleted_at < $1") {
		t.Fatalf("auditor query must select open logs older than the cutoff")
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3, 2); got != "$3,$4" {
		t.Fatalf("placeholders: got %q", got)
	}
}
