package deletion

import (
	"context"
	"testing"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
)

func newAuditorFixture(t *testing.T) (*Auditor, *fakeRunRepo, *fakeSampleRepo, *fakeLogRepo, *fakeAlerts) {
	t.Helper()
	runs := newFakeRunRepo()
	samples := newFakeSampleRepo()
	logs := newFakeLogRepo()
	alerts := &fakeAlerts{}
	auditor, err := NewAuditor(nil, nil, alerts, runs, samples, logs)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	return auditor, runs, samples, logs, alerts
}

func seedOpenLog(t *testing.T, logs *fakeLogRepo, objectType domain.ObjectType, id string, age time.Duration) {
	t.Helper()
	if err := logs.CreateDeletionLog(context.Background(), domain.DeletionLog{
		ID:            "log-" + id,
		ObjectID:      id,
		ObjectType:    objectType,
		ActorID:       "user-9",
		SoftDeletedAt: time.Now().UTC().Add(-age),
	}); err != nil {
		t.Fatalf("seed log: %v", err)
	}
}

func TestAuditCleanWhenNothingOpen(t *testing.T) {
	auditor, _, _, logs, alerts := newAuditorFixture(t)
	seedOpenLog(t, logs, domain.ObjectTypeWorkflowRun, "run-1", time.Hour)
	closed, _ := logs.GetDeletionLog(context.Background(), domain.ObjectTypeWorkflowRun, "run-1")
	at := time.Now().UTC()
	closed.HardDeletedAt = &at
	logs.logs[logKey(domain.ObjectTypeWorkflowRun, "run-1")] = closed

	if err := auditor.Audit(context.Background()); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(alerts.alerts) != 0 {
		t.Fatalf("no alerts expected: %v", alerts.summaries())
	}
}

func TestAuditIgnoresDeletionsInsideWindow(t *testing.T) {
	auditor, _, _, logs, alerts := newAuditorFixture(t)
	seedOpenLog(t, logs, domain.ObjectTypeWorkflowRun, "run-1", time.Hour)

	if err := auditor.Audit(context.Background()); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(alerts.alerts) != 0 {
		t.Fatalf("fresh deletions are not violations: %v", alerts.summaries())
	}
}

func TestAuditReportsOpenDeletionsPerType(t *testing.T) {
	auditor, runs, _, logs, alerts := newAuditorFixture(t)
	seedOpenLog(t, logs, domain.ObjectTypeWorkflowRun, "run-1", 5*time.Hour)
	seedOpenLog(t, logs, domain.ObjectTypeWorkflowRun, "run-2", 6*time.Hour)
	seedOpenLog(t, logs, domain.ObjectTypeSample, "sample-1", 5*time.Hour)
	runs.add(newWorkflowRun("run-1", "sample-1", true))

	if err := auditor.Audit(context.Background()); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(alerts.alerts) != 2 {
		t.Fatalf("expected one alert per object type: %v", alerts.summaries())
	}
	for _, a := range alerts.alerts {
		if a.Job != "deletion_auditor" || a.Severity != "critical" {
			t.Fatalf("alert: %+v", a)
		}
	}
	if !alerts.hasSummaryContaining("WorkflowRun deletions still open") {
		t.Fatalf("alerts: %v", alerts.summaries())
	}
	if !alerts.hasSummaryContaining("still present in the primary store") {
		t.Fatalf("still-present detail missing: %v", alerts.summaries())
	}
}

func TestAuditNeverRemediates(t *testing.T) {
	auditor, runs, samples, logs, _ := newAuditorFixture(t)
	seedOpenLog(t, logs, domain.ObjectTypeWorkflowRun, "run-1", 5*time.Hour)
	runs.add(newWorkflowRun("run-1", "sample-1", true))
	at := time.Now().UTC().Add(-5 * time.Hour)
	samples.samples["sample-1"] = domain.Sample{ID: "sample-1", ProjectID: "p-1", Name: "specimen", DeletedAt: &at}

	if err := auditor.Audit(context.Background()); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(runs.destroyed) != 0 || len(samples.destroyed) != 0 {
		t.Fatalf("auditor must not destroy anything")
	}
	if _, err := runs.GetRun(context.Background(), domain.RunKindWorkflow, "run-1"); err != nil {
		t.Fatalf("run must survive the audit: %v", err)
	}
}
