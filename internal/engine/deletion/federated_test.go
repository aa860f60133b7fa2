package deletion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/federation"
)

func newFederatedFixture(t *testing.T) (*FederatedHardDelete, *fakeFederationClient, *fakeLogRepo, *fakeAlerts) {
	t.Helper()
	client := newFakeFederationClient()
	logs := newFakeLogRepo()
	alerts := &fakeAlerts{}
	worker, err := NewFederatedHardDelete(nil, nil, alerts, client, logs, WithFederatedRetryDelay(0))
	if err != nil {
		t.Fatalf("new federated hard delete: %v", err)
	}
	return worker, client, logs, alerts
}

func seedSampleLogs(t *testing.T, logs *fakeLogRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := logs.CreateDeletionLog(context.Background(), domain.DeletionLog{
			ID:            "log-" + id,
			ObjectID:      id,
			ObjectType:    domain.ObjectTypeSample,
			ActorID:       "user-9",
			SoftDeletedAt: time.Now().UTC().Add(-time.Hour),
		}); err != nil {
			t.Fatalf("seed log: %v", err)
		}
	}
}

func TestFederatedHardDeleteHappyPath(t *testing.T) {
	worker, client, logs, alerts := newFederatedFixture(t)
	ids := []string{"s-1", "s-2"}
	client.softDeleted["Sample"] = ids
	client.deleteIDs["Sample"] = ids
	seedSampleLogs(t, logs, ids...)

	if err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(client.calls) != 2 || client.calls[0].op != "query" || client.calls[1].op != "delete" {
		t.Fatalf("calls: %v", client.calls)
	}
	for _, id := range ids {
		log, err := logs.GetDeletionLog(context.Background(), domain.ObjectTypeSample, id)
		if err != nil || log.HardDeletedAt == nil {
			t.Fatalf("log for %s not stamped", id)
		}
	}
	if len(alerts.alerts) != 0 {
		t.Fatalf("no alerts expected: %v", alerts.summaries())
	}
}

func TestFederatedHardDeleteFencesOnSoftDeleteMismatch(t *testing.T) {
	worker, client, logs, alerts := newFederatedFixture(t)
	ids := []string{"s-1", "s-2"}
	client.softDeleted["Sample"] = []string{"s-1"}
	seedSampleLogs(t, logs, ids...)

	err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9")
	if !errors.Is(err, ErrFederatedMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	for _, call := range client.calls {
		if call.op == "delete" {
			t.Fatalf("no mutation may be issued on a fence mismatch")
		}
	}
	if !alerts.hasSummaryContaining("not soft-deleted in federated store") {
		t.Fatalf("alerts: %v", alerts.summaries())
	}
}

func TestFederatedHardDeleteRequiresDeletionLogs(t *testing.T) {
	worker, client, logs, alerts := newFederatedFixture(t)
	ids := []string{"s-1", "s-2"}
	client.softDeleted["Sample"] = ids
	seedSampleLogs(t, logs, "s-1")

	err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9")
	if !errors.Is(err, ErrFederatedMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	for _, call := range client.calls {
		if call.op == "delete" {
			t.Fatalf("no mutation may be issued without complete deletion logs")
		}
	}
	if !alerts.hasSummaryContaining("no deletion log") {
		t.Fatalf("alerts: %v", alerts.summaries())
	}
}

func TestFederatedHardDeleteStampsPartialThenFails(t *testing.T) {
	worker, client, logs, alerts := newFederatedFixture(t)
	ids := []string{"s-1", "s-2"}
	client.softDeleted["Sample"] = ids
	client.deleteIDs["Sample"] = []string{"s-1"}
	seedSampleLogs(t, logs, ids...)

	err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9")
	if !errors.Is(err, ErrFederatedMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	stamped, err2 := logs.GetDeletionLog(context.Background(), domain.ObjectTypeSample, "s-1")
	if err2 != nil || stamped.HardDeletedAt == nil {
		t.Fatalf("confirmed deletion must be stamped")
	}
	open, err2 := logs.GetDeletionLog(context.Background(), domain.ObjectTypeSample, "s-2")
	if err2 != nil || open.HardDeletedAt != nil {
		t.Fatalf("unconfirmed deletion must stay open")
	}
	if !alerts.hasSummaryContaining("deleted 1 of 2") {
		t.Fatalf("alerts: %v", alerts.summaries())
	}
}

func TestFederatedHardDeleteRetriesTransientFailureOnce(t *testing.T) {
	worker, client, logs, _ := newFederatedFixture(t)
	ids := []string{"s-1"}
	client.softDeleted["Sample"] = ids
	client.deleteIDs["Sample"] = ids
	client.queryErrs = []error{errors.New("gateway timeout")}
	seedSampleLogs(t, logs, ids...)

	if err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9"); err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	queries := 0
	for _, call := range client.calls {
		if call.op == "query" {
			queries++
		}
	}
	if queries != 2 {
		t.Fatalf("expected two query attempts, got %d", queries)
	}
}

func TestFederatedHardDeleteEscalatesPersistentFailure(t *testing.T) {
	worker, client, logs, alerts := newFederatedFixture(t)
	ids := []string{"s-1"}
	client.queryErrs = []error{errors.New("gateway timeout"), errors.New("gateway timeout")}
	seedSampleLogs(t, logs, ids...)

	if err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9"); err == nil {
		t.Fatalf("expected persistent failure")
	}
	if !alerts.hasSummaryContaining("failed after retry") {
		t.Fatalf("alerts: %v", alerts.summaries())
	}
}

func TestFederatedHardDeleteDoesNotRetryMismatch(t *testing.T) {
	worker, client, logs, _ := newFederatedFixture(t)
	ids := []string{"s-1", "s-2"}
	client.softDeleted["Sample"] = []string{"s-1"}
	seedSampleLogs(t, logs, ids...)

	if err := worker.Run(context.Background(), ids, federation.SecondarySample, "user-9"); !errors.Is(err, ErrFederatedMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	queries := 0
	for _, call := range client.calls {
		if call.op == "query" {
			queries++
		}
	}
	if queries != 1 {
		t.Fatalf("mismatches are not retryable, got %d query attempts", queries)
	}
}
