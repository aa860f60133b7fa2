package deletion

import (
	"context"
	"testing"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/queue"
)

type fakeJobQueue struct {
	deliveries []queue.DeletionJobDelivery
	enqueued   []queue.DeletionJob
	acked      []string
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, job queue.DeletionJob) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeJobQueue) Receive(ctx context.Context, max int) ([]queue.DeletionJobDelivery, error) {
	out := f.deliveries
	f.deliveries = nil
	return out, nil
}

func (f *fakeJobQueue) Ack(ctx context.Context, handle string) error {
	f.acked = append(f.acked, handle)
	return nil
}

func newDrainerFixture(t *testing.T) (*Drainer, *fakeJobQueue, *fakeRunRepo, *fakeSampleRepo, *fakeLogRepo, *fakeFederationClient, *fakeAlerts) {
	t.Helper()
	runs := newFakeRunRepo()
	samples := newFakeSampleRepo()
	logs := newFakeLogRepo()
	store := newFakeObjectStore()
	alerts := &fakeAlerts{}
	client := newFakeFederationClient()
	q := &fakeJobQueue{}

	primary, err := NewHardDelete(nil, nil, alerts, runs, samples, logs, store, "run-outputs", WithHardDeleteDelays(0, 0))
	if err != nil {
		t.Fatalf("new hard delete: %v", err)
	}
	federated, err := NewFederatedHardDelete(nil, nil, alerts, client, logs, WithFederatedRetryDelay(0))
	if err != nil {
		t.Fatalf("new federated hard delete: %v", err)
	}
	drainer, err := NewDrainer(nil, alerts, q, primary, federated)
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}
	return drainer, q, runs, samples, logs, client, alerts
}

func TestDrainRunsPrimaryJobsAndAcks(t *testing.T) {
	drainer, q, runs, _, logs, _, _ := newDrainerFixture(t)
	seedDeletedRun(t, runs, logs, "run-1", "sample-1")
	q.deliveries = []queue.DeletionJobDelivery{{
		Handle:  "d-1",
		Attempt: 1,
		Job: queue.DeletionJob{
			Store:      queue.TargetPrimary,
			ObjectType: domain.ObjectTypeWorkflowRun,
			ObjectIDs:  []string{"run-1"},
			ActorID:    "user-9",
		},
	}}

	if err := drainer.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(runs.destroyed) != 1 || runs.destroyed[0] != "run-1" {
		t.Fatalf("destroyed: %v", runs.destroyed)
	}
	if len(q.acked) != 1 || q.acked[0] != "d-1" {
		t.Fatalf("acked: %v", q.acked)
	}
}

func TestDrainRoutesFederatedJobs(t *testing.T) {
	drainer, q, _, _, logs, client, _ := newDrainerFixture(t)
	client.softDeleted["Sample"] = []string{"s-1"}
	client.deleteIDs["Sample"] = []string{"s-1"}
	seedSampleLogs(t, logs, "s-1")
	q.deliveries = []queue.DeletionJobDelivery{{
		Handle:  "d-1",
		Attempt: 1,
		Job: queue.DeletionJob{
			Store:      queue.TargetFederated,
			ObjectType: domain.ObjectTypeSample,
			ObjectIDs:  []string{"s-1"},
			ActorID:    "user-9",
		},
	}}

	if err := drainer.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(client.calls) == 0 {
		t.Fatalf("federated worker never invoked")
	}
	if len(q.acked) != 1 {
		t.Fatalf("acked: %v", q.acked)
	}
}

func TestDrainLeavesFailedJobForRedelivery(t *testing.T) {
	drainer, q, runs, _, _, _, _ := newDrainerFixture(t)
	// Run exists but is not soft-deleted, so the precondition aborts.
	runs.add(newWorkflowRun("run-1", "sample-1", false))
	q.deliveries = []queue.DeletionJobDelivery{{
		Handle:  "d-1",
		Attempt: 1,
		Job: queue.DeletionJob{
			Store:      queue.TargetPrimary,
			ObjectType: domain.ObjectTypeWorkflowRun,
			ObjectIDs:  []string{"run-1"},
			ActorID:    "user-9",
		},
	}}

	if err := drainer.Drain(context.Background()); err == nil {
		t.Fatalf("expected drain to surface the failure")
	}
	if len(q.acked) != 0 {
		t.Fatalf("failed job must stay on the queue: %v", q.acked)
	}
}

func TestDrainDropsJobAfterMaxAttempts(t *testing.T) {
	drainer, q, runs, _, _, _, alerts := newDrainerFixture(t)
	runs.add(newWorkflowRun("run-1", "sample-1", false))
	q.deliveries = []queue.DeletionJobDelivery{{
		Handle:  "d-1",
		Attempt: maxDeliveryAttempts,
		Job: queue.DeletionJob{
			Store:      queue.TargetPrimary,
			ObjectType: domain.ObjectTypeWorkflowRun,
			ObjectIDs:  []string{"run-1"},
			ActorID:    "user-9",
		},
	}}

	if err := drainer.Drain(context.Background()); err == nil {
		t.Fatalf("dropped job still reports its error")
	}
	if len(q.acked) != 1 {
		t.Fatalf("exhausted job must be acked: %v", q.acked)
	}
	if !alerts.hasSummaryContaining("dropping primary WorkflowRun deletion job") {
		t.Fatalf("alerts: %v", alerts.summaries())
	}
}

func TestQueueEnqueuerTargetsPrimaryStore(t *testing.T) {
	q := &fakeJobQueue{}
	enqueuer, err := NewQueueEnqueuer(q)
	if err != nil {
		t.Fatalf("new enqueuer: %v", err)
	}
	if err := enqueuer.EnqueueHardDelete(context.Background(), domain.ObjectTypeWorkflowRun, []string{"run-1"}, "user-9"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued: %v", q.enqueued)
	}
	job := q.enqueued[0]
	if job.Store != queue.TargetPrimary || job.ObjectType != domain.ObjectTypeWorkflowRun || job.ActorID != "user-9" {
		t.Fatalf("job: %+v", job)
	}
}

func TestQueueEnqueuerFederatedTargetsSecondaryStore(t *testing.T) {
	q := &fakeJobQueue{}
	enqueuer, err := NewQueueEnqueuer(q)
	if err != nil {
		t.Fatalf("new enqueuer: %v", err)
	}
	if err := enqueuer.EnqueueFederatedHardDelete(context.Background(), domain.ObjectTypeSample, []string{"s-uuid-1"}, "user-9"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued: %v", q.enqueued)
	}
	job := q.enqueued[0]
	if job.Store != queue.TargetFederated || job.ObjectType != domain.ObjectTypeSample || job.ActorID != "user-9" {
		t.Fatalf("job: %+v", job)
	}
}
