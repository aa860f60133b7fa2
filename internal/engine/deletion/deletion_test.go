package deletion

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/federation"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/platform/objectstore"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

// Shared hand-rolled fakes for the deletion pipeline tests.

func runKey(kind domain.RunKind, id string) string { return string(kind) + "/" + id }

type fakeRunRepo struct {
	runs        map[string]domain.Run
	destroyed   []string
	destroyFail map[string]int
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:        map[string]domain.Run{},
		destroyFail: map[string]int{},
	}
}

func (f *fakeRunRepo) add(run domain.Run) {
	f.runs[runKey(run.Kind(), run.Core().ID)] = run
}

func (f *fakeRunRepo) CreateRun(ctx context.Context, run domain.Run) error {
	f.add(run)
	return nil
}

func (f *fakeRunRepo) GetRun(ctx context.Context, kind domain.RunKind, id string) (domain.Run, error) {
	run, ok := f.runs[runKey(kind, id)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) GetRunByExecutionHandle(ctx context.Context, handle string) (domain.Run, error) {
	return nil, repo.ErrNotFound
}

func (f *fakeRunRepo) ListOverdueRuns(ctx context.Context, filter repo.OverdueFilter) ([]domain.Run, error) {
	return nil, nil
}

func (f *fakeRunRepo) FinalizeRun(ctx context.Context, kind domain.RunKind, id string, status domain.RunStatus, at time.Time) error {
	return errors.New("not implemented")
}

func (f *fakeRunRepo) TransitionResultLoadState(ctx context.Context, kind domain.RunKind, id, output string, from, to domain.ResultLoadState) (bool, error) {
	return false, nil
}

func (f *fakeRunRepo) ListStageResults(ctx context.Context, runID string) ([]domain.StageResult, error) {
	return nil, nil
}

func (f *fakeRunRepo) SoftDeletedIDs(ctx context.Context, kind domain.RunKind, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		run, ok := f.runs[runKey(kind, id)]
		if ok && run.Core().DeletedAt != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeRunRepo) SoftDeleteRuns(ctx context.Context, kind domain.RunKind, ids []string, at time.Time) error {
	for _, id := range ids {
		if run, ok := f.runs[runKey(kind, id)]; ok && run.Core().DeletedAt == nil {
			stamp := at
			run.Core().DeletedAt = &stamp
		}
	}
	return nil
}

func (f *fakeRunRepo) DestroyRun(ctx context.Context, kind domain.RunKind, id string) error {
	if remaining := f.destroyFail[id]; remaining > 0 {
		f.destroyFail[id] = remaining - 1
		return errors.New("deadlock detected")
	}
	key := runKey(kind, id)
	if _, ok := f.runs[key]; !ok {
		return repo.ErrNotFound
	}
	delete(f.runs, key)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeRunRepo) CountLiveRunsForSample(ctx context.Context, sampleID string) (int, error) {
	count := 0
	for _, run := range f.runs {
		core := run.Core()
		if core.SampleID == sampleID && !core.Deprecated {
			count++
		}
	}
	return count, nil
}

func (f *fakeRunRepo) CountUndeletedRunsForSample(ctx context.Context, sampleID string) (int, error) {
	count := 0
	for _, run := range f.runs {
		core := run.Core()
		if core.SampleID == sampleID && !core.Deprecated && core.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

type fakeSampleRepo struct {
	samples   map[string]domain.Sample
	destroyed []string
}

func newFakeSampleRepo() *fakeSampleRepo {
	return &fakeSampleRepo{samples: map[string]domain.Sample{}}
}

func (f *fakeSampleRepo) CreateSample(ctx context.Context, sample domain.Sample) error {
	f.samples[sample.ID] = sample
	return nil
}

func (f *fakeSampleRepo) GetSample(ctx context.Context, id string) (domain.Sample, error) {
	sample, ok := f.samples[id]
	if !ok {
		return domain.Sample{}, repo.ErrNotFound
	}
	return sample, nil
}

func (f *fakeSampleRepo) SoftDeletedSampleIDs(ctx context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if sample, ok := f.samples[id]; ok && sample.DeletedAt != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeSampleRepo) SoftDeleteSamples(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		if sample, ok := f.samples[id]; ok && sample.DeletedAt == nil {
			stamp := at
			sample.DeletedAt = &stamp
			f.samples[id] = sample
		}
	}
	return nil
}

func (f *fakeSampleRepo) DestroySample(ctx context.Context, id string) error {
	if _, ok := f.samples[id]; !ok {
		return repo.ErrNotFound
	}
	delete(f.samples, id)
	f.destroyed = append(f.destroyed, id)
	return nil
}

type fakeLogRepo struct {
	logs map[string]domain.DeletionLog
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{logs: map[string]domain.DeletionLog{}}
}

func logKey(objectType domain.ObjectType, objectID string) string {
	return string(objectType) + "/" + objectID
}

func (f *fakeLogRepo) CreateDeletionLog(ctx context.Context, log domain.DeletionLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	f.logs[logKey(log.ObjectType, log.ObjectID)] = log
	return nil
}

func (f *fakeLogRepo) GetDeletionLog(ctx context.Context, objectType domain.ObjectType, objectID string) (domain.DeletionLog, error) {
	log, ok := f.logs[logKey(objectType, objectID)]
	if !ok {
		return domain.DeletionLog{}, repo.ErrNotFound
	}
	return log, nil
}

func (f *fakeLogRepo) ListDeletionLogs(ctx context.Context, objectType domain.ObjectType, objectIDs []string) ([]domain.DeletionLog, error) {
	var out []domain.DeletionLog
	for _, id := range objectIDs {
		if log, ok := f.logs[logKey(objectType, id)]; ok {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeLogRepo) StampHardDeleted(ctx context.Context, objectType domain.ObjectType, objectIDs []string, at time.Time) error {
	for _, id := range objectIDs {
		key := logKey(objectType, id)
		if log, ok := f.logs[key]; ok && log.HardDeletedAt == nil {
			stamp := at
			log.HardDeletedAt = &stamp
			f.logs[key] = log
		}
	}
	return nil
}

func (f *fakeLogRepo) ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]domain.DeletionLog, error) {
	var out []domain.DeletionLog
	for _, log := range f.logs {
		if log.HardDeletedAt == nil && log.SoftDeletedAt.Before(cutoff) {
			out = append(out, log)
		}
	}
	return out, nil
}

func storesOf(runs *fakeRunRepo, samples *fakeSampleRepo, logs *fakeLogRepo) repo.Stores {
	return repo.Stores{Runs: runs, Samples: samples, Logs: logs}
}

type fakeTransactor struct {
	stores repo.Stores
}

func (f *fakeTransactor) InTx(ctx context.Context, fn func(ctx context.Context, s repo.Stores) error) error {
	return fn(ctx, f.stores)
}

type fakeAlerts struct {
	alerts []alert.Alert
}

func (f *fakeAlerts) Report(ctx context.Context, a alert.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlerts) summaries() []string {
	out := make([]string, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a.Summary)
	}
	return out
}

func (f *fakeAlerts) hasSummaryContaining(substr string) bool {
	for _, a := range f.alerts {
		if strings.Contains(a.Summary, substr) {
			return true
		}
	}
	return false
}

type enqueueCall struct {
	objectType domain.ObjectType
	ids        []string
	actorID    string
}

type fakeEnqueuer struct {
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) EnqueueHardDelete(ctx context.Context, objectType domain.ObjectType, ids []string, actorID string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, enqueueCall{objectType: objectType, ids: ids, actorID: actorID})
	return nil
}

type federationCall struct {
	op         string
	objectType federation.SecondaryObjectType
	ids        []string
}

type fakeFederationClient struct {
	calls       []federationCall
	softDeleted map[string][]string
	deleteIDs   map[string][]string
	queryErrs   []error
	deleteErrs  []error
}

func newFakeFederationClient() *fakeFederationClient {
	return &fakeFederationClient{
		softDeleted: map[string][]string{},
		deleteIDs:   map[string][]string{},
	}
}

func (f *fakeFederationClient) SoftDeletedIDs(ctx context.Context, objectType federation.SecondaryObjectType, ids []string) ([]string, error) {
	f.calls = append(f.calls, federationCall{op: "query", objectType: objectType, ids: ids})
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.softDeleted[string(objectType)], nil
}

func (f *fakeFederationClient) Delete(ctx context.Context, objectType federation.SecondaryObjectType, ids []string) ([]string, error) {
	f.calls = append(f.calls, federationCall{op: "delete", objectType: objectType, ids: ids})
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.deleteIDs[string(objectType)], nil
}

type fakeObjectStore struct {
	removedPrefixes []string
	removeFail      map[string]int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{removeFail: map[string]int{}}
}

func (f *fakeObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	return nil, objectstore.ObjectInfo{}, errors.New("not implemented")
}

func (f *fakeObjectStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, errors.New("not implemented")
}

func (f *fakeObjectStore) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	return nil, nil
}

func (f *fakeObjectStore) RemovePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	if remaining := f.removeFail[prefix]; remaining > 0 {
		f.removeFail[prefix] = remaining - 1
		return 0, errors.New("slow down")
	}
	f.removedPrefixes = append(f.removedPrefixes, prefix)
	return 1, nil
}
