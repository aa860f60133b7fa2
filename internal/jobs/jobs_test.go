package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	counts []string
}

func (s *recordingSink) Count(job, name string, value int64, dims map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, job+"."+name)
}

func (s *recordingSink) Gauge(job, name string, value float64, dims map[string]string) {}

func TestInstrumentorEmitsStartAndFinish(t *testing.T) {
	sink := &recordingSink{}
	inst := NewInstrumentor(slog.Default(), sink, nil)

	fn := inst.Wrap(Config{Name: "sweep"}, func(ctx context.Context) error { return nil })
	if err := fn(context.Background()); err != nil {
		t.Fatalf("wrapped fn: %v", err)
	}

	want := []string{"sweep.started", "sweep.finished"}
	if len(sink.counts) != len(want) {
		t.Fatalf("counts: got %v want %v", sink.counts, want)
	}
	for i := range want {
		if sink.counts[i] != want[i] {
			t.Fatalf("counts: got %v want %v", sink.counts, want)
		}
	}
}

func TestInstrumentorFunnelsFailures(t *testing.T) {
	sink := &recordingSink{}
	var hookCfg Config
	var hookErr error
	inst := NewInstrumentor(slog.Default(), sink, func(ctx context.Context, cfg Config, err error) {
		hookCfg = cfg
		hookErr = err
	})

	boom := Invariant(errors.New("fence mismatch"))
	fn := inst.Wrap(Config{Name: "hard_delete"}, func(ctx context.Context) error { return boom })
	if err := fn(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("wrapped fn should return the original error, got %v", err)
	}
	if hookCfg.Name != "hard_delete" {
		t.Fatalf("failure hook did not fire: %+v", hookCfg)
	}
	if KindOf(hookErr) != KindInvariant {
		t.Fatalf("expected invariant kind, got %s", KindOf(hookErr))
	}
	if len(sink.counts) != 2 || sink.counts[1] != "hard_delete.failed" {
		t.Fatalf("counts: %v", sink.counts)
	}
}

func TestKindOfDefaultsToInfra(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInfra {
		t.Fatalf("got %s", got)
	}
	if got := KindOf(Transient(errors.New("blip"))); got != KindTransient {
		t.Fatalf("got %s", got)
	}
	wrapped := errors.Join(errors.New("outer"), UserError(errors.New("bad input")))
	if got := KindOf(wrapped); got != KindUser {
		t.Fatalf("got %s", got)
	}
}

func TestLoadFileAndMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	data := `jobs:
  - name: timeout_sweeper
    schedule: "@every 10m"
    lease_ttl: 15m
    batch_size: 250
    extra_dims:
      engine: sfn
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfgs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	override, ok := cfgs["timeout_sweeper"]
	if !ok {
		t.Fatalf("missing timeout_sweeper: %v", cfgs)
	}

	def := Config{Name: "timeout_sweeper", Schedule: "@every 5m", LeaseTTL: 10 * time.Minute, BatchSize: 100}
	merged := Merge(def, override, ok)
	if merged.Schedule != "@every 10m" || merged.LeaseTTL != 15*time.Minute || merged.BatchSize != 250 {
		t.Fatalf("merge: %+v", merged)
	}
	if merged.ExtraDims["engine"] != "sfn" {
		t.Fatalf("merge dims: %+v", merged.ExtraDims)
	}
}

func TestLoadFileMissingPathIsEmpty(t *testing.T) {
	cfgs, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfgs) != 0 {
		t.Fatalf("expected empty config, got %v", cfgs)
	}
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	data := `jobs:
  - name: auditor
  - name: auditor
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected duplicate error")
	}
}
