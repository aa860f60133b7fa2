// Package results pulls per-output artifacts produced by a run from object
// storage into the primary store, tracking load state per output so message
// redelivery cannot double-apply an output.
package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/platform/objectstore"
)

// ErrUnknownOutput is returned when no loader is registered for an output.
var ErrUnknownOutput = errors.New("unknown output")

// LoadFunc persists one output artifact into the primary store.
type LoadFunc func(ctx context.Context, run domain.Run, output string, body io.Reader) error

// RunStore is the slice of the run repository the loader needs.
type RunStore interface {
	TransitionResultLoadState(ctx context.Context, kind domain.RunKind, id, output string, from, to domain.ResultLoadState) (bool, error)
}

type Loader struct {
	logger *slog.Logger
	runs   RunStore
	store  objectstore.Store
	bucket string
	// loadFns maps output name to its loader; resolved at construction, not
	// by name at dispatch time.
	loadFns map[string]LoadFunc
}

func NewLoader(logger *slog.Logger, runs RunStore, store objectstore.Store, bucket string, loadFns map[string]LoadFunc) (*Loader, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if len(loadFns) == 0 {
		return nil, errors.New("at least one load func is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:  logger,
		runs:    runs,
		store:   store,
		bucket:  bucket,
		loadFns: loadFns,
	}, nil
}

// OutputKey is the object-store key of one output artifact.
func OutputKey(runID, output string) string {
	return path.Join("runs", runID, output)
}

// OutputPrefix covers every artifact of a run; the hard-delete worker removes
// this prefix.
func OutputPrefix(runID string) string {
	return path.Join("runs", runID) + "/"
}

// Load moves one output through not_loaded -> loading -> loaded. Outputs
// already loaded (or being loaded by a concurrent worker) are a no-op; a
// previously failed output is retried. The error is returned to the caller so
// its own failure path fires.
func (l *Loader) Load(ctx context.Context, run domain.Run, output string) error {
	if l == nil {
		return errors.New("loader not initialized")
	}
	output = strings.TrimSpace(output)
	fn, ok := l.loadFns[output]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOutput, output)
	}
	core := run.Core()

	claimed, err := l.runs.TransitionResultLoadState(ctx, run.Kind(), core.ID, output, domain.ResultNotLoaded, domain.ResultLoading)
	if err != nil {
		return fmt.Errorf("claim output %q: %w", output, err)
	}
	if !claimed {
		// Not fresh: retry a failed output, otherwise the redelivered
		// message already did its work.
		claimed, err = l.runs.TransitionResultLoadState(ctx, run.Kind(), core.ID, output, domain.ResultFailed, domain.ResultLoading)
		if err != nil {
			return fmt.Errorf("reclaim output %q: %w", output, err)
		}
		if !claimed {
			l.logger.Info("output already loaded or loading", "run_id", core.ID, "output", output)
			return nil
		}
	}

	if err := l.loadOne(ctx, run, output, fn); err != nil {
		if _, terr := l.runs.TransitionResultLoadState(ctx, run.Kind(), core.ID, output, domain.ResultLoading, domain.ResultFailed); terr != nil {
			l.logger.Error("mark output failed", "run_id", core.ID, "output", output, "error", terr)
		}
		return fmt.Errorf("load output %q for run %s: %w", output, core.ID, err)
	}

	applied, err := l.runs.TransitionResultLoadState(ctx, run.Kind(), core.ID, output, domain.ResultLoading, domain.ResultLoaded)
	if err != nil {
		return fmt.Errorf("mark output loaded: %w", err)
	}
	if !applied {
		l.logger.Warn("output state moved underneath loader", "run_id", core.ID, "output", output)
	}
	return nil
}

func (l *Loader) loadOne(ctx context.Context, run domain.Run, output string, fn LoadFunc) error {
	key := OutputKey(run.Core().ID, output)
	body, _, err := l.store.Get(ctx, l.bucket, key)
	if err != nil {
		return fmt.Errorf("fetch artifact %q: %w", key, err)
	}
	defer body.Close()
	return fn(ctx, run, output, body)
}

// Outputs lists the registered output names.
func (l *Loader) Outputs() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.loadFns))
	for name := range l.loadFns {
		names = append(names, name)
	}
	return names
}

// LoadAvailable loads whatever outputs already have an artifact present,
// isolating per-output failures. Used for best-effort partial loading when a
// run ends badly. Returns the names that loaded.
func (l *Loader) LoadAvailable(ctx context.Context, run domain.Run) []string {
	if l == nil {
		return nil
	}
	core := run.Core()
	loaded := make([]string, 0, len(l.loadFns))
	for output := range l.loadFns {
		key := OutputKey(core.ID, output)
		if _, err := l.store.Stat(ctx, l.bucket, key); err != nil {
			continue
		}
		if err := l.Load(ctx, run, output); err != nil {
			l.logger.Warn("partial load failed", "run_id", core.ID, "output", output, "error", err)
			continue
		}
		loaded = append(loaded, output)
	}
	return loaded
}

// LoadAll loads every registered output, isolating per-output failures and
// returning them joined. Used on clean SUCCEEDED terminals.
func (l *Loader) LoadAll(ctx context.Context, run domain.Run) error {
	if l == nil {
		return errors.New("loader not initialized")
	}
	var errs []error
	for output := range l.loadFns {
		if err := l.Load(ctx, run, output); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
