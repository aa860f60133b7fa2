// Package notifications consumes status events from the external execution
// engine and drives each run to its terminal state. The queue is the retry
// path: a message is only acknowledged after the corresponding run mutation
// has been persisted, so crashes and transient failures surface as
// redeliveries rather than lost events.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/engine/results"
	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
	"github.com/arcadia-bio/arcadia-go/internal/queue"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 10
)

// RunStore is the slice of the run repository the handler needs.
type RunStore interface {
	GetRunByExecutionHandle(ctx context.Context, handle string) (domain.Run, error)
	FinalizeRun(ctx context.Context, kind domain.RunKind, id string, status domain.RunStatus, at time.Time) error
}

// Handler turns queue deliveries into run state transitions.
type Handler struct {
	logger       *slog.Logger
	sink         metrics.Sink
	runs         RunStore
	queue        queue.Queue
	loader       *results.Loader
	stageOutputs map[string][]string
	onFailure    func(ctx context.Context, err error)

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
}

// Option adjusts a Handler at construction time.
type Option func(*Handler)

func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

// WithFailureHook installs the hook invoked for every delivery that could not
// be handled. The message is left unacknowledged regardless.
func WithFailureHook(fn func(ctx context.Context, err error)) Option {
	return func(h *Handler) { h.onFailure = fn }
}

func NewHandler(logger *slog.Logger, sink metrics.Sink, runs RunStore, q queue.Queue, loader *results.Loader, stageOutputs map[string][]string, opts ...Option) (*Handler, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if loader == nil {
		return nil, errors.New("result loader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	h := &Handler{
		logger:       logger,
		sink:         sink,
		runs:         runs,
		queue:        q,
		loader:       loader,
		stageOutputs: stageOutputs,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run consumes until the context is canceled. Messages are handled one at a
// time; scale horizontally by running more consumer processes.
func (h *Handler) Run(ctx context.Context) error {
	if h == nil {
		return errors.New("handler not initialized")
	}
	h.logger.Info("notification consumer started", "batch_size", h.batchSize, "poll_interval", h.pollInterval)
	for {
		deliveries, err := h.queue.Receive(ctx, h.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Error("receive notifications", "error", err)
			h.sink.Count("notification_handler", "receive_errors", 1, nil)
			if !h.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		for _, d := range deliveries {
			if err := h.HandleOne(ctx, d); err != nil {
				h.logger.Error("handle notification", "handle", d.Message.ExecutionHandle, "attempt", d.Attempt, "error", err)
				h.sink.Count("notification_handler", "failed", 1, nil)
				if h.onFailure != nil {
					h.onFailure(ctx, err)
				}
			}
		}
		if len(deliveries) == 0 {
			if !h.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

// HandleOne applies a single delivery. A nil return means the message was
// fully handled and acknowledged; an error leaves it on the queue for
// redelivery after the visibility timeout.
func (h *Handler) HandleOne(ctx context.Context, d queue.Delivery) error {
	if h == nil {
		return errors.New("handler not initialized")
	}
	msg := d.Message
	if err := msg.Validate(); err != nil {
		// A malformed message will never become valid; drop it instead of
		// letting it cycle through redelivery forever.
		h.logger.Warn("dropping malformed notification", "error", err)
		h.sink.Count("notification_handler", "dropped_malformed", 1, nil)
		return h.ack(ctx, d.Handle)
	}

	run, err := h.runs.GetRunByExecutionHandle(ctx, msg.ExecutionHandle)
	if errors.Is(err, repo.ErrNotFound) {
		h.logger.Info("dropping notification for unknown run", "execution_handle", msg.ExecutionHandle)
		h.sink.Count("notification_handler", "dropped_unknown", 1, nil)
		return h.ack(ctx, d.Handle)
	}
	if err != nil {
		return fmt.Errorf("look up run by handle %q: %w", msg.ExecutionHandle, err)
	}

	if msg.IsStageEvent() {
		return h.handleStage(ctx, d, run)
	}
	return h.handleStatus(ctx, d, run)
}

// handleStage dispatches the result loader for the completed stage's outputs.
// Stage events never finalize; events that arrive after the run latched are
// dropped because their artifacts are already deletion candidates.
func (h *Handler) handleStage(ctx context.Context, d queue.Delivery, run domain.Run) error {
	core := run.Core()
	stage := strings.TrimSpace(d.Message.CompletedStage)
	if run.IsFinalized() {
		h.logger.Info("dropping stage event for finalized run", "run_id", core.ID, "stage", stage)
		h.sink.Count("notification_handler", "dropped_finalized", 1, nil)
		return h.ack(ctx, d.Handle)
	}

	outputs, ok := h.stageOutputs[stage]
	if !ok {
		h.logger.Warn("no outputs mapped for stage", "run_id", core.ID, "stage", stage)
		h.sink.Count("notification_handler", "dropped_unmapped_stage", 1, nil)
		return h.ack(ctx, d.Handle)
	}

	for _, output := range outputs {
		if err := h.loader.Load(ctx, run, output); err != nil {
			// Leave the message on the queue; the failed output is
			// re-claimable and the loaded ones are no-ops on redelivery.
			return fmt.Errorf("stage %q: %w", stage, err)
		}
	}
	h.sink.Count("notification_handler", "stage_loaded", 1, nil)
	return h.ack(ctx, d.Handle)
}

// handleStatus finalizes the run when the reported status is terminal. The
// latch in the repository makes this effectively once: a concurrent or
// redelivered finalize surfaces as ErrStaleState and is treated as done.
func (h *Handler) handleStatus(ctx context.Context, d queue.Delivery, run domain.Run) error {
	core := run.Core()
	status := domain.NormalizeRunStatus(d.Message.Status)

	if run.IsFinalized() {
		h.logger.Info("dropping status for finalized run", "run_id", core.ID, "status", string(status))
		h.sink.Count("notification_handler", "dropped_finalized", 1, nil)
		return h.ack(ctx, d.Handle)
	}
	if !status.IsTerminal() {
		h.logger.Debug("interim status", "run_id", core.ID, "status", string(status))
		return h.ack(ctx, d.Handle)
	}

	if status.IsFailureLike() {
		if loaded := h.loader.LoadAvailable(ctx, run); len(loaded) > 0 {
			h.logger.Info("loaded partial results for failed run", "run_id", core.ID, "outputs", loaded)
		}
	} else if err := h.loader.LoadAll(ctx, run); err != nil {
		// Best effort: the run still latches. Failed outputs stay
		// re-claimable and the gap is visible in the load states.
		h.logger.Error("result load incomplete for succeeded run", "run_id", core.ID, "error", err)
		h.sink.Count("notification_handler", "load_incomplete", 1, nil)
	}

	err := h.runs.FinalizeRun(ctx, run.Kind(), core.ID, status, h.now())
	switch {
	case errors.Is(err, repo.ErrStaleState):
		// Another writer latched first; the run is terminal either way.
		h.logger.Info("run already finalized", "run_id", core.ID)
	case err != nil:
		return fmt.Errorf("finalize run %s as %s: %w", core.ID, status, err)
	default:
		h.logger.Info("run finalized", "run_id", core.ID, "kind", string(run.Kind()), "status", string(status))
		h.sink.Count("notification_handler", "finalized", 1, map[string]string{"status": string(status)})
	}
	return h.ack(ctx, d.Handle)
}

func (h *Handler) ack(ctx context.Context, handle string) error {
	err := h.queue.Ack(ctx, handle)
	if errors.Is(err, queue.ErrUnknownDelivery) {
		// Visibility timeout elapsed mid-handling; the redelivered copy will
		// no-op against the already-persisted state.
		h.logger.Warn("ack raced visibility timeout", "handle", handle)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack delivery %s: %w", handle, err)
	}
	return nil
}

func (h *Handler) sleep(ctx context.Context) bool {
	t := time.NewTimer(h.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
