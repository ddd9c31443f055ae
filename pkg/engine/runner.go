package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/guildtools/guildsync/pkg/tenantlock"
)

var tracer = otel.Tracer("guildsync/engine")

// ErrAlreadyRunning is returned when a run is rejected because another run
// already owns the (tenant, job kind) pair in this process.
var ErrAlreadyRunning = errors.New("a run for this tenant and job kind is already in progress")

// Result summarizes a completed run.
type Result struct {
	RunID     string
	Total     int
	Processed int
	FailedIDs []string
	Resumed   bool
}

// Runner drives one bulk synchronization job: it acquires the tenant lock,
// loads any checkpoint, resolves the outstanding item set, processes items
// sequentially with a durable checkpoint write after each one, reports
// progress on a cadence, and clears the checkpoint on completion. The lock
// is released on every exit path.
//
// Items are processed one at a time on purpose. The remote side imposes a
// global rate limit shared across all items, so parallel dispatch would buy
// nothing without a token-bucket layer the engine does not need.
type Runner[T Item] struct {
	tenantID     string
	kind         JobKind
	locks        *tenantlock.Registry
	checkpoints  CheckpointStore
	source       PagedSource[T]
	synchronizer Synchronizer[T]
	notifier     Notifier
	stride       int
	saveEvery    int
	retryFailed  bool
}

type RunnerOpt[T Item] func(*Runner[T])

// WithNotifier attaches an operator notification sink. Without one the run
// is silent but otherwise unchanged.
func WithNotifier[T Item](n Notifier) RunnerOpt[T] {
	return func(r *Runner[T]) {
		r.notifier = n
	}
}

// WithStride sets how many items are processed between progress reports.
func WithStride[T Item](n int) RunnerOpt[T] {
	return func(r *Runner[T]) {
		if n > 0 {
			r.stride = n
		}
	}
}

// WithSaveEvery batches checkpoint persistence to every n items. The default
// of 1 loses at most one item's worth of work on a crash; larger values
// trade crash-recovery precision for throughput.
func WithSaveEvery[T Item](n int) RunnerOpt[T] {
	return func(r *Runner[T]) {
		if n > 0 {
			r.saveEvery = n
		}
	}
}

// WithRetryFailed seeds the run with the previous checkpoint's failed items:
// they are removed from the processed set before the outstanding item set is
// resolved, so this run attempts them again. Failed items are never retried
// automatically.
func WithRetryFailed[T Item]() RunnerOpt[T] {
	return func(r *Runner[T]) {
		r.retryFailed = true
	}
}

func NewRunner[T Item](
	tenantID string,
	kind JobKind,
	locks *tenantlock.Registry,
	checkpoints CheckpointStore,
	source PagedSource[T],
	synchronizer Synchronizer[T],
	opts ...RunnerOpt[T],
) (*Runner[T], error) {
	if tenantID == "" {
		return nil, errors.New("a tenant id is required")
	}
	if locks == nil || checkpoints == nil || source == nil || synchronizer == nil {
		return nil, errors.New("a lock registry, checkpoint store, source, and synchronizer are required")
	}

	r := &Runner[T]{
		tenantID:     tenantID,
		kind:         kind,
		locks:        locks,
		checkpoints:  checkpoints,
		source:       source,
		synchronizer: synchronizer,
		stride:       defaultStride,
		saveEvery:    1,
	}

	for _, o := range opts {
		o(r)
	}

	return r, nil
}

// Run executes the job to completion. It returns ErrAlreadyRunning if the
// tenant lock is held. On a fatal precondition or enumeration failure the
// run aborts with an error and any existing checkpoint is left intact so the
// next invocation resumes where this one stopped.
func (r *Runner[T]) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Runner.Run")
	defer span.End()

	runID := ksuid.New().String()
	l := ctxzap.Extract(ctx).With(
		zap.String("run_id", runID),
		zap.String("tenant_id", r.tenantID),
		zap.String("job_kind", string(r.kind)),
	)
	ctx = ctxzap.ToContext(ctx, l)

	if !r.locks.TryAcquire(r.tenantID, string(r.kind)) {
		l.Info("run rejected, job already in progress")
		r.notify(ctx, fmt.Sprintf("%s is already running for this server.", r.synchronizer.Describe()))
		return nil, ErrAlreadyRunning
	}
	defer r.locks.Release(r.tenantID, string(r.kind))

	if err := r.synchronizer.Validate(ctx); err != nil {
		l.Error("fatal precondition failed", zap.Error(err))
		r.notify(ctx, fmt.Sprintf("%s aborted: %v", r.synchronizer.Describe(), err))
		return nil, fmt.Errorf("validating preconditions for %s: %w", r.kind, err)
	}

	cp, err := r.checkpoints.LoadCheckpoint(ctx, r.tenantID, r.kind)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	resumed := cp != nil
	if cp == nil {
		cp = NewCheckpoint(r.tenantID, r.kind)
	} else {
		l.Info("resuming from checkpoint",
			zap.Int("processed", cp.Processed.Cardinality()),
			zap.Int("failed", cp.Failed.Cardinality()),
			zap.Time("checkpoint_updated_at", cp.UpdatedAt),
		)
		if r.retryFailed {
			cp.Processed = cp.Processed.Difference(cp.Failed)
			cp.Failed = mapset.NewSet[string]()
		}
	}

	items, err := r.source.Enumerate(ctx)
	if err != nil {
		l.Error("enumeration failed", zap.Error(err))
		r.notify(ctx, fmt.Sprintf("%s aborted: the item listing could not be completed. Progress so far is saved.", r.synchronizer.Describe()))
		return nil, fmt.Errorf("enumerating items for %s: %w", r.kind, err)
	}

	total := len(items)
	remaining := make([]T, 0, total)
	for _, item := range items {
		if !cp.Processed.Contains(item.ItemID()) {
			remaining = append(remaining, item)
		}
	}
	done := total - len(remaining)

	l.Info("processing items", zap.Int("total", total), zap.Int("remaining", len(remaining)))

	reporter := NewProgressReporter(r.notifier, r.synchronizer.Describe(), r.stride)

	processedThisRun := 0
	for _, item := range remaining {
		if err := ctx.Err(); err != nil {
			// Persist whatever a batched cadence has not written yet, then
			// leave the checkpoint in place for the next invocation.
			if processedThisRun > 0 {
				if serr := r.saveCheckpoint(ctx, cp); serr != nil {
					l.Warn("failed to persist checkpoint during shutdown", zap.Error(serr))
				}
			}
			return nil, err
		}

		if perr := r.synchronizer.Process(ctx, item); perr != nil {
			l.Warn("item failed", zap.String("item_id", item.ItemID()), zap.Error(perr))
			cp.MarkFailed(item.ItemID())
		} else {
			cp.MarkProcessed(item.ItemID())
		}
		done++
		processedThisRun++

		if processedThisRun%r.saveEvery == 0 {
			if err := r.saveCheckpoint(ctx, cp); err != nil {
				return nil, fmt.Errorf("saving checkpoint: %w", err)
			}
		}

		reporter.Report(ctx, done, cp.Failed.Cardinality(), total)
	}

	if err := r.checkpoints.ClearCheckpoint(ctx, r.tenantID, r.kind); err != nil {
		return nil, fmt.Errorf("clearing checkpoint: %w", err)
	}

	reporter.Report(ctx, total, cp.Failed.Cardinality(), total)

	failedIDs := cp.Failed.ToSlice()
	sort.Strings(failedIDs)

	l.Info("run complete", zap.Int("total", total), zap.Int("failed", len(failedIDs)))

	return &Result{
		RunID:     runID,
		Total:     total,
		Processed: total,
		FailedIDs: failedIDs,
		Resumed:   resumed,
	}, nil
}

func (r *Runner[T]) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return r.checkpoints.SaveCheckpoint(ctx, cp)
}

func (r *Runner[T]) notify(ctx context.Context, text string) {
	if r.notifier == nil {
		return
	}
	if _, err := r.notifier.SendMessage(ctx, text); err != nil {
		ctxzap.Extract(ctx).Debug("failed to send notification", zap.Error(err))
	}
}
