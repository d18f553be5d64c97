package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ktrdr/internal/cancel"
	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
	"ktrdr/internal/logger"
)

// ErrCancelled is the sentinel a worker returns after observing its token and
// finishing a graceful shutdown (e.g. saving the last completed epoch).
var ErrCancelled = errors.New("operation cancelled")

// ProgressReporter lets a worker publish progress without holding any
// registry capability beyond its own operation id.
type ProgressReporter struct {
	registry *Registry
	id       string
	render   Renderer
}

// Report forwards a progress update to the registry, shaping the context map
// through the operation kind's renderer.
func (p *ProgressReporter) Report(ctx context.Context, percentage float64, currentStep string, state any) {
	var rendered map[string]any
	if p.render != nil && state != nil {
		rendered = p.render(state)
	}
	p.registry.UpdateProgress(ctx, p.id, percentage, currentStep, rendered)
}

// OperationID returns the bound operation id.
func (p *ProgressReporter) OperationID() string { return p.id }

// Worker is the unit of long-running work. It must poll tok at cooperative
// checkpoints and return ErrCancelled after a graceful stop. A nil return
// completes the operation with the returned summary.
type Worker func(ctx context.Context, reporter *ProgressReporter, tok *cancel.Token) (map[string]any, error)

// StartResult is returned to callers immediately; the work continues in the
// background.
type StartResult struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// Orchestrator binds domain services to the registry and the cancellation
// coordinator with uniform start/cancel semantics.
type Orchestrator struct {
	registry    *Registry
	coordinator *cancel.Coordinator

	// maxDurations holds the optional per-kind duration budget; on expiry the
	// operation is cancelled with reason "timeout".
	maxDurations map[enum.OperationKind]time.Duration

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator over the given registry and
// coordinator.
func NewOrchestrator(registry *Registry, coordinator *cancel.Coordinator) *Orchestrator {
	return &Orchestrator{
		registry:     registry,
		coordinator:  coordinator,
		maxDurations: make(map[enum.OperationKind]time.Duration),
	}
}

// SetMaxDuration installs a duration budget for a kind. Zero clears it.
func (o *Orchestrator) SetMaxDuration(kind enum.OperationKind, d time.Duration) {
	if d == 0 {
		delete(o.maxDurations, kind)
		return
	}
	o.maxDurations[kind] = d
}

// Registry exposes the underlying registry for read paths.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Coordinator exposes the cancellation coordinator for boundary hooks.
func (o *Orchestrator) Coordinator() *cancel.Coordinator { return o.coordinator }

// StartManagedOperation creates the record, issues the cancellation token,
// launches the worker, and returns immediately with the operation id.
func (o *Orchestrator) StartManagedOperation(ctx context.Context, kind enum.OperationKind, metadata map[string]any, worker Worker) (StartResult, error) {
	if !kind.Valid() {
		return StartResult{}, errs.New(errs.InvalidInput, "unknown operation kind %q", kind)
	}

	id := o.registry.Create(ctx, kind, metadata)
	tok := o.coordinator.Create(id)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	workCtx = logger.With(workCtx, logger.FromContext(ctx))
	workCtx = logger.WithOperation(workCtx, id)

	if err := o.registry.Start(workCtx, id, cancelWork); err != nil {
		cancelWork()
		return StartResult{}, err
	}

	if budget, ok := o.maxDurations[kind]; ok {
		o.watchTimeout(workCtx, id, tok, budget)
	}

	reporter := &ProgressReporter{registry: o.registry, id: id, render: rendererFor(kind)}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancelWork()
		o.runWorker(workCtx, id, tok, reporter, worker)
	}()

	return StartResult{OperationID: id, Status: "started"}, nil
}

// runWorker drives the worker and records exactly one terminal transition.
func (o *Orchestrator) runWorker(ctx context.Context, id string, tok *cancel.Token, reporter *ProgressReporter, worker Worker) {
	log := logger.FromContext(ctx)

	summary, err := func() (summary map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.New(errs.IllegalTransition, "worker panic: %v", r)
				log.Error("worker panicked", zap.Any("panic", r))
			}
		}()
		return worker(ctx, reporter, tok)
	}()

	switch {
	case err == nil && !tok.Requested():
		if terr := o.registry.Complete(ctx, id, summary); terr != nil {
			log.Warn("completion transition rejected", zap.Error(terr))
		}
	case errors.Is(err, ErrCancelled) || tok.Requested():
		// Graceful cancellation: the record may still be running when the
		// token was requested through a path that bypassed Cancel (timeout,
		// shutdown); mark it cancelling first.
		_ = o.registry.MarkCancelling(ctx, id, tok.Reason())
		if terr := o.registry.Cancel(ctx, id, tok.Reason()); terr != nil {
			log.Warn("cancel transition rejected", zap.Error(terr))
		}
	default:
		opErr := toOperationError(err)
		if terr := o.registry.Fail(ctx, id, opErr); terr != nil {
			log.Warn("failure transition rejected", zap.Error(terr))
		}
	}
	o.coordinator.Release(id)
}

// Cancel requests cancellation of an operation. It marks the record
// cancelling, requests the token (which fires any boundary hooks), and pokes
// the worker's context. The worker's own exit finalizes the record.
//
// Cancelling an operation that has no live worker (pending, or already fully
// detached) finalizes immediately.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*Record, error) {
	rec := o.registry.Get(ctx, id)
	if rec == nil {
		return nil, errs.New(errs.DataNotFound, "unknown operation %s", id)
	}
	if rec.Status.Terminal() {
		// Idempotent: cancelling a cancelled operation refreshes nothing but
		// succeeds observationally.
		if rec.Status == enum.OperationStatusCancelled {
			return rec, nil
		}
		return nil, errs.New(errs.IllegalTransition, "operation %s already %s", id, rec.Status)
	}

	if rec.Status != enum.OperationStatusCancelling {
		if err := o.registry.MarkCancelling(ctx, id, reason); err != nil {
			return nil, err
		}
	}

	if tok := o.coordinator.Get(id); tok != nil {
		o.coordinator.Request(ctx, tok, reason)
	}

	hadWorker := o.registry.cancelTask(id)
	if !hadWorker {
		if err := o.registry.Cancel(ctx, id, reason); err != nil {
			return nil, err
		}
	}
	return o.registry.Get(ctx, id), nil
}

// Shutdown cancels every non-terminal operation with reason "shutdown" and
// waits for workers to drain, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, id := range o.registry.ActiveIDs() {
		if _, err := o.Cancel(ctx, id, "shutdown"); err != nil {
			logger.FromContext(ctx).Warn("shutdown cancellation failed",
				zap.String("operation_id", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// watchTimeout requests cancellation with reason "timeout" when the duration
// budget expires before the operation finishes.
func (o *Orchestrator) watchTimeout(ctx context.Context, id string, tok *cancel.Token, budget time.Duration) {
	timer := time.NewTimer(budget)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-tok.Done():
		case <-timer.C:
			if _, err := o.Cancel(ctx, id, string(errs.Timeout)); err != nil {
				logger.FromContext(ctx).Warn("timeout cancellation failed",
					zap.String("operation_id", id), zap.Error(err))
			}
		}
	}()
}

// toOperationError shapes any worker error into the record's error payload,
// preserving the category of categorized errors.
func toOperationError(err error) *OperationError {
	var e *errs.Error
	if errors.As(err, &e) {
		return &OperationError{Message: e.Message, Category: e.Category, Detail: e.Detail}
	}
	return &OperationError{Message: fmt.Sprintf("%v", err), Category: errs.StorageError}
}
