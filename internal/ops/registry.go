package ops

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
	"ktrdr/internal/hostsvc"
	"ktrdr/internal/logger"
	"ktrdr/internal/pubsub"
)

// MetadataSessionKey marks a training operation whose worker runs in the
// detached host; its value is the host session id used for read-time
// amendment and the cancellation hook.
const MetadataSessionKey = "session_id"

// Registry is the in-process store of operation records and worker handles.
// All state lives behind one small mutex; the transitions it protects are
// short, so the critical section stays hot and cheap.
type Registry struct {
	events pubsub.PubSub
	host   hostsvc.Host // optional, for live training amendment

	mu      sync.Mutex
	records map[string]*Record
	tasks   map[string]context.CancelFunc
	nextSeq uint64
}

// NewRegistry creates a registry publishing events on the given pubsub.
// host may be nil when no detached training host is configured.
func NewRegistry(events pubsub.PubSub, host hostsvc.Host) *Registry {
	if events == nil {
		events = pubsub.NewMemory(nil)
	}
	return &Registry{
		events:  events,
		host:    host,
		records: make(map[string]*Record),
		tasks:   make(map[string]context.CancelFunc),
	}
}

// Create registers a new pending operation and returns its id.
func (g *Registry) Create(ctx context.Context, kind enum.OperationKind, metadata map[string]any) string {
	id := uuid.NewString()

	g.mu.Lock()
	g.nextSeq++
	rec := &Record{
		ID:        id,
		Kind:      kind,
		Status:    enum.OperationStatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  copyMap(metadata),
		seq:       g.nextSeq,
	}
	g.records[id] = rec
	g.mu.Unlock()

	logger.FromContext(ctx).Info("operation created",
		zap.String("operation_id", id),
		zap.String("kind", string(kind)))
	g.publishStatus(ctx, rec)
	return id
}

// Start transitions pending -> running and stores the worker's cancel handle.
func (g *Registry) Start(ctx context.Context, id string, cancelTask context.CancelFunc) error {
	err := g.transition(ctx, id, enum.OperationStatusRunning, func(r *Record) {
		now := time.Now().UTC()
		r.StartedAt = &now
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.tasks[id] = cancelTask
	g.mu.Unlock()
	return nil
}

// UpdateProgress records worker progress. It never blocks beyond the registry
// mutex and never fails: updates for unknown or terminal operations are
// dropped, and a regressing percentage is clamped to keep the record
// monotonic.
func (g *Registry) UpdateProgress(ctx context.Context, id string, percentage float64, currentStep string, progressCtx map[string]any) {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok || rec.Status.Terminal() {
		g.mu.Unlock()
		return
	}
	if percentage < rec.Progress.Percentage {
		percentage = rec.Progress.Percentage
	}
	if percentage > 100 {
		percentage = 100
	}
	rec.Progress = Progress{Percentage: percentage, CurrentStep: currentStep, Context: copyMap(progressCtx)}
	g.mu.Unlock()

	g.publishProgress(ctx, id, percentage, currentStep, progressCtx)
}

// Complete finalizes a running operation with its result summary.
func (g *Registry) Complete(ctx context.Context, id string, summary map[string]any) error {
	err := g.transition(ctx, id, enum.OperationStatusCompleted, func(r *Record) {
		now := time.Now().UTC()
		r.CompletedAt = &now
		r.ResultSummary = copyMap(summary)
		r.Progress.Percentage = 100
	})
	if err != nil {
		return err
	}
	g.dropTask(id)
	return nil
}

// Fail finalizes an operation with a categorized error.
func (g *Registry) Fail(ctx context.Context, id string, opErr *OperationError) error {
	err := g.transition(ctx, id, enum.OperationStatusFailed, func(r *Record) {
		now := time.Now().UTC()
		r.CompletedAt = &now
		r.Error = opErr
	})
	if err != nil {
		return err
	}
	g.dropTask(id)
	return nil
}

// MarkCancelling moves a pending or running operation into the transient
// cancelling state.
func (g *Registry) MarkCancelling(ctx context.Context, id string, reason string) error {
	return g.transition(ctx, id, enum.OperationStatusCancelling, func(r *Record) {
		r.CancellationReason = reason
	})
}

// Cancel finalizes a cancelling operation. The reason refreshes even when the
// record already carries one.
func (g *Registry) Cancel(ctx context.Context, id string, reason string) error {
	err := g.transition(ctx, id, enum.OperationStatusCancelled, func(r *Record) {
		now := time.Now().UTC()
		r.CompletedAt = &now
		if reason != "" {
			r.CancellationReason = reason
		}
	})
	if err != nil {
		return err
	}
	g.dropTask(id)
	return nil
}

// Get returns a read-only copy of the record, or nil when unknown.
//
// For a running detached-host training operation it first polls the host for
// the latest epoch/batch/metrics and folds them into the progress context —
// a read-time amendment that touches nothing but progress.
func (g *Registry) Get(ctx context.Context, id string) *Record {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	cp := rec.clone()
	g.mu.Unlock()

	if g.host != nil && cp.Kind == enum.OperationKindTraining && cp.Status == enum.OperationStatusRunning {
		if sid, ok := cp.Metadata[MetadataSessionKey].(string); ok && sid != "" {
			g.amendFromHost(ctx, cp, sid)
		}
	}
	return cp
}

func (g *Registry) amendFromHost(ctx context.Context, rec *Record, sessionID string) {
	status, err := g.host.Status(ctx, sessionID)
	if err != nil {
		logger.FromContext(ctx).Warn("live status amendment failed",
			zap.String("operation_id", rec.ID),
			zap.Error(err))
		return
	}
	if rec.Progress.Context == nil {
		rec.Progress.Context = make(map[string]any)
	}
	rec.Progress.Context["epoch_index"] = status.Epoch
	rec.Progress.Context["batch_number"] = status.Batch
	if len(status.Metrics) > 0 {
		rec.Progress.Context["epoch_metrics"] = status.Metrics
	}
	if status.GPUUsage != nil {
		rec.Progress.Context["gpu_usage"] = *status.GPUUsage
	}

	// Fold back into the stored record. Progress is the only field a read may
	// touch.
	g.UpdateProgress(ctx, rec.ID, rec.Progress.Percentage, rec.Progress.CurrentStep, rec.Progress.Context)
}

// ListResult carries one page of records plus the aggregate counts.
type ListResult struct {
	Records     []*Record
	TotalCount  int
	ActiveCount int
}

// List returns records matching the filter, newest first (created-at
// descending with a creation-sequence tie-break), paginated by limit/offset.
// TotalCount counts all matches; ActiveCount counts matches still active.
func (g *Registry) List(filter Filter, limit, offset int) ListResult {
	g.mu.Lock()
	matched := make([]*Record, 0, len(g.records))
	active := 0
	for _, rec := range g.records {
		if !filter.matches(rec) {
			continue
		}
		matched = append(matched, rec)
		if rec.Status.Active() {
			active++
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.seq > b.seq
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]*Record, 0, end-offset)
	for _, rec := range matched[offset:end] {
		page = append(page, rec.clone())
	}
	g.mu.Unlock()

	return ListResult{Records: page, TotalCount: total, ActiveCount: active}
}

// Retry creates a fresh pending operation copying the kind and metadata of a
// terminal record. The new operation is independent of the original.
func (g *Registry) Retry(ctx context.Context, id string) (string, error) {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return "", errs.New(errs.InvalidInput, "unknown operation %s", id)
	}
	if !rec.Status.Terminal() {
		g.mu.Unlock()
		return "", errs.New(errs.IllegalTransition, "cannot retry %s operation %s", rec.Status, id)
	}
	kind := rec.Kind
	metadata := copyMap(rec.Metadata)
	g.mu.Unlock()

	delete(metadata, MetadataSessionKey)
	return g.Create(ctx, kind, metadata), nil
}

// CleanupOlderThan removes terminal records completed before now-d and
// returns how many were removed. Non-terminal records are never touched.
func (g *Registry) CleanupOlderThan(d time.Duration) int {
	cutoff := time.Now().UTC().Add(-d)

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, rec := range g.records {
		if !rec.Status.Terminal() {
			continue
		}
		if rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(g.records, id)
			removed++
		}
	}
	return removed
}

// ActiveIDs returns the ids of all non-terminal operations, for shutdown.
func (g *Registry) ActiveIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, rec := range g.records {
		if rec.Status.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// transition applies a state change under the state machine's legality rules.
func (g *Registry) transition(ctx context.Context, id string, next enum.OperationStatus, apply func(*Record)) error {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return errs.New(errs.InvalidInput, "unknown operation %s", id)
	}
	if !rec.Status.CanTransitionTo(next) {
		from := rec.Status
		g.mu.Unlock()
		return errs.New(errs.IllegalTransition, "operation %s: %s -> %s", id, from, next)
	}
	rec.Status = next
	if apply != nil {
		apply(rec)
	}
	cp := rec.clone()
	g.mu.Unlock()

	logger.FromContext(ctx).Info("operation transition",
		zap.String("operation_id", id),
		zap.String("status", string(next)))
	g.publishStatus(ctx, cp)
	return nil
}

func (g *Registry) dropTask(id string) {
	g.mu.Lock()
	delete(g.tasks, id)
	g.mu.Unlock()
}

// cancelTask invokes the stored worker cancel handle, if any.
func (g *Registry) cancelTask(id string) bool {
	g.mu.Lock()
	cancelTask, ok := g.tasks[id]
	g.mu.Unlock()
	if ok && cancelTask != nil {
		cancelTask()
	}
	return ok
}

func (g *Registry) publishStatus(ctx context.Context, rec *Record) {
	ev := pubsub.OperationStatusEvent{
		Type:        pubsub.EventTypeOperationStatus,
		OperationID: rec.ID,
		Kind:        string(rec.Kind),
		Status:      string(rec.Status),
		Reason:      rec.CancellationReason,
		Timestamp:   time.Now().UTC(),
	}
	if rec.Error != nil {
		ev.Error = rec.Error.Message
	}
	_ = g.events.Publish(ctx, pubsub.TopicOperations, ev)
	_ = g.events.Publish(ctx, pubsub.OperationTopic(rec.ID), ev)
}

func (g *Registry) publishProgress(ctx context.Context, id string, pct float64, step string, progressCtx map[string]any) {
	ev := pubsub.OperationProgressEvent{
		Type:        pubsub.EventTypeOperationProgress,
		OperationID: id,
		Percentage:  pct,
		CurrentStep: step,
		Context:     progressCtx,
		Timestamp:   time.Now().UTC(),
	}
	_ = g.events.Publish(ctx, pubsub.OperationTopic(id), ev)
}
