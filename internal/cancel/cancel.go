// Package cancel implements token-based, hierarchically propagated
// cancellation that survives process-boundary crossings.
//
// In-process workers poll tokens at cooperative checkpoints (epoch boundaries,
// data segments, bar batches). For work in a detached host process a hook
// registered on the token pushes a stop directive through the host's own
// control channel; the in-process side finalizes only after the host confirms
// or a bounded wait expires.
package cancel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"ktrdr/internal/logger"
)

// Hook pushes a cancellation across a process boundary. Invoked once, on the
// first request, with the cancellation reason.
type Hook func(ctx context.Context, reason string) error

// Token observes the cancellation state of one operation. Workers hold tokens
// weakly; the Coordinator owns them.
type Token struct {
	id string

	mu        sync.Mutex
	requested bool
	reason    string
	done      chan struct{}
	children  []*Token
	hooks     []Hook
}

// ID returns the owning operation id.
func (t *Token) ID() string { return t.id }

// Requested reports whether cancellation has been requested. Cheap enough to
// poll at every cooperative checkpoint.
func (t *Token) Requested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requested
}

// Reason returns the most recent cancellation reason.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed on the first request, for select-based waits.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// request flips the token and refreshes its reason. On the first request it
// returns the hooks and linked children, for the caller to fire and propagate
// outside the lock; later requests return none.
func (t *Token) request(reason string) (hooks []Hook, children []*Token, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A second request is a no-op but still refreshes the reason.
	t.reason = reason
	if t.requested {
		return nil, nil, false
	}
	t.requested = true
	close(t.done)
	hooks = t.hooks
	t.hooks = nil
	children = t.children
	return hooks, children, true
}

// Coordinator issues and tracks cancellation tokens keyed by operation id.
type Coordinator struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{tokens: make(map[string]*Token)}
}

// Create issues a token for the operation. Creating a token for an id that
// already has one returns the existing token.
func (c *Coordinator) Create(operationID string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tokens[operationID]; ok {
		return t
	}
	t := &Token{id: operationID, done: make(chan struct{})}
	c.tokens[operationID] = t
	return t
}

// Get returns the token for an operation, or nil.
func (c *Coordinator) Get(operationID string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[operationID]
}

// Link makes child become requested whenever parent is. If the parent is
// already requested the child is requested immediately.
func (c *Coordinator) Link(ctx context.Context, parent, child *Token) {
	parent.mu.Lock()
	alreadyRequested := parent.requested
	reason := parent.reason
	if !alreadyRequested {
		parent.children = append(parent.children, child)
	}
	parent.mu.Unlock()

	if alreadyRequested {
		c.Request(ctx, child, reason)
	}
}

// RegisterHook attaches a boundary-crossing hook, invoked once on the first
// request. Registering on an already-requested token fires immediately.
func (c *Coordinator) RegisterHook(ctx context.Context, t *Token, hook Hook) {
	t.mu.Lock()
	if !t.requested {
		t.hooks = append(t.hooks, hook)
		t.mu.Unlock()
		return
	}
	reason := t.reason
	t.mu.Unlock()
	c.runHook(ctx, t, hook, reason)
}

// Request marks the token cancelled, fires registered hooks, and propagates
// to linked children. Idempotent: repeat requests only refresh the reason.
func (c *Coordinator) Request(ctx context.Context, t *Token, reason string) {
	hooks, children, first := t.request(reason)
	if !first {
		return
	}
	for _, h := range hooks {
		c.runHook(ctx, t, h, reason)
	}
	for _, child := range children {
		c.Request(ctx, child, reason)
	}
}

// Release drops the token after its operation reaches a terminal state.
func (c *Coordinator) Release(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, operationID)
}

// runHook invokes a boundary hook; failures surface as warnings only, the
// local cancellation proceeds regardless.
func (c *Coordinator) runHook(ctx context.Context, t *Token, hook Hook, reason string) {
	if err := hook(ctx, reason); err != nil {
		logger.FromContext(ctx).Warn("cancellation hook failed, proceeding with local cancellation",
			zap.String("operation_id", t.id),
			zap.Error(err))
	}
}
