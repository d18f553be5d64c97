package cancel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_Idempotent(t *testing.T) {
	c := NewCoordinator()
	tok := c.Create("op-1")

	fired := 0
	c.RegisterHook(context.Background(), tok, func(ctx context.Context, reason string) error {
		fired++
		return nil
	})

	c.Request(context.Background(), tok, "first")
	c.Request(context.Background(), tok, "second")

	assert.True(t, tok.Requested())
	assert.Equal(t, 1, fired, "hook must fire exactly once")
	// A repeat request still refreshes the reason.
	assert.Equal(t, "second", tok.Reason())
}

func TestLink_PropagatesToChildren(t *testing.T) {
	c := NewCoordinator()
	parent := c.Create("parent")
	child := c.Create("child")
	grandchild := c.Create("grandchild")

	ctx := context.Background()
	c.Link(ctx, parent, child)
	c.Link(ctx, child, grandchild)

	c.Request(ctx, parent, "shutdown")

	assert.True(t, child.Requested())
	assert.True(t, grandchild.Requested())
	assert.Equal(t, "shutdown", grandchild.Reason())
}

func TestLink_AlreadyRequestedParent(t *testing.T) {
	c := NewCoordinator()
	parent := c.Create("parent")
	ctx := context.Background()
	c.Request(ctx, parent, "too late")

	child := c.Create("child")
	c.Link(ctx, parent, child)
	assert.True(t, child.Requested())
}

func TestRegisterHook_OnRequestedTokenFiresImmediately(t *testing.T) {
	c := NewCoordinator()
	tok := c.Create("op-1")
	ctx := context.Background()
	c.Request(ctx, tok, "gone")

	fired := false
	c.RegisterHook(ctx, tok, func(ctx context.Context, reason string) error {
		fired = true
		assert.Equal(t, "gone", reason)
		return nil
	})
	assert.True(t, fired)
}

func TestHookFailure_DoesNotBlockLocalCancellation(t *testing.T) {
	c := NewCoordinator()
	tok := c.Create("op-1")
	ctx := context.Background()
	c.RegisterHook(ctx, tok, func(ctx context.Context, reason string) error {
		return errors.New("host unreachable")
	})

	c.Request(ctx, tok, "stop")
	assert.True(t, tok.Requested())
}

func TestDone_ClosesOnRequest(t *testing.T) {
	c := NewCoordinator()
	tok := c.Create("op-1")

	select {
	case <-tok.Done():
		t.Fatal("done closed before request")
	default:
	}

	c.Request(context.Background(), tok, "stop")

	select {
	case <-tok.Done():
	default:
		t.Fatal("done not closed after request")
	}
}

func TestCreate_ReturnsExistingToken(t *testing.T) {
	c := NewCoordinator()
	a := c.Create("op-1")
	b := c.Create("op-1")
	require.Same(t, a, b)
}

func TestRelease_DropsToken(t *testing.T) {
	c := NewCoordinator()
	c.Create("op-1")
	c.Release("op-1")
	assert.Nil(t, c.Get("op-1"))
}
