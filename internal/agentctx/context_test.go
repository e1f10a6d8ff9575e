package agentctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/agentctx"
)

func TestStoreLoadAndDelete(t *testing.T) {
	c := agentctx.New[string](context.Background())

	_, ok := c.Load("vault")
	require.False(t, ok)

	c.Store("vault", 42)
	v, ok := c.Load("vault")
	require.True(t, ok)
	require.Equal(t, 42, v)

	c.Delete("vault")
	_, ok = c.Load("vault")
	require.False(t, ok)
}

func TestStoreNilValueDeletes(t *testing.T) {
	c := agentctx.New[string](context.Background())
	c.Store("k", 1)
	c.Store("k", nil)
	_, ok := c.Load("k")
	require.False(t, ok)
}

func TestLoadOrStore(t *testing.T) {
	c := agentctx.New[string](context.Background())

	v, loaded := c.LoadOrStore("k", 1)
	require.False(t, loaded)
	require.Equal(t, 1, v)

	v, loaded = c.LoadOrStore("k", 2)
	require.True(t, loaded)
	require.Equal(t, 1, v)
}

func TestWalkStopsEarly(t *testing.T) {
	c := agentctx.New[string](context.Background())
	c.Store("a", 1)
	c.Store("b", 2)
	c.Store("c", 3)

	seen := 0
	c.Walk(func(_ string, _ interface{}) bool {
		seen++
		return false
	})
	require.Equal(t, 1, seen)
}

func TestCloneIsIndependent(t *testing.T) {
	c := agentctx.New[string](context.Background())
	c.Store("k", 1)

	clone := c.Clone(nil)
	clone.Store("k", 2)

	v, _ := c.Load("k")
	require.Equal(t, 1, v)

	v, _ = clone.Load("k")
	require.Equal(t, 2, v)
}

func TestCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := agentctx.New[string](ctx)
	cancel()

	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() to be closed after cancel")
	}
}
