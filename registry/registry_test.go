package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, reg Registry, plugin string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, plugin)

	hello := MethodEntry{Plugin: plugin, Method: "hello", Usage: "[name]", Description: "Greet someone"}
	hook := MethodEntry{Plugin: plugin, Method: "htlc_accepted", Hook: true}
	require.NoError(t, reg.Register(ctx, hook, 10))
	require.NoError(t, reg.Register(ctx, hello, 10))

	entries, err := reg.Discover(ctx, plugin)
	require.NoError(t, err)
	assert.Equal(t, []MethodEntry{hello, hook}, entries)

	select {
	case got := <-updates:
		assert.NotEmpty(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, plugin, "htlc_accepted"))
	require.Eventually(t, func() bool {
		entries, err := reg.Discover(ctx, plugin)
		return err == nil && len(entries) == 1 && entries[0] == hello
	}, 5*time.Second, 50*time.Millisecond)

	assert.ErrorIs(t, reg.Register(ctx, MethodEntry{Plugin: plugin}, 10), ErrInvalidEntry)
	require.NoError(t, reg.Deregister(ctx, plugin, "hello"))
}

func TestMemoryRegistry(t *testing.T) {
	exercise(t, NewMemoryRegistry(), "demo")
}

func TestMemoryWatchKeepsLatest(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx, "demo")

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Register(ctx, MethodEntry{Plugin: "demo", Method: m}, 0))
	}
	got := <-updates
	assert.Len(t, got, 3, "a slow watcher sees the newest list")

	others, err := reg.Discover(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, others)

	cancel()
	_, open := <-updates
	assert.False(t, open, "watch channel closes with its context")
}

// Needs a live etcd, e.g. PLUGIN_RPC_ETCD=127.0.0.1:2379.
func TestEtcdRegistry(t *testing.T) {
	endpoints := os.Getenv("PLUGIN_RPC_ETCD")
	if endpoints == "" {
		t.Skip("PLUGIN_RPC_ETCD not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	require.NoError(t, err)
	defer reg.Close()

	exercise(t, reg, "etcd-test")
}
