package portalloc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/ephstore"
)

func TestAllocateAndRelease(t *testing.T) {
	ctx := context.Background()
	store := ephstore.NewFakeStore()
	a := New(store, 30000, 30010)

	p1, err := a.Allocate(ctx, "sbx-1", 3000, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p1, int64(30000))
	assert.Less(t, p1, int64(30010))

	ports, err := a.ListPorts(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, p1, ports[3000])

	require.NoError(t, a.Release(ctx, p1))
	ports, err = a.ListPorts(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestAllocateExhaustion(t *testing.T) {
	ctx := context.Background()
	store := ephstore.NewFakeStore()
	a := New(store, 30000, 30002) // range of 2

	_, err := a.Allocate(ctx, "sbx-1", 3000, time.Hour)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "sbx-2", 3000, time.Hour)
	require.NoError(t, err)

	_, err = a.Allocate(ctx, "sbx-3", 3000, time.Hour)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.NoPortsAvailable, apiErr.Kind)
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	store := ephstore.NewFakeStore()
	a := New(store, 30000, 30010)

	_, err := a.Allocate(ctx, "sbx-1", 3000, time.Hour)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "sbx-1", 4000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, a.ReleaseAll(ctx, "sbx-1"))

	ports, err := a.ListPorts(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestHostPortForIdempotence(t *testing.T) {
	ctx := context.Background()
	store := ephstore.NewFakeStore()
	a := New(store, 30000, 30010)

	p1, err := a.Allocate(ctx, "sbx-1", 3000, time.Hour)
	require.NoError(t, err)

	p2, found, err := a.HostPortFor(ctx, "sbx-1", 3000)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p1, p2)
}
