package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/internal/isrconfig"
	redisclient "github.com/edgecomet/isrengine/internal/storage/redisclient"
)

func setupTestProvider(t *testing.T, ttl time.Duration) (*Provider, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redisclient.NewClient(&isrconfig.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	p, err := New(client, ttl, zap.NewNop())
	require.NoError(t, err)
	return p, mr
}

func TestAcquireSucceedsWhenFree(t *testing.T) {
	p, _ := setupTestProvider(t, time.Minute)
	h, err := p.Acquire(context.Background(), "page:/a")
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestAcquireFailsWhenHeld(t *testing.T) {
	p, _ := setupTestProvider(t, time.Minute)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	require.NotNil(t, h1)

	h2, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	assert.Nil(t, h2)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	p, _ := setupTestProvider(t, time.Minute)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	require.NoError(t, h1.Release(ctx))

	h2, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestLockExpiresViaTTL(t *testing.T) {
	p, mr := setupTestProvider(t, time.Second)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	require.NotNil(t, h1)

	mr.FastForward(2 * time.Second)

	h2, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	assert.NotNil(t, h2)
}

func TestReleaseIdempotent(t *testing.T) {
	p, _ := setupTestProvider(t, time.Minute)
	ctx := context.Background()

	h, err := p.Acquire(ctx, "page:/a")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
}
