package l1

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/pkg/isr"
)

func TestMemoryPutGetHit(t *testing.T) {
	m := New(zap.NewNop())
	ctx := context.Background()

	future := time.Now().Add(time.Minute)
	entry := &isr.CacheEntry{
		Body:     []byte("A"),
		Metadata: isr.CacheEntryMetadata{CreatedAt: time.Now(), RevalidateAfter: &future},
	}
	require.NoError(t, m.Put(ctx, "page:/a", entry))

	res, err := m.Get(ctx, "page:/a")
	require.NoError(t, err)
	assert.Equal(t, isr.StatusHit, res.Status)
	assert.Equal(t, []byte("A"), res.Entry.Body)
}

func TestMemoryGetMissWhenAbsent(t *testing.T) {
	m := New(zap.NewNop())
	res, err := m.Get(context.Background(), "page:/nope")
	require.NoError(t, err)
	assert.Equal(t, isr.StatusMiss, res.Status)
	assert.Nil(t, res.Entry)
}

func TestMemoryStaleClassification(t *testing.T) {
	m := New(zap.NewNop())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	entry := &isr.CacheEntry{
		Body:     []byte("stale"),
		Metadata: isr.CacheEntryMetadata{CreatedAt: past.Add(-time.Hour), RevalidateAfter: &past},
	}
	m.now = func() time.Time { return time.Now() }
	require.NoError(t, m.Put(ctx, "page:/s", entry))

	res, err := m.Get(ctx, "page:/s")
	require.NoError(t, err)
	assert.Equal(t, isr.StatusStale, res.Status)
}

func TestMemoryTTLFloorIsOneSecond(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Millisecond)
	ttl := ttlFor(isr.CacheEntryMetadata{CreatedAt: now, RevalidateAfter: &future}, now)
	assert.Equal(t, MinTTL, ttl)
}

func TestMemoryForeverTTL(t *testing.T) {
	now := time.Now()
	ttl := ttlFor(isr.CacheEntryMetadata{CreatedAt: now}, now)
	assert.Equal(t, ForeverTTL, ttl)
}

func TestMemoryLazyEvictionOnExpiredRead(t *testing.T) {
	m := New(zap.NewNop())
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	entry := &isr.CacheEntry{Body: []byte("x"), Metadata: isr.CacheEntryMetadata{CreatedAt: past}}
	require.NoError(t, m.Put(ctx, "page:/exp", entry))

	// Force the record to look expired by manipulating the clock function.
	m.now = func() time.Time { return time.Now().Add(2 * ForeverTTL) }

	res, err := m.Get(ctx, "page:/exp")
	require.NoError(t, err)
	assert.Equal(t, isr.StatusMiss, res.Status)
	assert.Equal(t, 0, m.Len())
}

func TestMemorySweepEvictsExpired(t *testing.T) {
	m := New(zap.NewNop())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, m.Put(ctx, "page:/a", &isr.CacheEntry{Metadata: isr.CacheEntryMetadata{RevalidateAfter: &past}}))

	evicted := m.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryDelete(t *testing.T) {
	m := New(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "page:/a", &isr.CacheEntry{}))
	require.NoError(t, m.Delete(ctx, "page:/a"))

	res, err := m.Get(ctx, "page:/a")
	require.NoError(t, err)
	assert.Equal(t, isr.StatusMiss, res.Status)
}
