package isrengine

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/internal/isrconfig"
	"github.com/edgecomet/isrengine/internal/pipeline"
	"github.com/edgecomet/isrengine/pkg/isr"
)

func staticRender(body string) isr.RenderFunc {
	return func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
		return &isr.RenderResult{Body: []byte(body), Status: 200}, nil
	}
}

func TestNewWithBindings_MissingRedisConfig(t *testing.T) {
	_, err := NewWithBindings(Bindings{}, staticRender("x"), pipeline.Options{}, zap.NewNop())
	require.Error(t, err)
}

func TestNewWithBindings_MissingRender(t *testing.T) {
	_, err := NewWithBindings(Bindings{Redis: &isrconfig.RedisConfig{Addr: "localhost:0"}}, nil, pipeline.Options{}, zap.NewNop())
	require.Error(t, err)
}

func TestNewWithBindings_EndToEndMissThenHit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	engine, err := NewWithBindings(
		Bindings{Redis: &isrconfig.RedisConfig{Addr: mr.Addr()}},
		staticRender("hello"),
		pipeline.Options{},
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	req := &isr.RenderRequest{Method: http.MethodGet, URL: "http://example.com/about"}

	resp, err := engine.HandleRequest(context.Background(), req, engine.Tasks())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "MISS", resp.Header["X-ISR-Status"][0])

	engine.Tasks().Wait()

	resp2, err := engine.HandleRequest(context.Background(), req, engine.Tasks())
	require.NoError(t, err)
	require.NotNil(t, resp2)
	assert.Equal(t, "HIT", resp2.Header["X-ISR-Status"][0])
}

func TestNewAdvanced_RequiresAllThreeCollaborators(t *testing.T) {
	_, err := NewAdvanced(Storage{}, staticRender("x"), pipeline.Options{}, zap.NewNop())
	require.Error(t, err)
}

type fakeCache struct {
	mu   sync.Mutex
	data map[isr.StorageKey]*isr.CacheEntry
}

func (f *fakeCache) Get(ctx context.Context, key isr.StorageKey) (isr.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}
	return isr.GetResult{Entry: entry, Status: isr.StatusHit}, nil
}

func (f *fakeCache) Put(ctx context.Context, key isr.StorageKey, entry *isr.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = entry
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key isr.StorageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

type fakeTagIndex struct{}

func (fakeTagIndex) AddKeyToTag(ctx context.Context, tag string, key isr.StorageKey) error {
	return nil
}
func (fakeTagIndex) AddKeyToTags(ctx context.Context, tags []string, key isr.StorageKey) error {
	return nil
}
func (fakeTagIndex) GetKeysByTag(ctx context.Context, tag string) ([]isr.StorageKey, error) {
	return nil, nil
}
func (fakeTagIndex) RemoveKeyFromTag(ctx context.Context, tag string, key isr.StorageKey) error {
	return nil
}
func (fakeTagIndex) RemoveAllKeysForTag(ctx context.Context, tag string) error { return nil }

type fakeLock struct{}

type fakeHandle struct{}

func (fakeHandle) Release(ctx context.Context) error { return nil }

func (fakeLock) Acquire(ctx context.Context, key isr.StorageKey) (isr.Handle, error) {
	return fakeHandle{}, nil
}

func TestNewAdvanced_BuildsEngineOverCallerStorage(t *testing.T) {
	engine, err := NewAdvanced(
		Storage{
			Cache:    &fakeCache{data: make(map[isr.StorageKey]*isr.CacheEntry)},
			TagIndex: fakeTagIndex{},
			Lock:     fakeLock{},
		},
		staticRender("advanced"),
		pipeline.Options{},
		zap.NewNop(),
	)
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	req := &isr.RenderRequest{Method: http.MethodGet, URL: "http://example.com/x"}
	resp, err := engine.HandleRequest(context.Background(), req, engine.Tasks())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "advanced", string(resp.Body))
}
