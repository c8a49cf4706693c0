// Package isrengine is the embedding surface of the ISR caching engine: it
// wires the storage and lock collaborators to the request pipeline behind
// two mutually-exclusive constructors — a shorthand path wired against the
// engine's own Redis-backed stack, and an advanced path taking
// caller-supplied storage.
package isrengine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/internal/cachelayer"
	"github.com/edgecomet/isrengine/internal/cachelayer/l1"
	"github.com/edgecomet/isrengine/internal/cachelayer/l2"
	"github.com/edgecomet/isrengine/internal/isrconfig"
	"github.com/edgecomet/isrengine/internal/lock"
	"github.com/edgecomet/isrengine/internal/pipeline"
	redisclient "github.com/edgecomet/isrengine/internal/storage/redisclient"
	"github.com/edgecomet/isrengine/internal/tagindex"
	"github.com/edgecomet/isrengine/pkg/isr"
)

// Bindings is the shorthand construction path: the caller supplies only a
// Redis connection
// and the engine wires up its own standard storage stack — an in-memory L1
// tier with a background sweeper, a Redis-hash-backed L2 tier, a
// Redis-set-backed tag index, and a Redis SETNX lock provider.
type Bindings struct {
	// Redis configures the shared connection backing L2, the tag index,
	// and the lock provider.
	Redis *isrconfig.RedisConfig

	// LockTTL overrides the lock provider's safety TTL; <= 0 uses
	// lock.DefaultTTL.
	LockTTL time.Duration

	// L1SweepInterval overrides how often the in-memory tier's background
	// sweeper scans for expired entries; <= 0 uses l1.DefaultSweepInterval.
	L1SweepInterval time.Duration
}

// Storage is the advanced construction path: the caller supplies its own
// CacheLayer,
// TagIndex, and LockProvider, for full control over persistence (e.g. a
// non-Redis backing store, or one shared with other infrastructure).
type Storage struct {
	Cache    isr.CacheLayer
	TagIndex isr.TagIndex
	Lock     isr.LockProvider
}

// Engine is the constructed, ready-to-use ISR engine: the request pipeline
// plus the tracked background-task scheduler every request path needs as
// its isr.ExecutionCtx, and (in Bindings mode) the owned Redis connection.
type Engine struct {
	*pipeline.Pipeline

	tasks       *pipeline.TaskTracker
	redisClient *redisclient.Client
	sweeper     *l1.Sweeper
	logger      *zap.Logger
}

// Tasks returns the engine's isr.ExecutionCtx implementation. Pass it as the
// execCtx argument to HandleRequest/Lookup/Cache; call Tasks().Wait() in
// tests that need to observe background work complete.
func (e *Engine) Tasks() *pipeline.TaskTracker {
	return e.tasks
}

// Close releases resources the engine owns: the L1 sweeper goroutine and,
// in Bindings mode, the Redis connection. A Storage-mode engine owns
// neither — the caller retains ownership of what it supplied — so Close is
// a no-op there.
func (e *Engine) Close() error {
	if e.sweeper != nil {
		e.sweeper.Shutdown()
	}
	if e.redisClient != nil {
		return e.redisClient.Close()
	}
	return nil
}

// NewWithBindings builds an Engine over the standard Redis-backed storage
// stack. render is required.
func NewWithBindings(bindings Bindings, render isr.RenderFunc, opts pipeline.Options, logger *zap.Logger) (*Engine, error) {
	return newEngine(&bindings, nil, render, opts, logger)
}

// NewAdvanced builds an Engine over caller-supplied storage collaborators.
// render is required.
func NewAdvanced(storage Storage, render isr.RenderFunc, opts pipeline.Options, logger *zap.Logger) (*Engine, error) {
	return newEngine(nil, &storage, render, opts, logger)
}

// newEngine is the shared constructor both public entry points delegate to.
// Passing both a non-nil bindings and a non-nil storage is rejected with
// isr.ErrConfigConflict — unreachable through the two public constructors
// themselves (each supplies exactly one), but enforced here so the
// invariant holds for any future caller of this lower-level entry point
// too.
func newEngine(bindings *Bindings, storage *Storage, render isr.RenderFunc, opts pipeline.Options, logger *zap.Logger) (*Engine, error) {
	if bindings != nil && storage != nil {
		return nil, isr.ErrConfigConflict
	}
	if render == nil {
		return nil, fmt.Errorf("isrengine: render callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		cache       isr.CacheLayer
		tagIdx      isr.TagIndex
		lockP       isr.LockProvider
		redisClient *redisclient.Client
		sweeper     *l1.Sweeper
	)

	switch {
	case storage != nil:
		if storage.Cache == nil || storage.TagIndex == nil || storage.Lock == nil {
			return nil, fmt.Errorf("isrengine: advanced storage requires Cache, TagIndex, and Lock")
		}
		cache, tagIdx, lockP = storage.Cache, storage.TagIndex, storage.Lock

	case bindings != nil:
		if bindings.Redis == nil {
			return nil, fmt.Errorf("isrengine: bindings require a Redis config")
		}

		client, err := redisclient.NewClient(bindings.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("isrengine: %w", err)
		}
		redisClient = client

		l1Layer := l1.New(logger)
		sweeper = l1.NewSweeper(l1Layer, bindings.L1SweepInterval, logger)
		sweeper.Start()

		l2Layer, err := l2.New(client, opts.MetadataByteBudget, logger)
		if err != nil {
			return nil, fmt.Errorf("isrengine: %w", err)
		}

		cache = cachelayer.New(l1Layer, l2Layer, logger)

		idx, err := tagindex.New(client, logger)
		if err != nil {
			return nil, fmt.Errorf("isrengine: %w", err)
		}
		tagIdx = idx

		lockProvider, err := lock.New(client, bindings.LockTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("isrengine: %w", err)
		}
		lockP = lockProvider

	default:
		return nil, fmt.Errorf("isrengine: either Bindings or Storage is required")
	}

	p := pipeline.New(cache, tagIdx, lockP, render, opts, logger)

	return &Engine{
		Pipeline:    p,
		tasks:       pipeline.NewTaskTracker(logger),
		redisClient: redisClient,
		sweeper:     sweeper,
		logger:      logger,
	}, nil
}
