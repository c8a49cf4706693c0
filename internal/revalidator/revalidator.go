// Package revalidator implements the background render-store-reindex path:
// single-writer-locked revalidation, path purge, and bounded-concurrency
// tag purge. It is invoked as a fire-and-forget task the request pipeline
// schedules via ExecutionCtx, never on the foreground response path.
package revalidator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	metricsserver "github.com/edgecomet/isrengine/internal/metrics"
	"github.com/edgecomet/isrengine/internal/security"
	"github.com/edgecomet/isrengine/pkg/isr"
)

// DefaultTagPurgeConcurrency bounds the number of keys a RevalidateTag call
// deletes concurrently.
const DefaultTagPurgeConcurrency = 25

// DefaultRenderTimeout is used when the caller supplies a non-positive
// foreground render timeout; background renders double it.
const DefaultRenderTimeout = 25 * time.Second

// Revalidator runs the background half of the ISR state machine: re-render,
// store, and reindex under a best-effort lock, plus path and tag purge.
type Revalidator struct {
	cache         isr.CacheLayer
	tagIndex      isr.TagIndex
	lock          isr.LockProvider
	render        isr.RenderFunc
	renderTimeout time.Duration
	metaBudget    int
	engineDefault *isr.Revalidate
	purgeWorkers  int
	nonce         string
	logger        *zap.Logger
	metrics       *metricsserver.Collector
}

// Options configures a Revalidator. RenderTimeout is the foreground budget;
// the background render doubles it.
type Options struct {
	RenderTimeout           time.Duration
	MetadataByteBudget      int
	EngineDefaultRevalidate *isr.Revalidate
	TagPurgeConcurrency     int

	// RecursionNonce is the owning pipeline's per-instance recursion-guard
	// value, injected into every background render's request. Empty leaves
	// the request's existing recursion header (if any) untouched.
	RecursionNonce string

	// Metrics, when non-nil, receives revalidation/lock/tag-purge
	// instrumentation. A nil value is a no-op on every Collector method.
	Metrics *metricsserver.Collector
}

// New builds a Revalidator. cache, tagIndex, lock, and render are required.
func New(cache isr.CacheLayer, tagIndex isr.TagIndex, lock isr.LockProvider, render isr.RenderFunc, opts Options, logger *zap.Logger) *Revalidator {
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = DefaultRenderTimeout
	}
	if opts.TagPurgeConcurrency <= 0 {
		opts.TagPurgeConcurrency = DefaultTagPurgeConcurrency
	}
	if opts.EngineDefaultRevalidate == nil {
		opts.EngineDefaultRevalidate = isr.TTL(60)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Revalidator{
		cache:         cache,
		tagIndex:      tagIndex,
		lock:          lock,
		render:        render,
		renderTimeout: opts.RenderTimeout,
		metaBudget:    opts.MetadataByteBudget,
		engineDefault: opts.EngineDefaultRevalidate,
		purgeWorkers:  opts.TagPurgeConcurrency,
		nonce:         opts.RecursionNonce,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// Revalidate runs the full background path: lock, render, resolve the
// effective revalidate value, and store entry plus tag edges. It
// never returns an error: every failure mode is logged and handled in
// place, since this is always invoked as a fire-and-forget background task
// (the pipeline's ExecutionCtx.ScheduleBackground).
func (r *Revalidator) Revalidate(ctx context.Context, key isr.StorageKey, req *isr.RenderRequest, route *isr.RouteConfig) {
	held, err := r.lock.Acquire(ctx, key)
	if err != nil {
		r.metrics.RecordLockOutcome("error")
		r.logger.Warn("revalidate: lock acquire failed, proceeding without lock",
			zap.String("key", string(key)), zap.Error(err))
	} else if held == nil {
		// Another worker is already revalidating this key; duplicate work
		// is harmless but unnecessary, so we bail out.
		r.metrics.RecordLockOutcome("busy")
		return
	} else {
		r.metrics.RecordLockOutcome("acquired")
		defer func() {
			if relErr := held.Release(context.Background()); relErr != nil {
				r.logger.Warn("revalidate: lock release failed",
					zap.String("key", string(key)), zap.Error(relErr))
			}
		}()
	}

	start := time.Now()
	renderCtx, cancel := context.WithTimeout(context.Background(), 2*r.renderTimeout)
	defer cancel()

	result, err := r.render(renderCtx, withRecursionNonce(req, r.nonce))
	if err != nil {
		// Last-known-good is preserved: the cache is left untouched so
		// STALE reads keep serving the previous entry.
		r.metrics.RecordRevalidation("render_error", time.Since(start))
		r.logger.Warn("revalidate: render failed, preserving last-known-good",
			zap.String("key", string(key)), zap.Error(err))
		return
	}

	var routeRevalidate *isr.Revalidate
	var routeTags []string
	if route != nil {
		routeRevalidate = route.Revalidate
		routeTags = route.Tags
	}

	resolved := isr.ResolveRevalidate(result.Revalidate, routeRevalidate, r.engineDefault)
	if resolved.Kind == isr.RevalidateNoStore {
		if err := r.cache.Delete(ctx, key); err != nil {
			r.logger.Warn("revalidate: no-store delete failed",
				zap.String("key", string(key)), zap.Error(err))
		}
		r.metrics.RecordRevalidation("no_store", time.Since(start))
		return
	}

	now := time.Now().UTC()
	headers := security.StripSharedCacheForbiddenHeaders(result.Headers)
	entry, fit, err := isr.BuildCacheEntry(result.Body, result.Status, headers, result.Tags, routeTags, resolved, now, r.metaBudget)
	if err != nil {
		r.logger.Warn("revalidate: entry build rejected",
			zap.String("key", string(key)), zap.Error(err))
		r.metrics.RecordRevalidation("entry_rejected", time.Since(start))
		return
	}
	if fit.Truncated {
		r.metrics.RecordMetadataTruncated()
		r.logger.Warn("revalidate: metadata truncated to fit byte budget",
			zap.String("key", string(key)), zap.Strings("dropped_tags", fit.Dropped))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.cache.Put(ctx, key, entry); err != nil {
			r.logger.Warn("revalidate: cache put failed",
				zap.String("key", string(key)), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if len(entry.Metadata.Tags) == 0 {
			return
		}
		// Tag-index failures are logged but never invalidate the cache
		// write: the entry itself is last-known-good regardless of
		// whether its tag edges made it in.
		if err := r.tagIndex.AddKeyToTags(ctx, entry.Metadata.Tags, key); err != nil {
			r.logger.Warn("revalidate: tag index update failed",
				zap.String("key", string(key)), zap.Error(err))
		}
	}()
	wg.Wait()
	r.metrics.RecordRevalidation("success", time.Since(start))
}

// withRecursionNonce returns a copy of req with the recursion header set to
// the owning pipeline's instance nonce, so the render callback's own
// re-entry into the engine (if any) is rejected at pipeline entry. An empty
// nonce (a Revalidator constructed without a pipeline) leaves the request's
// headers as-is; the pipeline has already injected its nonce before
// scheduling in that wiring.
func withRecursionNonce(req *isr.RenderRequest, nonce string) *isr.RenderRequest {
	if nonce == "" {
		return req
	}
	cloned := *req
	cloned.Header = make(map[string][]string, len(req.Header)+1)
	for k, v := range req.Header {
		cloned.Header[k] = v
	}
	cloned.Header[security.RecursionHeader] = []string{nonce}
	return &cloned
}

// RevalidatePath deletes key without re-rendering or touching the tag
// index; stale tag edges are swept lazily on the next tag purge.
func (r *Revalidator) RevalidatePath(ctx context.Context, key isr.StorageKey) error {
	return r.cache.Delete(ctx, key)
}

// RevalidateTag deletes every key carrying tag from the cache and removes
// its tag-index edge, with bounded concurrency (default 25 workers).
// Individual key failures are logged and do not abort the purge.
// A final RemoveAllKeysForTag sweep clears any residual edges the
// per-key removal missed (duplicate edges, keys it couldn't enumerate).
func (r *Revalidator) RevalidateTag(ctx context.Context, tag string) error {
	keys, err := r.tagIndex.GetKeysByTag(ctx, tag)
	if err != nil {
		r.logger.Warn("revalidate tag: could not fetch keys", zap.String("tag", tag), zap.Error(err))
		return nil
	}
	r.metrics.RecordTagPurgeFanout(len(keys))

	// Buffered channel used as a fixed-size semaphore rather than an
	// unbounded goroutine fan-out.
	sem := make(chan struct{}, r.purgeWorkers)
	var wg sync.WaitGroup
	for _, key := range keys {
		key := key
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.purgeOne(ctx, tag, key)
		}()
	}
	wg.Wait()

	if err := r.tagIndex.RemoveAllKeysForTag(ctx, tag); err != nil {
		r.logger.Warn("revalidate tag: residual edge sweep failed", zap.String("tag", tag), zap.Error(err))
	}
	return nil
}

func (r *Revalidator) purgeOne(ctx context.Context, tag string, key isr.StorageKey) {
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("revalidate tag: cache delete failed",
			zap.String("tag", tag), zap.String("key", string(key)), zap.Error(err))
	}
	if err := r.tagIndex.RemoveKeyFromTag(ctx, tag, key); err != nil {
		r.logger.Warn("revalidate tag: index edge removal failed",
			zap.String("tag", tag), zap.String("key", string(key)), zap.Error(err))
	}
}
