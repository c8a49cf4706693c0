// Package pipeline implements the request-handling state machine
// (MISS/HIT/STALE/SKIP/BYPASS) and the per-request configuration Scope.
// Rendering itself is always delegated to the caller-supplied callback;
// this package owns lookup, classification, response construction, and the
// scheduling of background revalidation.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	metricsserver "github.com/edgecomet/isrengine/internal/metrics"
	"github.com/edgecomet/isrengine/internal/requestid"
	"github.com/edgecomet/isrengine/internal/revalidator"
	"github.com/edgecomet/isrengine/internal/security"
	"github.com/edgecomet/isrengine/pkg/isr"
	"github.com/edgecomet/isrengine/pkg/pattern"
)

// requestIDHeader is the correlation-ID header this module reads from an
// incoming request, falling back to generating one when absent.
const requestIDHeader = "X-Request-ID"

// DefaultShouldCacheStatus is the cacheable-status predicate used when
// Options.ShouldCacheStatus is nil. 5xx responses are transient failures
// and must not shadow a later good render; a cached 204 would serve an
// empty body as "the page".
func DefaultShouldCacheStatus(status int) bool {
	return status < 500 && status != 204
}

// Options configures a Pipeline.
type Options struct {
	// Routes is the ordered route table. Nil or empty means "cache all
	// GET/HEAD paths".
	Routes *pattern.Routes

	// DefaultRevalidate is the engine-wide fallback revalidate value used
	// when neither the render result nor the route supplies one. Nil means
	// 60 seconds.
	DefaultRevalidate *isr.Revalidate

	// RenderTimeout bounds the foreground render (default 25s); the
	// background path doubles it.
	RenderTimeout time.Duration

	// DisableLockOnMiss skips lock acquisition before a foreground MISS
	// render. The zero value locks on miss.
	DisableLockOnMiss bool

	// HideHeaders suppresses the X-ISR-Status/X-ISR-Cache-Date response
	// headers. The zero value exposes them.
	HideHeaders bool

	// ShouldCacheStatus overrides DefaultShouldCacheStatus.
	ShouldCacheStatus func(status int) bool

	// DeriveKey overrides isr.Derive (default: pathname).
	DeriveKey isr.DeriveFunc

	// BypassToken, when non-empty, enables the bypass header/cookie path.
	// Empty disables bypass entirely.
	BypassToken string

	// KeyByteBudget and MetadataByteBudget override the storage-key and
	// metadata-serialization length budgets. <= 0 uses the package
	// defaults.
	KeyByteBudget      int
	MetadataByteBudget int

	// HeaderAllowlist exempts named request headers from sensitive-header
	// stripping before a render call.
	HeaderAllowlist []string

	// CacheName namespaces every storage key, so multiple engines can
	// share one backing store without colliding. Empty means no namespace.
	CacheName string

	// Metrics, when non-nil, receives cache-result/lock/revalidation
	// instrumentation. A nil value disables metrics entirely; every
	// Collector method is a no-op on a nil receiver.
	Metrics *metricsserver.Collector
}

func (o *Options) applyDefaults() {
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = revalidator.DefaultRenderTimeout
	}
	if o.ShouldCacheStatus == nil {
		o.ShouldCacheStatus = DefaultShouldCacheStatus
	}
	if o.DeriveKey == nil {
		o.DeriveKey = isr.Derive
	}
	if o.DefaultRevalidate == nil {
		o.DefaultRevalidate = isr.TTL(60)
	}
}

// Pipeline is the unified request handler (handleRequest) plus the split
// lookup/cache entry points.
type Pipeline struct {
	cache       isr.CacheLayer
	tagIndex    isr.TagIndex
	lock        isr.LockProvider
	render      isr.RenderFunc
	revalidator *revalidator.Revalidator
	compiler    *pattern.Compiler
	opts        Options
	nonce       string
	logger      *zap.Logger
}

// New builds a Pipeline over the given storage/lock/render collaborators.
func New(cache isr.CacheLayer, tagIndex isr.TagIndex, lock isr.LockProvider, render isr.RenderFunc, opts Options, logger *zap.Logger) *Pipeline {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	nonce := newInstanceNonce()
	rv := revalidator.New(cache, tagIndex, lock, render, revalidator.Options{
		RenderTimeout:           opts.RenderTimeout,
		MetadataByteBudget:      opts.MetadataByteBudget,
		EngineDefaultRevalidate: opts.DefaultRevalidate,
		RecursionNonce:          nonce,
		Metrics:                 opts.Metrics,
	}, logger)

	return &Pipeline{
		cache:       cache,
		tagIndex:    tagIndex,
		lock:        lock,
		render:      render,
		revalidator: rv,
		compiler:    pattern.NewCompiler(),
		opts:        opts,
		nonce:       nonce,
		logger:      logger,
	}
}

// HandleRequest runs the full request state machine. A nil
// *Response (with a nil error) means the engine declined to handle the
// request; the embedding framework renders it. execCtx may be nil only if
// the caller is certain the request path never reaches a scheduling point
// (tests aside, always pass a real ExecutionCtx).
func (p *Pipeline) HandleRequest(ctx context.Context, req *isr.RenderRequest, execCtx isr.ExecutionCtx) (*isr.Response, error) {
	return p.handleRequest(ctx, req, nil, execCtx)
}

// HandleRequestWithConfig is HandleRequest with a caller-supplied
// RouteConfig that replaces the route table's match. A non-nil override
// also waives the route-match requirement: the caller has already decided
// this request is cacheable.
func (p *Pipeline) HandleRequestWithConfig(ctx context.Context, req *isr.RenderRequest, override *isr.RouteConfig, execCtx isr.ExecutionCtx) (*isr.Response, error) {
	return p.handleRequest(ctx, req, override, execCtx)
}

func (p *Pipeline) handleRequest(ctx context.Context, req *isr.RenderRequest, override *isr.RouteConfig, execCtx isr.ExecutionCtx) (*isr.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, nil
	}
	if p.carriesRecursionNonce(req) {
		return nil, nil
	}

	logger := p.requestLogger(req)

	var routeConfig isr.RouteConfig
	if override != nil {
		routeConfig = *override
	} else {
		match, err := p.matchRoute(req.URL)
		if err != nil {
			return nil, fmt.Errorf("isr: route match: %w", err)
		}
		if match == nil && p.hasRoutes() {
			return nil, nil
		}
		if match != nil {
			routeConfig = match.Config
		}
	}

	storageKey := p.storageKey(req.URL)

	if p.bypassValid(req) {
		result, err := p.render(ctx, p.strippedRequest(req))
		if err != nil {
			return nil, fmt.Errorf("isr: bypass render failed: %w", err)
		}
		return p.buildResponse(isr.ResponseBypass, result.Body, result.Status, result.Headers, nil), nil
	}

	if routeConfig.Revalidate != nil && routeConfig.Revalidate.Kind == isr.RevalidateNoStore {
		result, err := p.render(ctx, p.strippedRequest(req))
		if err != nil {
			return nil, fmt.Errorf("isr: render failed: %w", err)
		}
		if execCtx != nil {
			execCtx.ScheduleBackground(func(bgCtx context.Context) {
				if err := p.revalidator.RevalidatePath(bgCtx, storageKey); err != nil {
					logger.Warn("skip: delete failed", zap.String("key", string(storageKey)), zap.Error(err))
				}
			})
		}
		return p.buildResponse(isr.ResponseSkip, result.Body, result.Status, result.Headers, nil), nil
	}

	getRes, err := p.cache.Get(ctx, storageKey)
	if err != nil {
		logger.Warn("cache get failed, treating as MISS", zap.String("key", string(storageKey)), zap.Error(err))
		getRes = isr.GetResult{Status: isr.StatusMiss}
	}

	switch getRes.Status {
	case isr.StatusHit:
		return p.buildResponse(isr.ResponseHit, getRes.Entry.Body, getRes.Entry.Metadata.Status, getRes.Entry.Headers, getRes.Entry), nil

	case isr.StatusStale:
		if routeConfig.Revalidate != nil && routeConfig.Revalidate.Kind == isr.RevalidateForever {
			return p.buildResponse(isr.ResponseHit, getRes.Entry.Body, getRes.Entry.Metadata.Status, getRes.Entry.Headers, getRes.Entry), nil
		}
		if execCtx != nil {
			rc := routeConfig
			stripped := p.strippedRequest(req)
			execCtx.ScheduleBackground(func(bgCtx context.Context) {
				p.revalidator.Revalidate(bgCtx, storageKey, stripped, &rc)
			})
		}
		return p.buildResponse(isr.ResponseStale, getRes.Entry.Body, getRes.Entry.Metadata.Status, getRes.Entry.Headers, getRes.Entry), nil

	default:
		return p.handleMiss(ctx, storageKey, req, routeConfig, execCtx, logger)
	}
}

// requestLogger scopes the pipeline's base logger to one request, reusing
// the caller's X-Request-ID when present and minting one via
// internal/requestid otherwise, so every log line for one request carries
// the same correlation ID.
func (p *Pipeline) requestLogger(req *isr.RenderRequest) *zap.Logger {
	id := headerValue(req.Header, requestIDHeader)
	if id == "" {
		id = requestid.GenerateRequestID("")
	}
	return p.logger.With(zap.String("request_id", id))
}

// handleMiss implements the MISS branch of the state machine: optional
// lock acquisition, foreground render, revalidate resolution, and
// (cacheable-status permitting) a scheduled cache write.
func (p *Pipeline) handleMiss(ctx context.Context, storageKey isr.StorageKey, req *isr.RenderRequest, routeConfig isr.RouteConfig, execCtx isr.ExecutionCtx, logger *zap.Logger) (*isr.Response, error) {
	if !p.opts.DisableLockOnMiss && p.lock != nil {
		handle, err := p.lock.Acquire(ctx, storageKey)
		if err != nil {
			p.opts.Metrics.RecordLockOutcome("error")
			logger.Warn("miss: lock acquire failed, proceeding without lock", zap.String("key", string(storageKey)), zap.Error(err))
		} else if handle == nil {
			p.opts.Metrics.RecordLockOutcome("busy")
			return nil, nil
		} else {
			p.opts.Metrics.RecordLockOutcome("acquired")
			defer func() {
				if relErr := handle.Release(context.Background()); relErr != nil {
					logger.Warn("miss: lock release failed", zap.String("key", string(storageKey)), zap.Error(relErr))
				}
			}()
		}
	}

	renderCtx, cancel := context.WithTimeout(ctx, p.opts.RenderTimeout)
	defer cancel()
	result, err := p.render(renderCtx, p.strippedRequest(req))
	if err != nil {
		if renderCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", isr.ErrRenderTimeout, err)
		}
		return nil, fmt.Errorf("isr: render failed: %w", err)
	}

	resolved := isr.ResolveRevalidate(result.Revalidate, routeConfig.Revalidate, p.opts.DefaultRevalidate)
	if resolved.Kind == isr.RevalidateNoStore {
		if err := p.cache.Delete(ctx, storageKey); err != nil {
			logger.Warn("miss: no-store delete failed", zap.String("key", string(storageKey)), zap.Error(err))
		}
		return p.buildResponse(isr.ResponseSkip, result.Body, result.Status, result.Headers, nil), nil
	}

	if !p.opts.ShouldCacheStatus(result.Status) {
		return p.buildResponse(isr.ResponseMiss, result.Body, result.Status, result.Headers, nil), nil
	}

	now := time.Now().UTC()
	headers := security.StripSharedCacheForbiddenHeaders(result.Headers)
	entry, fit, err := isr.BuildCacheEntry(result.Body, result.Status, headers, result.Tags, routeConfig.Tags, resolved, now, p.opts.MetadataByteBudget)
	if err != nil {
		logger.Warn("miss: entry build rejected", zap.String("key", string(storageKey)), zap.Error(err))
		return p.buildResponse(isr.ResponseMiss, result.Body, result.Status, result.Headers, nil), nil
	}
	if fit.Truncated {
		p.opts.Metrics.RecordMetadataTruncated()
		logger.Warn("miss: metadata truncated to fit byte budget", zap.String("key", string(storageKey)), zap.Strings("dropped_tags", fit.Dropped))
	}

	writeEntry := func(bgCtx context.Context) {
		if err := p.cache.Put(bgCtx, storageKey, entry); err != nil {
			logger.Warn("miss: cache put failed", zap.String("key", string(storageKey)), zap.Error(err))
		}
		if len(entry.Metadata.Tags) > 0 {
			if err := p.tagIndex.AddKeyToTags(bgCtx, entry.Metadata.Tags, storageKey); err != nil {
				logger.Warn("miss: tag index update failed", zap.String("key", string(storageKey)), zap.Error(err))
			}
		}
	}
	if execCtx != nil {
		execCtx.ScheduleBackground(writeEntry)
	} else {
		writeEntry(ctx)
	}

	return p.buildResponse(isr.ResponseMiss, entry.Body, entry.Metadata.Status, entry.Headers, entry), nil
}

// Lookup performs only the HIT/STALE/MISS classification:
// no render ever happens here. A STALE result schedules background
// revalidation (when execCtx is non-nil) using a RouteConfig reconstructed
// from the entry's own stored TTL and tags, since the caller didn't supply
// one. The response's Cache-Control is overridden to a non-shareable form
// so an upstream CDN never caches it.
func (p *Pipeline) Lookup(ctx context.Context, req *isr.RenderRequest, execCtx isr.ExecutionCtx) (*isr.Response, error) {
	storageKey := p.storageKey(req.URL)

	res, err := p.cache.Get(ctx, storageKey)
	if err != nil || res.Status == isr.StatusMiss {
		return nil, nil
	}

	respStatus := isr.ResponseHit
	if res.Status == isr.StatusStale {
		respStatus = isr.ResponseStale
		if execCtx != nil {
			rc := routeConfigFromEntry(res.Entry)
			stripped := p.strippedRequest(req)
			execCtx.ScheduleBackground(func(bgCtx context.Context) {
				p.revalidator.Revalidate(bgCtx, storageKey, stripped, &rc)
			})
		}
	}

	resp := p.buildResponse(respStatus, res.Entry.Body, res.Entry.Metadata.Status, res.Entry.Headers, res.Entry)
	resp.Header["Cache-Control"] = []string{"private, no-cache"}
	return resp, nil
}

// Cache performs steps 6-8 of the MISS path against a
// framework-supplied render result, for adapters that render the response
// themselves and only want the engine to store it.
func (p *Pipeline) Cache(ctx context.Context, req *isr.RenderRequest, result *isr.RenderResult, routeConfig isr.RouteConfig, execCtx isr.ExecutionCtx) error {
	logger := p.requestLogger(req)
	storageKey := p.storageKey(req.URL)

	resolved := isr.ResolveRevalidate(result.Revalidate, routeConfig.Revalidate, p.opts.DefaultRevalidate)
	if resolved.Kind == isr.RevalidateNoStore {
		return p.cache.Delete(ctx, storageKey)
	}
	if !p.opts.ShouldCacheStatus(result.Status) {
		return nil
	}

	now := time.Now().UTC()
	headers := security.StripSharedCacheForbiddenHeaders(result.Headers)
	entry, fit, err := isr.BuildCacheEntry(result.Body, result.Status, headers, result.Tags, routeConfig.Tags, resolved, now, p.opts.MetadataByteBudget)
	if err != nil {
		return err
	}
	if fit.Truncated {
		p.opts.Metrics.RecordMetadataTruncated()
		logger.Warn("cache: metadata truncated to fit byte budget", zap.String("key", string(storageKey)), zap.Strings("dropped_tags", fit.Dropped))
	}

	writeEntry := func(bgCtx context.Context) {
		if err := p.cache.Put(bgCtx, storageKey, entry); err != nil {
			logger.Warn("cache: put failed", zap.String("key", string(storageKey)), zap.Error(err))
		}
		if len(entry.Metadata.Tags) > 0 {
			if err := p.tagIndex.AddKeyToTags(bgCtx, entry.Metadata.Tags, storageKey); err != nil {
				logger.Warn("cache: tag index update failed", zap.String("key", string(storageKey)), zap.Error(err))
			}
		}
	}
	if execCtx != nil {
		execCtx.ScheduleBackground(writeEntry)
	} else {
		writeEntry(ctx)
	}
	return nil
}

// RevalidatePath deletes the entry for rawURL's derived key. No re-render
// happens; the next request misses and renders fresh.
func (p *Pipeline) RevalidatePath(ctx context.Context, rawURL string) error {
	return p.revalidator.RevalidatePath(ctx, p.storageKey(rawURL))
}

// RevalidateTag purges every key carrying tag.
func (p *Pipeline) RevalidateTag(ctx context.Context, tag string) error {
	return p.revalidator.RevalidateTag(ctx, tag)
}

// storageKey derives the namespaced storage key for a request URL.
func (p *Pipeline) storageKey(rawURL string) isr.StorageKey {
	key := p.opts.DeriveKey(rawURL)
	if p.opts.CacheName != "" {
		key = isr.Key(p.opts.CacheName + ":" + string(key))
	}
	return isr.PageKey(key, p.opts.KeyByteBudget)
}

func (p *Pipeline) hasRoutes() bool {
	return p.opts.Routes != nil && len(p.opts.Routes.Entries) > 0
}

func (p *Pipeline) matchRoute(rawURL string) (*pattern.RouteMatch, error) {
	if !p.hasRoutes() {
		return nil, nil
	}
	path := string(isr.Normalize(rawURL))
	return p.compiler.MatchRoute(path, p.opts.Routes)
}

// carriesRecursionNonce rejects requests the engine itself generated via a
// self-render call, closing the header-spoofing cache-bypass class of bug:
// an external caller cannot guess the per-instance nonce.
func (p *Pipeline) carriesRecursionNonce(req *isr.RenderRequest) bool {
	for name, values := range req.Header {
		if !strings.EqualFold(name, security.RecursionHeader) {
			continue
		}
		for _, v := range values {
			if v == p.nonce {
				return true
			}
		}
	}
	return false
}

func (p *Pipeline) bypassValid(req *isr.RenderRequest) bool {
	if p.opts.BypassToken == "" {
		return false
	}
	token := headerValue(req.Header, security.BypassHeader)
	if token == "" {
		token = cookieValue(req.Header, security.BypassCookie)
	}
	if token == "" {
		return false
	}
	return security.ConstantTimeEqual(token, p.opts.BypassToken)
}

// strippedRequest returns the wrapped request handed to the render
// callback: sensitive headers removed, recursion nonce injected.
func (p *Pipeline) strippedRequest(req *isr.RenderRequest) *isr.RenderRequest {
	cloned := *req
	cloned.Header = security.StripSensitiveRequestHeaders(req.Header, p.opts.HeaderAllowlist)
	if cloned.Header == nil {
		cloned.Header = make(map[string][]string, 1)
	}
	cloned.Header[security.RecursionHeader] = []string{p.nonce}
	return &cloned
}

// buildResponse assembles the final *isr.Response: X-ISR-Status (unless
// HideHeaders is set), the authoritative Cache-Control, and
// X-ISR-Cache-Date (only when entry is non-nil: a response served from the
// cache, or a MISS whose freshly rendered entry is being stored; a rendered
// response that is not stored carries no cache date).
func (p *Pipeline) buildResponse(status isr.ResponseStatus, body []byte, httpStatus int, headers map[string][]string, entry *isr.CacheEntry) *isr.Response {
	p.opts.Metrics.RecordCacheResult(strings.ToLower(string(status)))

	out := make(map[string][]string, len(headers)+3)
	for k, v := range headers {
		out[k] = v
	}

	if !p.opts.HideHeaders {
		out[security.StatusHeader] = []string{string(status)}
	}

	switch status {
	case isr.ResponseBypass, isr.ResponseSkip:
		out["Cache-Control"] = []string{"no-store"}
	default:
		if entry != nil {
			out["Cache-Control"] = []string{cacheControlFor(entry.Metadata)}
			if !p.opts.HideHeaders {
				out[security.CacheDateHeader] = []string{cacheDateHeader(entry.Metadata)}
			}
		} else {
			out["Cache-Control"] = []string{"no-store"}
		}
	}

	return &isr.Response{Status: httpStatus, Body: body, Header: out}
}

// routeConfigFromEntry reconstructs a RouteConfig from a cache entry's own
// stored TTL and tags, for Lookup's STALE branch where no caller-supplied
// RouteConfig is available.
func routeConfigFromEntry(entry *isr.CacheEntry) isr.RouteConfig {
	var revalidate *isr.Revalidate
	if entry.Metadata.IsForever() {
		revalidate = isr.Forever()
	} else {
		revalidate = isr.TTL(entry.Metadata.RevalidateAfter.Sub(entry.Metadata.CreatedAt).Seconds())
	}
	return isr.RouteConfig{Revalidate: revalidate, Tags: entry.Metadata.Tags}
}
