// isr-gateway is a standalone caching gateway over the ISR engine: it
// terminates HTTP, answers configured routes from the cache, renders misses
// by fetching the configured upstream origin, and exposes token-guarded
// purge endpoints for on-demand invalidation by path or tag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	isrengine "github.com/edgecomet/isrengine"
	"github.com/edgecomet/isrengine/internal/isrconfig"
	"github.com/edgecomet/isrengine/internal/logging"
	metricsserver "github.com/edgecomet/isrengine/internal/metrics"
	"github.com/edgecomet/isrengine/internal/pipeline"
	"github.com/edgecomet/isrengine/internal/security"
	"github.com/edgecomet/isrengine/internal/urlutil"
	"github.com/edgecomet/isrengine/pkg/isr"
	"github.com/edgecomet/isrengine/pkg/pattern"
)

const serverName = "ISRGateway/1.0"

// adminTokenHeader carries the purge-endpoint secret; compared
// constant-time against gateway.admin_token.
const adminTokenHeader = "X-ISR-Admin-Token"

const purgePath = "/__isr/purge"

func main() {
	configPath := flag.String("c", "configs/isr-gateway.yaml", "path to configuration file")
	flag.Parse()

	initialLogger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	initialLogger.Info("Starting ISR Gateway", zap.String("config_path", *configPath))

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		initialLogger.Fatal("Failed to read configuration", zap.Error(err))
	}
	cfg, err := isrconfig.LoadEngineConfig(raw)
	if err != nil {
		initialLogger.Fatal("Failed to parse configuration", zap.Error(err))
	}
	if cfg.Gateway.Listen == "" {
		initialLogger.Fatal("gateway.listen is required")
	}
	if cfg.Gateway.Upstream == "" {
		initialLogger.Fatal("gateway.upstream is required")
	}
	upstream := strings.TrimSuffix(cfg.Gateway.Upstream, "/")

	dynamicLogger, err := logging.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()
	logger := dynamicLogger.Logger

	var collector *metricsserver.Collector
	if cfg.Metrics.Enabled {
		collector = metricsserver.NewCollector(cfg.Metrics.Namespace, logger)
	}
	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		collector,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	opts, err := pipelineOptions(&cfg.Gateway, collector)
	if err != nil {
		logger.Fatal("Invalid gateway route configuration", zap.Error(err))
	}

	fetcher := security.NewTrustedFetcher(opts.RenderTimeout)
	render := upstreamRender(fetcher, upstream, cfg.Gateway.TrustedHost, logger)

	engine, err := isrengine.NewWithBindings(
		isrengine.Bindings{Redis: &cfg.Redis},
		render,
		opts,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to construct engine", zap.Error(err))
	}
	defer engine.Close()

	gw := &gateway{
		engine:   engine,
		fetcher:  fetcher,
		upstream: upstream,
		trusted:  cfg.Gateway.TrustedHost,
		admin:    cfg.Gateway.AdminToken,
		logger:   logger,
	}

	server := &fasthttp.Server{
		Handler:                      gw.handle,
		Name:                         serverName,
		ReadTimeout:                  30 * time.Second,
		WriteTimeout:                 60 * time.Second,
		IdleTimeout:                  60 * time.Second,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultDate:                true,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(cfg.Gateway.Listen); err != nil {
			serverErrors <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	logger.Info("ISR Gateway started",
		zap.String("listen", cfg.Gateway.Listen),
		zap.String("upstream", upstream))

	dynamicLogger.SwitchToConfiguredLevel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		logger.Info("Shutting down ISR Gateway...")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		logger.Error("Server failed, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Gateway server shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("ISR Gateway stopped")
}

// pipelineOptions translates the YAML gateway section into engine options.
func pipelineOptions(gw *isrconfig.GatewayConfig, collector *metricsserver.Collector) (pipeline.Options, error) {
	opts := pipeline.Options{
		BypassToken: gw.BypassToken,
		CacheName:   gw.CacheName,
		Metrics:     collector,
	}
	if gw.DefaultRevalidate != nil {
		opts.DefaultRevalidate = isr.TTL(*gw.DefaultRevalidate)
	}
	if gw.RenderTimeoutMS > 0 {
		opts.RenderTimeout = time.Duration(gw.RenderTimeoutMS) * time.Millisecond
	}

	if len(gw.Routes) == 0 {
		return opts, nil
	}
	entries := make([]pattern.RouteEntry, 0, len(gw.Routes))
	for _, rule := range gw.Routes {
		if rule.Pattern == "" {
			return opts, fmt.Errorf("route rule with empty pattern")
		}
		cfg := isr.RouteConfig{Tags: rule.Tags}
		switch {
		case rule.Forever:
			cfg.Revalidate = isr.Forever()
		case rule.Revalidate != nil:
			cfg.Revalidate = isr.TTL(*rule.Revalidate)
		}
		entries = append(entries, pattern.RouteEntry{Pattern: rule.Pattern, Config: cfg})
	}
	opts.Routes = pattern.NewRoutes(entries...)
	return opts, nil
}

// upstreamRender builds the engine's render callback: fetch the request's
// path from the upstream origin, forwarding the (already stripped and
// nonce-carrying) headers, with the Host header validated so a hostile
// incoming Host never reaches the origin.
func upstreamRender(fetcher *security.Fetcher, upstream, trustedHost string, logger *zap.Logger) isr.RenderFunc {
	return func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
		target, host, err := upstreamTarget(upstream, trustedHost, req.URL)
		if err != nil {
			return nil, err
		}
		if incoming := urlutil.ExtractHost(req.URL); incoming != "" && !security.ValidateHost(incoming) {
			logger.Warn("render: incoming host failed validation, using fallback",
				zap.String("fallback", host))
		}

		res, err := fetcher.Fetch(target, withHost(req.Header, host))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", isr.ErrRenderFailed, err)
		}
		return &isr.RenderResult{Body: res.Body, Status: res.StatusCode, Headers: res.Header}, nil
	}
}

// upstreamTarget maps a request URL onto the upstream origin and resolves
// the Host header to forward.
func upstreamTarget(upstream, trustedHost, rawURL string) (target, host string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid request url: %w", err)
	}
	pathAndQuery := u.Path
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	if u.RawQuery != "" {
		pathAndQuery += "?" + u.RawQuery
	}
	host, _ = security.ResolveHost(u.Host, trustedHost)
	return upstream + pathAndQuery, host, nil
}

func withHost(header map[string][]string, host string) map[string][]string {
	out := make(map[string][]string, len(header)+1)
	for k, v := range header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = v
	}
	out["Host"] = []string{host}
	return out
}

// gateway is the fasthttp request handler wiring one Engine to the wire.
type gateway struct {
	engine   *isrengine.Engine
	fetcher  *security.Fetcher
	upstream string
	trusted  string
	admin    string
	logger   *zap.Logger
}

func (g *gateway) handle(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) == purgePath {
		g.handlePurge(ctx)
		return
	}

	req := requestFromCtx(ctx)
	resp, err := g.engine.HandleRequest(ctx, req, g.engine.Tasks())
	if err != nil {
		// Foreground render failures surface as a 5xx per the engine's
		// failure-semantics contract; the body stays opaque.
		g.logger.Error("request failed", zap.String("url", req.URL), zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString("upstream render failed")
		return
	}
	if resp != nil {
		writeResponse(ctx, resp)
		return
	}

	// The engine declined (non-GET/HEAD, unmatched route, busy lock):
	// transparent passthrough to the upstream.
	g.passthrough(ctx, req)
}

func (g *gateway) passthrough(ctx *fasthttp.RequestCtx, req *isr.RenderRequest) {
	target, host, err := upstreamTarget(g.upstream, g.trusted, req.URL)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	res, err := g.fetcher.Forward(req.Method, target, withHost(req.Header, host), ctx.Request.Body())
	if err != nil {
		g.logger.Error("passthrough failed", zap.String("url", req.URL), zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString("upstream unavailable")
		return
	}
	ctx.SetStatusCode(res.StatusCode)
	for name, values := range security.StripSharedCacheForbiddenHeaders(res.Header) {
		for i, v := range values {
			if i == 0 {
				ctx.Response.Header.Set(name, v)
			} else {
				ctx.Response.Header.Add(name, v)
			}
		}
	}
	ctx.SetBody(res.Body)
}

// handlePurge serves POST /__isr/purge?path=/x or ?tag=blog. Validation
// failures map to 400 with a user-safe message; everything else maps to an
// opaque 500 so storage details never leak to the wire.
func (g *gateway) handlePurge(ctx *fasthttp.RequestCtx) {
	if g.admin == "" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	token := string(ctx.Request.Header.Peek(adminTokenHeader))
	if !security.ConstantTimeEqual(token, g.admin) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		return
	}

	path := string(ctx.QueryArgs().Peek("path"))
	tag := string(ctx.QueryArgs().Peek("tag"))

	var err error
	switch {
	case path != "" && tag == "":
		err = g.engine.RevalidatePath(ctx, path)
	case tag != "" && path == "":
		err = g.engine.RevalidateTag(ctx, tag)
	default:
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("exactly one of path or tag is required")
		return
	}

	if err != nil {
		if errors.Is(err, isr.ErrValidationError) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid path or tag")
			return
		}
		g.logger.Error("purge failed",
			zap.String("path", path), zap.String("tag", tag), zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("internal error")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// requestFromCtx converts a fasthttp request into the engine's request
// shape. The URL keeps the incoming Host so key derivation and the render
// callback both see the same request the client sent.
func requestFromCtx(ctx *fasthttp.RequestCtx) *isr.RenderRequest {
	header := make(map[string][]string)
	for k, v := range ctx.Request.Header.All() {
		key := string(k)
		header[key] = append(header[key], string(v))
	}

	rawURL := "http://" + string(ctx.Host()) + string(ctx.RequestURI())
	return &isr.RenderRequest{
		Method: string(ctx.Method()),
		URL:    rawURL,
		Header: header,
	}
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *isr.Response) {
	ctx.SetStatusCode(resp.Status)
	for name, values := range resp.Header {
		for i, v := range values {
			if i == 0 {
				ctx.Response.Header.Set(name, v)
			} else {
				ctx.Response.Header.Add(name, v)
			}
		}
	}
	ctx.SetBody(resp.Body)
}
