package pipeline

import (
	"context"

	"github.com/edgecomet/isrengine/pkg/isr"
)

// Scope is the per-request configuration builder: a
// layout/shared handler contributes Defaults, a page/leaf handler
// contributes Set, and ResolveConfig merges them (plus any route-table
// match) in increasing precedence order. It also forwards the pipeline's
// full instance API so callers never need to hold a separate Pipeline
// reference alongside their Scope.
type Scope struct {
	pipeline   *Pipeline
	routeMatch *isr.RouteConfig
	defaults   *isr.RouteConfig
	set        *isr.RouteConfig
}

// NewScope builds a Scope for one request. routeMatch is the RouteConfig
// contributed by the route table (nil if no route matched or none is
// configured).
func (p *Pipeline) NewScope(routeMatch *isr.RouteConfig) *Scope {
	return &Scope{pipeline: p, routeMatch: routeMatch}
}

// Defaults sets the layout-level RouteConfig layer. Returns the Scope for
// chaining.
func (s *Scope) Defaults(cfg isr.RouteConfig) *Scope {
	s.defaults = &cfg
	return s
}

// Set sets the leaf-handler-level RouteConfig layer (highest precedence).
// Returns the Scope for chaining.
func (s *Scope) Set(cfg isr.RouteConfig) *Scope {
	s.set = &cfg
	return s
}

// ResolveConfig merges (route match, defaults, set) in increasing
// precedence: revalidate takes the highest-precedence non-nil
// value; tags is the deduplicated union across all contributing layers.
// Returns nil when no layer contributed anything.
func (s *Scope) ResolveConfig() *isr.RouteConfig {
	layers := []*isr.RouteConfig{s.routeMatch, s.defaults, s.set}

	var revalidate *isr.Revalidate
	var tags []string
	seen := make(map[string]struct{})
	contributed := false

	for _, layer := range layers {
		if layer == nil {
			continue
		}
		contributed = true
		if layer.Revalidate != nil {
			revalidate = layer.Revalidate
		}
		for _, tag := range layer.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}

	if !contributed {
		return nil
	}
	return &isr.RouteConfig{Revalidate: revalidate, Tags: tags}
}

// The remaining methods forward to the owning Pipeline so handlers can
// call lookup/cache/revalidate* directly off a Scope without holding a
// separate Pipeline reference.

func (s *Scope) HandleRequest(ctx context.Context, req *isr.RenderRequest, execCtx isr.ExecutionCtx) (*isr.Response, error) {
	return s.pipeline.HandleRequestWithConfig(ctx, req, s.ResolveConfig(), execCtx)
}

func (s *Scope) Lookup(ctx context.Context, req *isr.RenderRequest, execCtx isr.ExecutionCtx) (*isr.Response, error) {
	return s.pipeline.Lookup(ctx, req, execCtx)
}

func (s *Scope) Cache(ctx context.Context, req *isr.RenderRequest, result *isr.RenderResult, execCtx isr.ExecutionCtx) error {
	resolved := s.ResolveConfig()
	var cfg isr.RouteConfig
	if resolved != nil {
		cfg = *resolved
	}
	return s.pipeline.Cache(ctx, req, result, cfg, execCtx)
}

func (s *Scope) RevalidatePath(ctx context.Context, rawURL string) error {
	return s.pipeline.RevalidatePath(ctx, rawURL)
}

func (s *Scope) RevalidateTag(ctx context.Context, tag string) error {
	return s.pipeline.RevalidateTag(ctx, tag)
}
