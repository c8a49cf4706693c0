// Package pattern compiles and matches the route-pattern grammar used to
// classify an incoming request path against the caller's configured routes.
//
// Matching is first-match-wins, so precedence must be deterministic. Go's
// map iteration order is randomized, so this package takes an explicit
// ordered Routes value (a slice) instead of a map: the caller's slice order
// is the precedence order, unambiguously.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/edgecomet/isrengine/pkg/isr"
)

// MaxPatternLength is the maximum accepted pattern length.
const MaxPatternLength = 512

// Pattern is a compiled route pattern: the source string plus its compiled
// regular expression and parameter names in capture-group order.
type Pattern struct {
	Source     string
	regex      *regexp.Regexp
	paramNames []string
}

// Compile validates and compiles a route pattern:
// exact literals, `[name]` (one segment), `[...name]` (one or more
// segments), `:name` (alias for `[name]`), and a trailing `*` matching
// anything including empty. Regex metacharacters in literal positions are
// escaped. At most one catch-all construct (`[...name]` or trailing `*`) is
// allowed per pattern.
func Compile(src string) (*Pattern, error) {
	if len(src) > MaxPatternLength {
		return nil, fmt.Errorf("%w: pattern length %d exceeds max %d", isr.ErrPatternInvalid, len(src), MaxPatternLength)
	}

	core := src
	trailingWildcard := false
	if strings.HasSuffix(core, "*") && core != "*" {
		core = strings.TrimSuffix(core, "*")
		core = strings.TrimSuffix(core, "/")
		trailingWildcard = true
	} else if core == "*" {
		core = ""
		trailingWildcard = true
	}

	segments := strings.Split(core, "/")

	catchAllCount := 0
	if trailingWildcard {
		catchAllCount++
	}

	var sb strings.Builder
	sb.WriteString("^")
	var paramNames []string

	for i, seg := range segments {
		if i > 0 {
			sb.WriteString("/")
		}
		switch {
		case seg == "":
			// Leading/empty segment (root, or collapsed slash); nothing to
			// add to the regex beyond the separator already written.
		case strings.HasPrefix(seg, "[...") && strings.HasSuffix(seg, "]"):
			name := seg[4 : len(seg)-1]
			catchAllCount++
			if i != len(segments)-1 {
				return nil, fmt.Errorf("%w: catch-all %q must be the last segment", isr.ErrPatternInvalid, seg)
			}
			paramNames = append(paramNames, name)
			sb.WriteString("(.+)")
		case strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]"):
			name := seg[1 : len(seg)-1]
			paramNames = append(paramNames, name)
			sb.WriteString("([^/]+)")
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			paramNames = append(paramNames, name)
			sb.WriteString("([^/]+)")
		default:
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}

	if catchAllCount > 1 {
		return nil, fmt.Errorf("%w: at most one catch-all segment is allowed", isr.ErrPatternInvalid)
	}

	if trailingWildcard {
		sb.WriteString(".*")
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", isr.ErrPatternInvalid, err)
	}

	return &Pattern{Source: src, regex: re, paramNames: paramNames}, nil
}

// Match reports whether path satisfies the pattern and, if so, returns the
// named parameters captured from `[name]`, `[...name]`, and `:name`
// segments.
func (p *Pattern) Match(path string) (bool, map[string]string) {
	m := p.regex.FindStringSubmatch(path)
	if m == nil {
		return false, nil
	}
	if len(p.paramNames) == 0 {
		return true, nil
	}
	params := make(map[string]string, len(p.paramNames))
	for i, name := range p.paramNames {
		if i+1 < len(m) {
			params[name] = m[i+1]
		}
	}
	return true, params
}

// RouteEntry is one (pattern, config) contribution to a Routes value, in the
// precedence order the caller wants (see package doc).
type RouteEntry struct {
	Pattern string
	Config  isr.RouteConfig
}

// Routes is an ordered list of route entries. Its pointer identity is the
// cache key for compiled patterns: replacing the Routes value (not merely
// mutating it) forces fresh compilation, which is what a hot-reloaded route
// table wants.
type Routes struct {
	Entries []RouteEntry
}

// NewRoutes builds a Routes value from a variadic entry list.
func NewRoutes(entries ...RouteEntry) *Routes {
	return &Routes{Entries: entries}
}

// RouteMatch is the result of a successful MatchRoute call: the compiled
// pattern, its source string, the resolved params, and the matched route's
// RouteConfig.
type RouteMatch struct {
	Pattern *Pattern
	Source  string
	Params  map[string]string
	Config  isr.RouteConfig
}

type compiledEntry struct {
	pattern *Pattern
	config  isr.RouteConfig
}

// Compiler memoizes compiled patterns keyed by Routes pointer identity. It
// is safe for concurrent use.
type Compiler struct {
	mu    sync.Mutex
	cache map[*Routes][]compiledEntry
}

// NewCompiler returns a ready-to-use Compiler.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[*Routes][]compiledEntry)}
}

func (c *Compiler) compiled(routes *Routes) ([]compiledEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entries, ok := c.cache[routes]; ok {
		return entries, nil
	}

	entries := make([]compiledEntry, 0, len(routes.Entries))
	for _, e := range routes.Entries {
		p, err := Compile(e.Pattern)
		if err != nil {
			return nil, err
		}
		entries = append(entries, compiledEntry{pattern: p, config: e.Config})
	}
	c.cache[routes] = entries
	return entries, nil
}

// MatchRoute performs a first-match-wins linear scan over routes' entries,
// in the order the caller supplied. It returns (nil, nil) when
// nothing matches — callers that want "no routes configured means cache all
// GET/HEAD paths" should treat a nil/empty Routes specially before
// calling MatchRoute.
func (c *Compiler) MatchRoute(path string, routes *Routes) (*RouteMatch, error) {
	entries, err := c.compiled(routes)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if ok, params := e.pattern.Match(path); ok {
			return &RouteMatch{Pattern: e.pattern, Source: e.pattern.Source, Params: params, Config: e.config}, nil
		}
	}
	return nil, nil
}

// Forget drops a Routes value from the compiled-pattern cache. Not required
// for correctness (a replaced Routes pointer simply misses the cache and
// recompiles) but lets long-lived processes that churn through many
// short-lived Routes values bound memory.
func (c *Compiler) Forget(routes *Routes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, routes)
}
