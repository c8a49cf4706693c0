package isrengine

import (
	"github.com/edgecomet/isrengine/internal/isrconfig"
	"github.com/edgecomet/isrengine/internal/pipeline"
)

// Options is the engine configuration accepted by NewWithBindings and
// NewAdvanced. Aliased here so embedders outside this module can name it
// without importing an internal package.
type Options = pipeline.Options

// RedisConfig configures the shared Redis connection in Bindings mode.
type RedisConfig = isrconfig.RedisConfig

// TaskTracker is the engine's background-task scheduler, returned by
// Engine.Tasks.
type TaskTracker = pipeline.TaskTracker

// Scope is the per-request configuration builder returned by
// Engine.NewScope.
type Scope = pipeline.Scope

// DefaultShouldCacheStatus is the default cacheable-status predicate:
// status < 500 and status != 204.
var DefaultShouldCacheStatus = pipeline.DefaultShouldCacheStatus
