// Package isrconfig holds the configuration types shared across the engine
// and the gateway binary: logging, Redis, metrics, and the gateway's own
// section, plus the strict YAML decoder used to load them.
package isrconfig

// Log level constants.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// LogConfig configures the engine's logger.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

// ConsoleLogConfig configures the stdout logging core.
type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

// FileLogConfig configures the rotating file logging core.
type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig configures lumberjack-based log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// RedisConfig configures the Redis connection backing the L2 cache, tag
// index, and lock provider.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig configures the ambient Prometheus metrics server. Metrics
// always run on their own listener, separate from whatever server embeds
// the engine.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// RouteRule is one route-table entry in a gateway config file. Revalidate
// is seconds; 0 or negative means no-store. Forever wins over Revalidate
// when both are set. Neither set means "inherit the engine default".
type RouteRule struct {
	Pattern    string   `yaml:"pattern"`
	Revalidate *float64 `yaml:"revalidate,omitempty"`
	Forever    bool     `yaml:"forever,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
}

// GatewayConfig configures the standalone cmd/isr-gateway binary: where it
// listens, where renders come from, and the route table it caches.
type GatewayConfig struct {
	Listen string `yaml:"listen"`

	// Upstream is the origin renders and passthrough requests are fetched
	// from, e.g. "http://origin:8080". Required: the gateway refuses to
	// start when it is empty.
	Upstream string `yaml:"upstream"`

	// TrustedHost is the fallback Host header forwarded to Upstream when the
	// incoming Host fails validation.
	TrustedHost string `yaml:"trusted_host"`

	BypassToken string `yaml:"bypass_token"`

	// CacheName namespaces this gateway's storage keys, so several
	// gateways can share one Redis without colliding.
	CacheName string `yaml:"cache_name"`

	// AdminToken guards the gateway's purge endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token"`

	// DefaultRevalidate is seconds; nil uses the engine default (60).
	DefaultRevalidate *float64 `yaml:"default_revalidate,omitempty"`

	// RenderTimeoutMS bounds the foreground render; <= 0 uses the engine
	// default (25000).
	RenderTimeoutMS int `yaml:"render_timeout_ms"`

	Routes []RouteRule `yaml:"routes,omitempty"`
}

// EngineConfig is the top-level YAML-loadable configuration for a
// standalone deployment of the engine (the cmd/isr-gateway entrypoint;
// in-process embedders construct the engine directly via
// NewWithBindings/NewAdvanced instead).
type EngineConfig struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoadEngineConfig strict-decodes YAML bytes into an EngineConfig, rejecting
// unknown fields so typos in a deployed config surface at load time instead
// of silently falling back to zero values.
func LoadEngineConfig(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
