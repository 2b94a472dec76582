package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StrategyTiered = "tiered"
	StrategyFull   = "full"

	TTLBasisWaiting = "waiting"
	TTLBasisRunning = "running"
)

type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Roots     []RootConfig       `yaml:"roots"`
	Index     IndexConfig        `yaml:"index"`
	Activity  ActivityConfig     `yaml:"activity"`
	Retention RetentionConfig    `yaml:"retention"`
	Redaction RedactionConfig    `yaml:"redaction"`
	Privacy   PrivacyConfig      `yaml:"privacy"`
	Pricing   map[string]Pricing `yaml:"pricing"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Log       LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AuthToken, when set, is required on every API and stream request.
	AuthToken string `yaml:"auth_token"`
	// MaxConnections caps concurrent stream clients. Zero is unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// RootConfig is one directory tree scanned for trace files. Pattern is a
// filepath.Match glob applied to file base names.
type RootConfig struct {
	Path     string `yaml:"path"`
	Profile  string `yaml:"profile"`
	Agent    string `yaml:"agent"`
	Pattern  string `yaml:"pattern"`
	MaxDepth int    `yaml:"max_depth"`
}

type IndexConfig struct {
	FullRefreshInterval time.Duration `yaml:"full_refresh_interval"`
	// PollInterval pins the cadence. Zero enables adaptive polling between
	// MinPollInterval and MaxPollInterval.
	PollInterval     time.Duration `yaml:"poll_interval"`
	MinPollInterval  time.Duration `yaml:"min_poll_interval"`
	MaxPollInterval  time.Duration `yaml:"max_poll_interval"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	Watch            bool          `yaml:"watch"`
	Debounce         time.Duration `yaml:"debounce"`
	MaxDirtyPerCycle int           `yaml:"max_dirty_per_cycle"`
	MaxPendingBytes  int           `yaml:"max_pending_bytes"`
	DiscoverWindow   time.Duration `yaml:"discover_window"`
	HealthThreshold  int           `yaml:"health_threshold"`
}

type ActivityConfig struct {
	RunningTTL time.Duration `yaml:"running_ttl"`
	WaitingTTL time.Duration `yaml:"waiting_ttl"`
	// PendingToolTTL selects which TTL bounds the unmatched tool_use rule:
	// "waiting" or "running".
	PendingToolTTL string `yaml:"pending_tool_ttl"`
}

type RetentionConfig struct {
	Strategy    string        `yaml:"strategy"`
	HotTraces   int           `yaml:"hot_traces"`
	HotEvents   int           `yaml:"hot_events"`
	WarmTraces  int           `yaml:"warm_traces"`
	WarmEvents  int           `yaml:"warm_events"`
	PinTTL      time.Duration `yaml:"pin_ttl"`
	AppendBatch int           `yaml:"append_batch"`
}

type RedactionConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

// PrivacyConfig restricts which trace files are indexed at all. Patterns
// match a path or any of its parents.
type PrivacyConfig struct {
	AllowedPaths []string `yaml:"allowed_paths"`
	BlockedPaths []string `yaml:"blocked_paths"`
}

// Pricing is USD per million tokens.
type Pricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

type TelemetryConfig struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration with the standard agent roots
// resolved against the current user's home directory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			MaxConnections: 32,
		},
		Roots: DefaultRoots(),
		Index: IndexConfig{
			FullRefreshInterval: time.Minute,
			MinPollInterval:     250 * time.Millisecond,
			MaxPollInterval:     5 * time.Second,
			BackoffFactor:       2,
			Watch:               true,
			Debounce:            150 * time.Millisecond,
			MaxDirtyPerCycle:    64,
			MaxPendingBytes:     4 << 20,
			HealthThreshold:     3,
		},
		Activity: ActivityConfig{
			RunningTTL:     20 * time.Second,
			WaitingTTL:     10 * time.Minute,
			PendingToolTTL: TTLBasisWaiting,
		},
		Retention: RetentionConfig{
			Strategy:    StrategyTiered,
			HotTraces:   8,
			HotEvents:   2000,
			WarmTraces:  24,
			WarmEvents:  200,
			PinTTL:      2 * time.Minute,
			AppendBatch: 40,
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Pricing: map[string]Pricing{
			"claude-opus-4-5":   {Input: 5.00, Output: 25.00, CacheRead: 0.50, CacheWrite: 6.25},
			"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
			"claude-haiku-4-5":  {Input: 1.00, Output: 5.00, CacheRead: 0.10, CacheWrite: 1.25},
			"claude-opus-4":     {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
			"claude-sonnet-4":   {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
			"gpt-5":             {Input: 1.25, Output: 10.00, CacheRead: 0.125},
			"gemini-2.5-pro":    {Input: 1.25, Output: 10.00, CacheRead: 0.31},
			"gemini-2.5-flash":  {Input: 0.30, Output: 2.50, CacheRead: 0.075},
		},
		Telemetry: TelemetryConfig{
			Interval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultRoots returns the log locations of the supported agents.
func DefaultRoots() []RootConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	codexHome := os.Getenv("CODEX_HOME")
	if codexHome == "" {
		codexHome = filepath.Join(home, ".codex")
	}
	return []RootConfig{
		{Path: filepath.Join(home, ".claude", "projects"), Profile: "claude", Agent: "claude", Pattern: "*.jsonl", MaxDepth: 3},
		{Path: filepath.Join(codexHome, "sessions"), Profile: "codex", Agent: "codex", Pattern: "rollout-*.jsonl", MaxDepth: 4},
		{Path: filepath.Join(home, ".gemini", "tmp"), Profile: "gemini", Agent: "gemini", Pattern: "session-*.json", MaxDepth: 3},
	}
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tracewatch", "config.yaml")
	}
	return "tracewatch.yaml"
}

// Load reads a YAML config on top of Default. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	for i := range cfg.Roots {
		cfg.Roots[i].Path = expandHome(cfg.Roots[i].Path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets TRACEWATCH_HOST, TRACEWATCH_PORT, TRACEWATCH_TOKEN and
// TRACEWATCH_LOG_LEVEL override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRACEWATCH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("TRACEWATCH_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TRACEWATCH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("TRACEWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	for i, r := range c.Roots {
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("roots[%d].path is empty", i))
		}
		if r.Pattern != "" {
			if _, err := filepath.Match(r.Pattern, ""); err != nil {
				errs = append(errs, fmt.Errorf("roots[%d].pattern: %w", i, err))
			}
		}
	}
	if c.Index.MinPollInterval <= 0 || c.Index.MaxPollInterval < c.Index.MinPollInterval {
		errs = append(errs, fmt.Errorf("index poll interval bounds invalid: min=%s max=%s",
			c.Index.MinPollInterval, c.Index.MaxPollInterval))
	}
	if c.Index.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("index.backoff_factor must be >= 1, got %g", c.Index.BackoffFactor))
	}
	if c.Index.MaxDirtyPerCycle <= 0 {
		errs = append(errs, errors.New("index.max_dirty_per_cycle must be positive"))
	}
	if c.Activity.RunningTTL <= 0 || c.Activity.WaitingTTL <= 0 {
		errs = append(errs, errors.New("activity TTLs must be positive"))
	}
	switch c.Activity.PendingToolTTL {
	case TTLBasisWaiting, TTLBasisRunning:
	default:
		errs = append(errs, fmt.Errorf("activity.pending_tool_ttl must be %q or %q, got %q",
			TTLBasisWaiting, TTLBasisRunning, c.Activity.PendingToolTTL))
	}
	switch c.Retention.Strategy {
	case StrategyTiered, StrategyFull:
	default:
		errs = append(errs, fmt.Errorf("retention.strategy must be %q or %q, got %q",
			StrategyTiered, StrategyFull, c.Retention.Strategy))
	}
	if c.Retention.HotTraces < 0 || c.Retention.WarmTraces < 0 ||
		c.Retention.HotEvents < 0 || c.Retention.WarmEvents < 0 {
		errs = append(errs, errors.New("retention counts must not be negative"))
	}
	return errors.Join(errs...)
}

// PricingFor returns pricing for a model: exact match first, then the
// longest configured key that prefixes the model name.
func (c *Config) PricingFor(model string) (Pricing, bool) {
	if p, ok := c.Pricing[model]; ok {
		return p, true
	}
	best := ""
	for key := range c.Pricing {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Pricing{}, false
	}
	return c.Pricing[best], true
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
