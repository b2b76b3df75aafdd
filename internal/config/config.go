// Package config loads the shelfsync configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, SHELFSYNC_*
// environment variables, command-line flags (applied by the CLI). The file
// is checked against an embedded CUE schema before it is decoded, so
// unknown keys and malformed values are reported with their path.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

const (
	// MinSyncInterval and MaxSyncInterval bound the background drain period.
	MinSyncInterval = 5 * time.Minute
	MaxSyncInterval = 15 * time.Minute
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHELFSYNC_"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses "500ms", "10m" and the like.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration.
type Config struct {
	Server   Server  `yaml:"server"`
	Database string  `yaml:"database"`
	Cache    Cache   `yaml:"cache"`
	Sync     Sync    `yaml:"sync"`
	Log      Log     `yaml:"log"`
	Metrics  Metrics `yaml:"metrics"`
}

// Server configures the resilient client.
type Server struct {
	BaseURL     string   `yaml:"base_url"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
	BaseDelay   Duration `yaml:"base_delay"`
	RefreshSkew Duration `yaml:"refresh_skew"`
}

// Cache configures the cache store.
type Cache struct {
	TTL Duration `yaml:"ttl"`
}

// Sync configures the queue and the sync orchestrator.
type Sync struct {
	Interval          Duration `yaml:"interval"`
	ItemDelay         Duration `yaml:"item_delay"`
	MaxRetries        int      `yaml:"max_retries"`
	RefreshAfterCycle bool     `yaml:"refresh_after_cycle"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint. Empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			BaseURL:     "http://localhost:8000",
			Timeout:     Duration(10 * time.Second),
			MaxRetries:  3,
			BaseDelay:   Duration(500 * time.Millisecond),
			RefreshSkew: Duration(30 * time.Second),
		},
		Database: "shelfsync.db",
		Cache:    Cache{TTL: Duration(5 * time.Minute)},
		Sync: Sync{
			Interval:          Duration(10 * time.Minute),
			ItemDelay:         Duration(100 * time.Millisecond),
			MaxRetries:        3,
			RefreshAfterCycle: true,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads the file at path (if not empty) over the defaults, applies
// environment overrides read through getenv (os.Getenv when nil) and
// validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Parse checks data against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := checkSchema(raw); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// checkSchema unifies raw with #Config and requires a concrete result.
func checkSchema(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// SchemaError reports a file that does not match the schema.
type SchemaError struct {
	Details string
}

func (e *SchemaError) Error() string {
	return "config does not match schema: " + strings.TrimSpace(e.Details)
}

// IsSchemaError returns true if err is a schema violation.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// applyEnv overlays SHELFSYNC_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) error {
		v := getenv(EnvPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = Duration(d)
		return nil
	}
	num := func(name string, dst *int) error {
		v := getenv(EnvPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("SERVER_URL", &cfg.Server.BaseURL)
	str("DATABASE", &cfg.Database)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	return errors.Join(
		dur("SERVER_TIMEOUT", &cfg.Server.Timeout),
		num("MAX_RETRIES", &cfg.Sync.MaxRetries),
		dur("CACHE_TTL", &cfg.Cache.TTL),
		dur("SYNC_INTERVAL", &cfg.Sync.Interval),
		dur("SYNC_ITEM_DELAY", &cfg.Sync.ItemDelay),
	)
}

// Validate checks cross-field rules the schema cannot express.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q: must be an http(s) URL", c.Server.BaseURL))
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout: must be positive"))
	}
	if c.Server.MaxRetries < 1 {
		errs = append(errs, errors.New("server.max_retries: must be at least 1"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database: required"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl: must be positive"))
	}
	if iv := c.Sync.Interval.Std(); iv < MinSyncInterval || iv > MaxSyncInterval {
		errs = append(errs, fmt.Errorf("sync.interval %s: must be between %s and %s", iv, MinSyncInterval, MaxSyncInterval))
	}
	if c.Sync.ItemDelay < 0 {
		errs = append(errs, errors.New("sync.item_delay: must not be negative"))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, errors.New("sync.max_retries: must be at least 1"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}
