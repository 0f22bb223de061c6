// Package config builds a single immutable Config at process start, in
// precedence order CLI flags → environment variables → an optional
// YAML file → built-in defaults. Once built, a Config is never
// mutated; a background watcher only ever publishes a notice that a
// restart is needed to pick up a change on disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable set of tunables for one process.
type Config struct {
	CoordinationDir string `yaml:"coordination_dir"`

	OTELServiceName     string `yaml:"otel_service_name"`
	OTELServiceVersion  string `yaml:"otel_service_version"`
	OTELExporterOTLPEndpoint string `yaml:"otel_exporter_otlp_endpoint"`

	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`
	MaxSpans           int `yaml:"max_spans"`
	MaxWorkActive      int `yaml:"max_work_active"`
	MaxFastPath        int `yaml:"max_fast_path"`
	StaleWorkTTLHours  int `yaml:"stale_work_ttl_hours"`

	AdvisorEndpoint        string `yaml:"advisor_endpoint"`
	AdvisorTimeoutSeconds  int    `yaml:"advisor_timeout_seconds"`

	ForceTraceID string `yaml:"-"` // debugging-only, never read from YAML

	ConfigFile string `yaml:"-"`
}

// LockTimeout is the duration form of LockTimeoutSeconds.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// StaleWorkTTL is the duration form of StaleWorkTTLHours.
func (c Config) StaleWorkTTL() time.Duration {
	return time.Duration(c.StaleWorkTTLHours) * time.Hour
}

// AdvisorTimeout is the duration form of AdvisorTimeoutSeconds.
func (c Config) AdvisorTimeout() time.Duration {
	return time.Duration(c.AdvisorTimeoutSeconds) * time.Second
}

// Defaults returns the built-in values, applied last in the precedence
// chain.
func Defaults() Config {
	return Config{
		CoordinationDir:       "./coordination",
		OTELServiceName:       "swarmsh",
		OTELServiceVersion:    "0.0.0-dev",
		LockTimeoutSeconds:    30,
		MaxSpans:              10000,
		MaxWorkActive:         1000,
		MaxFastPath:           500,
		StaleWorkTTLHours:     24,
		AdvisorTimeoutSeconds: 30,
	}
}

// Overrides holds the values parsed from CLI flags; zero-valued fields
// are left to the next layer (env vars, then YAML, then defaults).
type Overrides struct {
	CoordinationDir string
	ConfigFile      string
}

// Load builds the final Config by layering CLI flags over environment
// variables over an optional YAML file over Defaults(). It never
// mutates a returned Config after construction.
func Load(flags Overrides) (Config, error) {
	cfg := Defaults()

	configFile := flags.ConfigFile
	if configFile == "" {
		configFile = os.Getenv("SWARMSH_CONFIG_FILE")
	}
	if configFile != "" {
		if err := mergeYAMLFile(&cfg, configFile); err != nil {
			return Config{}, err
		}
	}
	cfg.ConfigFile = configFile

	applyEnv(&cfg)

	if flags.CoordinationDir != "" {
		cfg.CoordinationDir = flags.CoordinationDir
	}

	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COORDINATION_DIR"); v != "" {
		cfg.CoordinationDir = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.OTELServiceName = v
	}
	if v := os.Getenv("OTEL_SERVICE_VERSION"); v != "" {
		cfg.OTELServiceVersion = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTELExporterOTLPEndpoint = v
	}
	if v := envInt("LOCK_TIMEOUT_SECONDS"); v != 0 {
		cfg.LockTimeoutSeconds = v
	}
	if v := envInt("MAX_SPANS"); v != 0 {
		cfg.MaxSpans = v
	}
	if v := envInt("MAX_WORK_ACTIVE"); v != 0 {
		cfg.MaxWorkActive = v
	}
	if v := envInt("MAX_FAST_PATH"); v != 0 {
		cfg.MaxFastPath = v
	}
	if v := envInt("STALE_WORK_TTL_HOURS"); v != 0 {
		cfg.StaleWorkTTLHours = v
	}
	if v := os.Getenv("ADVISOR_ENDPOINT"); v != "" {
		cfg.AdvisorEndpoint = v
	}
	if v := envInt("ADVISOR_TIMEOUT_SECONDS"); v != 0 {
		cfg.AdvisorTimeoutSeconds = v
	}
	if v := os.Getenv("FORCE_TRACE_ID"); v != "" {
		cfg.ForceTraceID = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
