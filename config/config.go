// Package config loads the daemon configuration from a YAML file and
// layers it over built-in defaults. Fields absent from the file keep
// their defaults, so a minimal config names only what it changes.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is probed when no config file is named explicitly.
const DefaultPath = "tally.yaml"

// Config is the on-disk configuration of a tally daemon.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	Server  ServerConfig  `yaml:"server"`
	Rebuild RebuildConfig `yaml:"rebuild"`
}

// DataConfig places and tunes the pebble store.
type DataConfig struct {
	// Dir is the pebble database directory.
	Dir string `yaml:"dir"`
	// NoSync trades WAL fsync per commit for throughput.
	NoSync bool `yaml:"no_sync"`
	// QuestionCache bounds the LRU backing taxonomy lookups.
	QuestionCache int `yaml:"question_cache"`
}

// ServerConfig covers the admin HTTP surface and logging.
type ServerConfig struct {
	// Listen is the admin HTTP address, host:port.
	Listen string `yaml:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// RebuildConfig tunes repair runs.
type RebuildConfig struct {
	// StepBudget caps one replay step's scanning time, e.g. "500ms".
	StepBudget string `yaml:"step_budget"`
	// StepRate paces replay steps per second; 0 runs unpaced.
	StepRate float64 `yaml:"step_rate"`
	// BatchScan is the rows-per-step limit for self-contained rows,
	// BatchLookup for rows whose entries need a question fetch.
	BatchScan   int `yaml:"batch_scan"`
	BatchLookup int `yaml:"batch_lookup"`
	// Retention caps how many finished run records are kept.
	Retention int `yaml:"retention"`
}

// New returns the built-in defaults.
func New() *Config {
	return &Config{
		Data: DataConfig{
			Dir:           "tally.db",
			QuestionCache: 8192,
		},
		Server: ServerConfig{
			Listen:   ":8532",
			LogLevel: "info",
		},
		Rebuild: RebuildConfig{
			StepBudget:  "500ms",
			BatchScan:   100,
			BatchLookup: 8,
			Retention:   64,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// probes DefaultPath and silently keeps the defaults when that file
// does not exist; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := New()
	named := path != ""
	if !named {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) && !named:
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return errors.New("data.dir must not be empty")
	}
	if c.Data.QuestionCache < 0 {
		return errors.Errorf("data.question_cache must be non-negative, got %d", c.Data.QuestionCache)
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("server.log_level must be debug, info, warn or error, got %q", c.Server.LogLevel)
	}
	if c.Rebuild.StepBudget != "" {
		d, err := time.ParseDuration(c.Rebuild.StepBudget)
		if err != nil {
			return errors.Errorf("rebuild.step_budget %q is not a duration", c.Rebuild.StepBudget)
		}
		if d <= 0 {
			return errors.Errorf("rebuild.step_budget must be positive, got %s", d)
		}
	}
	if c.Rebuild.StepRate < 0 {
		return errors.Errorf("rebuild.step_rate must be non-negative, got %g", c.Rebuild.StepRate)
	}
	if c.Rebuild.BatchScan < 0 || c.Rebuild.BatchLookup < 0 {
		return errors.New("rebuild batch sizes must be non-negative")
	}
	if c.Rebuild.Retention < 0 {
		return errors.Errorf("rebuild.retention must be non-negative, got %d", c.Rebuild.Retention)
	}
	return nil
}

// Level maps the configured log level onto slog's scale. Validate
// guarantees the string is known.
func (s ServerConfig) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Budget returns the parsed step budget, zero when unset. Validate
// guarantees the string parses.
func (r RebuildConfig) Budget() time.Duration {
	if r.StepBudget == "" {
		return 0
	}
	d, _ := time.ParseDuration(r.StepBudget)
	return d
}
