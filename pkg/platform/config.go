package platform

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/fingerprint"
	"github.com/txn2/nplusone/pkg/pattern"
)

// Store providers.
const (
	StoreNone     = "none"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

const (
	defaultRetentionDays   = 30
	defaultCleanupInterval = time.Hour
	defaultMaxOpenConns    = 5
)

// Config is the detector configuration.
type Config struct {
	// Enabled defaults to true.
	Enabled         *bool         `yaml:"enabled"`
	MinNQueries     int           `yaml:"min_n_queries"`
	IgnorePauses    bool          `yaml:"ignore_pauses"`
	Dialect         string        `yaml:"dialect"`
	AllowStackPaths []string      `yaml:"allow_stack_paths"` // substrings, or /regexp/
	IgnoreQueries   []IgnoreQuery `yaml:"ignore_queries"`
	Report          ReportConfig  `yaml:"report"`
}

// IgnoreQuery excludes statements from recording. Exactly one field is set.
type IgnoreQuery struct {
	Exact   string `yaml:"exact"`
	Pattern string `yaml:"pattern"`
}

// ReportConfig selects the notification sinks.
type ReportConfig struct {
	Stderr bool        `yaml:"stderr"`
	Color  bool        `yaml:"color"`
	Log    bool        `yaml:"log"`
	File   string      `yaml:"file"`
	Raise  bool        `yaml:"raise"`
	Store  StoreConfig `yaml:"store"`
}

// StoreConfig configures the findings store.
type StoreConfig struct {
	Provider        string        `yaml:"provider"` // "none", "memory", "postgres"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// IsEnabled reports whether detection is on.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadConfig loads configuration from a file. A .env file in the working
// directory, if present, is loaded into the environment first so that
// ${VAR} references can use it.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.MinNQueries == 0 {
		cfg.MinNQueries = aggregate.DefaultMinQueries
	}
	if cfg.Report.Store.Provider == "" {
		cfg.Report.Store.Provider = StoreNone
	}
	if cfg.Report.Store.RetentionDays == 0 {
		cfg.Report.Store.RetentionDays = defaultRetentionDays
	}
	if cfg.Report.Store.CleanupInterval == 0 {
		cfg.Report.Store.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Report.Store.MaxOpenConns == 0 {
		cfg.Report.Store.MaxOpenConns = defaultMaxOpenConns
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MinNQueries < 1 {
		errs = append(errs, fmt.Errorf("min_n_queries must be at least 1, got %d", c.MinNQueries))
	}
	if c.Dialect != "" && c.dialect() == fingerprint.Unknown {
		errs = append(errs, fmt.Errorf("dialect %q is not recognized", c.Dialect))
	}
	if _, err := c.allowPatterns(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ignorePatterns(); err != nil {
		errs = append(errs, err)
	}

	switch c.Report.Store.Provider {
	case StoreNone, StoreMemory:
	case StorePostgres:
		if c.Report.Store.DSN == "" {
			errs = append(errs, errors.New("report.store.dsn is required for the postgres provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("report.store.provider %q is not one of none, memory, postgres", c.Report.Store.Provider))
	}
	if c.Report.Store.RetentionDays < 0 {
		errs = append(errs, errors.New("report.store.retention_days must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// dialect returns the configured default dialect.
func (c *Config) dialect() fingerprint.Dialect {
	return fingerprint.ParseDialect(c.Dialect)
}

// allowPatterns compiles allow_stack_paths. Entries wrapped in slashes are
// regular expressions, everything else matches as a substring.
func (c *Config) allowPatterns() (pattern.List, error) {
	list := make(pattern.List, 0, len(c.AllowStackPaths))
	for _, s := range c.AllowStackPaths {
		if len(s) > 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
			p, err := pattern.Compile(s[1 : len(s)-1])
			if err != nil {
				return nil, fmt.Errorf("allow_stack_paths: %w", err)
			}
			list = append(list, p)
			continue
		}
		list = append(list, pattern.Substring(s))
	}
	return list, nil
}

// ignorePatterns compiles ignore_queries.
func (c *Config) ignorePatterns() (pattern.List, error) {
	list := make(pattern.List, 0, len(c.IgnoreQueries))
	for i, q := range c.IgnoreQueries {
		switch {
		case q.Exact != "" && q.Pattern != "":
			return nil, fmt.Errorf("ignore_queries[%d]: set exact or pattern, not both", i)
		case q.Exact != "":
			list = append(list, pattern.Exact(q.Exact))
		case q.Pattern != "":
			p, err := pattern.Compile(q.Pattern)
			if err != nil {
				return nil, fmt.Errorf("ignore_queries[%d]: %w", i, err)
			}
			list = append(list, p)
		default:
			return nil, fmt.Errorf("ignore_queries[%d]: exact or pattern is required", i)
		}
	}
	return list, nil
}
