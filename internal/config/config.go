package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when QUANTCACHE_CONFIG is unset.
const DefaultPath = "config/quantcache.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantcache.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Cache    Cache    `yaml:"cache"`
	Intraday Intraday `yaml:"intraday"`
	Server   Server   `yaml:"server"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Logging  Logging  `yaml:"logging"`
	Schedule Schedule `yaml:"schedule"`
	Warm     Warm     `yaml:"warm"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir string `yaml:"data_dir"`
	// Metadata selects the metadata backend: "json" or "sqlite".
	Metadata   string `yaml:"metadata"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Cache configures the daily-bar range cache.
type Cache struct {
	// RangeExpiry is how long a cached series counts as covering its range.
	// Unset defaults to one hour; negative never expires.
	RangeExpiry time.Duration `yaml:"range_expiry"`
}

// Intraday configures the per-day tick cache.
type Intraday struct {
	Timezone      string `yaml:"timezone"`
	CutoverHour   int    `yaml:"cutover_hour"`
	RetentionDays int    `yaml:"retention_days"`
	// ExpireDays invalidates past days older than this many days; 0 disables.
	ExpireDays int `yaml:"expire_days"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	MaxTicks        int    `yaml:"max_ticks"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Schedule holds cron specs for background jobs. An empty spec disables
// the job.
type Schedule struct {
	Cleanup string `yaml:"cleanup"`
	Warm    string `yaml:"warm"`
}

// Warm lists the symbols whose daily series are pre-fetched.
type Warm struct {
	Symbols      []string `yaml:"symbols"`
	LookbackDays int      `yaml:"lookback_days"`
	Workers      int      `yaml:"workers"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path from QUANTCACHE_CONFIG, falling back to
// DefaultPath.
func Path() string {
	if v := os.Getenv("QUANTCACHE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
// A missing file is not an error: defaults and the environment still apply.
// Variables from a .env file in the working directory are loaded first
// without replacing ones already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("QUANTCACHE_METADATA"); v != "" {
		cfg.Storage.Metadata = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	// Standard Alpaca env vars take precedence; the SDK uses these names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.Metadata == "" {
		c.Storage.Metadata = "json"
	}
	c.Storage.Metadata = strings.ToLower(c.Storage.Metadata)
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = c.Storage.DataDir + "/cache/metadata.db"
	}

	if c.Cache.RangeExpiry == 0 {
		c.Cache.RangeExpiry = time.Hour
	}

	if c.Intraday.Timezone == "" {
		c.Intraday.Timezone = "America/New_York"
	}
	if c.Intraday.CutoverHour == 0 {
		c.Intraday.CutoverHour = 20
	}
	if c.Intraday.RetentionDays == 0 {
		c.Intraday.RetentionDays = 30
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}

	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "sip"
	}
	if c.Alpaca.RateLimitPerMin == 0 {
		c.Alpaca.RateLimitPerMin = 200
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Warm.LookbackDays == 0 {
		c.Warm.LookbackDays = 365
	}
	if c.Warm.Workers == 0 {
		c.Warm.Workers = 4
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Storage.Metadata {
	case "json", "sqlite":
	default:
		return fmt.Errorf("storage.metadata: unknown backend %q", c.Storage.Metadata)
	}
	if c.Intraday.CutoverHour < 0 || c.Intraday.CutoverHour > 23 {
		return fmt.Errorf("intraday.cutover_hour: %d out of range [0, 23]", c.Intraday.CutoverHour)
	}
	if _, err := time.LoadLocation(c.Intraday.Timezone); err != nil {
		return fmt.Errorf("intraday.timezone: %w", err)
	}
	if c.Intraday.RetentionDays < 0 {
		return fmt.Errorf("intraday.retention_days: must not be negative")
	}
	if c.Intraday.ExpireDays < 0 {
		return fmt.Errorf("intraday.expire_days: must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port: %d out of range", c.Server.GRPCPort)
	}
	switch c.Alpaca.Feed {
	case "sip", "iex", "otc", "delayed_sip":
	default:
		return fmt.Errorf("alpaca.feed: unknown feed %q", c.Alpaca.Feed)
	}
	if c.Warm.Workers < 0 {
		return fmt.Errorf("warm.workers: must not be negative")
	}
	return nil
}

// HTTPAddr returns the host:port the HTTP API listens on.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns the host:port the gRPC server listens on.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
