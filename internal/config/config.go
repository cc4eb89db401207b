package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Budget     BudgetConfig     `yaml:"budget"`
	Auth       AuthConfig       `yaml:"auth"`
	Metering   MeteringConfig   `yaml:"metering"`
	CORS       CORSConfig       `yaml:"cors"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // default: [] (same-origin only when empty; ["*"] for dev)
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig points at the Postgres instance used for budget history and
// the usage ledger. An empty URL runs the service fully in memory.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type GatewayConfig struct {
	Timeout       time.Duration          `yaml:"timeout"`
	MaxRetries    int                    `yaml:"max_retries"`
	DefaultModel  string                 `yaml:"default_model"`
	FallbackModel string                 `yaml:"fallback_model"`
	Providers     []ProviderConfig       `yaml:"providers"`
	Pricing       map[string]PriceConfig `yaml:"pricing"`
}

// ProviderConfig is one entry of the ordered failover list.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"` // plaintext or "enc:<base64>" when encryption is configured
	Model   string `yaml:"model"`
}

// PriceConfig is expressed in cents per 1000 tokens.
type PriceConfig struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxEntries     int           `yaml:"max_entries"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	MaxEntryBytes  int64         `yaml:"max_entry_bytes"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Warming        WarmingConfig `yaml:"warming"`
}

type WarmingConfig struct {
	OnStartup   bool        `yaml:"on_startup"`
	Schedule    string      `yaml:"schedule"` // cron expression, empty disables
	Concurrency int         `yaml:"concurrency"`
	Entries     []WarmEntry `yaml:"entries"`
}

type WarmEntry struct {
	Operation string         `yaml:"operation"`
	Params    map[string]any `yaml:"params"`
	Tags      []string       `yaml:"tags"`
	TTL       time.Duration  `yaml:"ttl"`
}

type RateLimitConfig struct {
	Ceiling       int           `yaml:"ceiling"`
	Window        time.Duration `yaml:"window"`
	TokenCeiling  int           `yaml:"token_ceiling"`
	RedisAddr     string        `yaml:"redis_addr"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type MonitorConfig struct {
	MaxTraces          int           `yaml:"max_traces"`
	Retention          time.Duration `yaml:"retention"`
	ErrorRateDegraded  float64       `yaml:"error_rate_degraded"`
	ErrorRateUnhealthy float64       `yaml:"error_rate_unhealthy"`
	LatencyDegraded    time.Duration `yaml:"latency_degraded"`
	MemoryDegraded     float64       `yaml:"memory_degraded"`
	MemoryCritical     float64       `yaml:"memory_critical"`
}

type BudgetConfig struct {
	DailyLimitCents    int64        `yaml:"daily_limit_cents"`
	MonthlyLimitCents  int64        `yaml:"monthly_limit_cents"`
	WarningThreshold   float64      `yaml:"warning_threshold"`
	EmergencyThreshold float64      `yaml:"emergency_threshold"`
	AutoStop           bool         `yaml:"auto_stop"`
	Timezone           string       `yaml:"timezone"`
	Rules              []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Condition string `yaml:"condition"`
	Action    string `yaml:"action"`
	Enabled   bool   `yaml:"enabled"`
}

// AuthConfig lists the API keys accepted on /api/ai. Hashes are bcrypt, the
// prefix is the first 14 characters of the plaintext key (see `okrai keygen`).
type AuthConfig struct {
	Keys []KeyConfig `yaml:"keys"`
}

type KeyConfig struct {
	Principal string `yaml:"principal"`
	Tenant    string `yaml:"tenant"`
	Prefix    string `yaml:"prefix"`
	Hash      string `yaml:"hash"`
}

type MeteringConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type EncryptionConfig struct {
	Key string `yaml:"key"`
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 45 * time.Second,
		},
		Gateway: GatewayConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    2,
			DefaultModel:  "gpt-4o-mini",
			FallbackModel: "gpt-4o-mini",
			Pricing: map[string]PriceConfig{
				"gpt-4o":      {Prompt: 0.25, Completion: 1.0},
				"gpt-4o-mini": {Prompt: 0.015, Completion: 0.06},
			},
		},
		Cache: CacheConfig{
			Enabled:        true,
			MaxEntries:     10000,
			MaxMemoryBytes: 64 << 20,
			MaxEntryBytes:  1 << 20,
			DefaultTTL:     time.Hour,
			SweepInterval:  time.Minute,
			Warming: WarmingConfig{
				Concurrency: 4,
			},
		},
		RateLimit: RateLimitConfig{
			Ceiling:       50,
			Window:        time.Hour,
			PruneInterval: 10 * time.Minute,
		},
		Monitor: MonitorConfig{
			MaxTraces:          10000,
			Retention:          24 * time.Hour,
			ErrorRateDegraded:  0.05,
			ErrorRateUnhealthy: 0.10,
			LatencyDegraded:    5 * time.Second,
			MemoryDegraded:     0.85,
			MemoryCritical:     0.95,
		},
		Budget: BudgetConfig{
			DailyLimitCents:    5000,
			MonthlyLimitCents:  100000,
			WarningThreshold:   80,
			EmergencyThreshold: 95,
			AutoStop:           true,
			Timezone:           "Local",
		},
		Metering: MeteringConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
	}
}

// envRef matches only the braced ${NAME} form; bare $ sequences such as
// bcrypt hashes pass through untouched.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OKRAI_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("OKRAI_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OKRAI_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OKRAI_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("OKRAI_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway.max_retries must not be negative"))
	}
	for i, p := range c.Gateway.Providers {
		if p.Name == "" || p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("gateway.providers[%d]: name and base_url are required", i))
		}
	}
	if c.Cache.MaxMemoryBytes <= 0 {
		errs = append(errs, errors.New("cache.max_memory_bytes must be positive"))
	}
	if c.Cache.MaxEntryBytes <= 0 || c.Cache.MaxEntryBytes > c.Cache.MaxMemoryBytes {
		errs = append(errs, errors.New("cache.max_entry_bytes must be positive and at most max_memory_bytes"))
	}
	if c.Cache.SweepInterval <= 0 {
		errs = append(errs, errors.New("cache.sweep_interval must be positive"))
	}
	if c.RateLimit.Ceiling < 0 {
		errs = append(errs, errors.New("rate_limit.ceiling must not be negative"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.Monitor.ErrorRateDegraded > c.Monitor.ErrorRateUnhealthy {
		errs = append(errs, errors.New("monitor.error_rate_degraded must not exceed error_rate_unhealthy"))
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > c.Budget.EmergencyThreshold || c.Budget.EmergencyThreshold > 100 {
		errs = append(errs, errors.New("budget thresholds must satisfy 0 < warning <= emergency <= 100"))
	}
	if c.Metering.BatchSize <= 0 {
		errs = append(errs, errors.New("metering.batch_size must be positive"))
	}
	if c.Metering.FlushInterval <= 0 {
		errs = append(errs, errors.New("metering.flush_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Location resolves the budget timezone used for day and month boundaries.
func (c *Config) Location() (*time.Location, error) {
	switch c.Budget.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Budget.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading budget timezone: %w", err)
		}
		return loc, nil
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) MigrationsSource() string {
	return "file://migrations"
}

func (c *Config) DatabaseURLForMigrate() string {
	url := c.Database.URL
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}
	return url
}
