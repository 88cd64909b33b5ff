// The application's root configuration.
//
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	mu       sync.RWMutex
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Recipes   RecipesConfig   `mapstructure:"recipes"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// PostgresConfig holds settings for the database connection.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds settings for the durable queue backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig holds settings for the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// QueueConfig holds settings for the queue and worker pool.
type QueueConfig struct {
	// Concurrency is the number of attempts in flight at once. Scaled to 50
	// under load in some deployments.
	Concurrency int `mapstructure:"concurrency"`
	// MaxRetries is the per-attempt retry ceiling.
	MaxRetries int `mapstructure:"max_retries"`
	// RateLimit caps attempt starts per rolling RateWindow across the whole
	// pool, protecting the solver and target sites from burst traffic.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	// BackoffBase and BackoffCap shape the exponential retry delay
	// (base x 2^retryCount, capped).
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	// StallLock is how long a worker may hold an attempt without heartbeat
	// before it is considered stalled.
	StallLock         time.Duration `mapstructure:"stall_lock"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// DequeueBlock bounds a single blocking dequeue call.
	DequeueBlock time.Duration `mapstructure:"dequeue_block"`
}

// ProxyConfig routes browser traffic through an upstream proxy.
type ProxyConfig struct {
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BrowserConfig holds settings for the pooled browser session provider.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	Stealth         bool          `mapstructure:"stealth"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	MaxPages        int           `mapstructure:"max_pages"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	Proxy           ProxyConfig   `mapstructure:"proxy"`
}

// SolverConfig points at the third-party challenge solving service.
type SolverConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ChallengeConfig holds settings for the challenge handling protocol.
type ChallengeConfig struct {
	// PollInterval x MaxPolls is the hard ceiling on waiting for a
	// solution. Defaults give roughly 2.5 minutes.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
	// Costs maps challenge type to the per-solve price charged by the
	// service. Cost is computed per type, not a flat constant.
	Costs  map[string]float64 `mapstructure:"costs"`
	Solver SolverConfig       `mapstructure:"solver"`
}

// RecipesConfig holds tunables for the recipe cache. The EWMA weight and
// demotion floor are deliberately configuration, not constants.
type RecipesConfig struct {
	EWMAWeight    float64 `mapstructure:"ewma_weight"`
	DemotionFloor float64 `mapstructure:"demotion_floor"`
}

// SetDefaults registers default values so the app can run with a minimal
// config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "jobpilot")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.rate_limit", 100)
	v.SetDefault("queue.rate_window", time.Minute)
	v.SetDefault("queue.backoff_base", 30*time.Second)
	v.SetDefault("queue.backoff_cap", 10*time.Minute)
	v.SetDefault("queue.stall_lock", 5*time.Minute)
	v.SetDefault("queue.heartbeat_interval", 30*time.Second)
	v.SetDefault("queue.dequeue_block", 5*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.max_sessions", 5)
	v.SetDefault("browser.max_pages", 4)
	v.SetDefault("browser.acquire_timeout", 30*time.Second)
	v.SetDefault("browser.nav_timeout", 45*time.Second)

	v.SetDefault("challenge.poll_interval", 5*time.Second)
	v.SetDefault("challenge.max_polls", 30)
	v.SetDefault("challenge.costs", map[string]float64{
		"recaptcha-v2": 0.003,
		"recaptcha-v3": 0.002,
		"hcaptcha":     0.003,
		"turnstile":    0.002,
	})
	v.SetDefault("challenge.solver.timeout", 15*time.Second)

	v.SetDefault("recipes.ewma_weight", 0.2)
	v.SetDefault("recipes.demotion_floor", 0.5)
}

// Validate checks invariants that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.RateLimit <= 0 || c.Queue.RateWindow <= 0 {
		return fmt.Errorf("queue.rate_limit and queue.rate_window must be positive")
	}
	if c.Recipes.EWMAWeight <= 0 || c.Recipes.EWMAWeight > 1 {
		return fmt.Errorf("recipes.ewma_weight must be in (0, 1], got %f", c.Recipes.EWMAWeight)
	}
	if c.Recipes.DemotionFloor < 0 || c.Recipes.DemotionFloor >= 1 {
		return fmt.Errorf("recipes.demotion_floor must be in [0, 1), got %f", c.Recipes.DemotionFloor)
	}
	if c.Challenge.MaxPolls <= 0 || c.Challenge.PollInterval <= 0 {
		return fmt.Errorf("challenge poll interval and ceiling must be positive")
	}
	return nil
}

// Load unmarshals the Viper state into the configuration singleton.
func Load(v *viper.Viper) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	Set(&cfg)
	return nil
}

// Set stores the configuration globally.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
