package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Forms      FormsConfig      `yaml:"forms" mapstructure:"forms"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Turnstile  TurnstileConfig  `yaml:"turnstile" mapstructure:"turnstile"`
	GeoIP      GeoIPConfig      `yaml:"geoip" mapstructure:"geoip"`
	Clearbit   ClearbitConfig   `yaml:"clearbit" mapstructure:"clearbit"`
	Apollo     ApolloConfig     `yaml:"apollo" mapstructure:"apollo"`
	Eloqua     EloquaConfig     `yaml:"eloqua" mapstructure:"eloqua"`
	Builder    BuilderConfig    `yaml:"builder" mapstructure:"builder"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the durable submission store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres", "sqlite", "memory"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// QueueConfig configures the work item queue.
type QueueConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // "postgres", "memory"
	// VisibilityTimeoutSecs is how long a dequeued item stays invisible
	// before it is considered abandoned and redelivered.
	VisibilityTimeoutSecs int `yaml:"visibility_timeout_secs" mapstructure:"visibility_timeout_secs"`
}

// VisibilityTimeout returns the visibility timeout as a duration.
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSecs) * time.Second
}

// RedisConfig configures the optional Redis connection for distributed
// rate-limit counters.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// FormsConfig configures form definition loading.
type FormsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// RateLimitConfig configures the per-identity submission rate limit.
type RateLimitConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"` // "memory", "redis"
	Limit      int    `yaml:"limit" mapstructure:"limit"`
	WindowSecs int    `yaml:"window_secs" mapstructure:"window_secs"`
}

// Window returns the rate-limit window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSecs) * time.Second
}

// TurnstileConfig holds Cloudflare Turnstile verification settings.
type TurnstileConfig struct {
	Secret  string `yaml:"secret" mapstructure:"secret"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeoIPConfig holds IP geolocation API settings.
type GeoIPConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ClearbitConfig holds Clearbit enrichment API settings.
type ClearbitConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ApolloConfig holds Apollo enrichment API settings.
type ApolloConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// EloquaConfig holds Eloqua CRM sync settings.
type EloquaConfig struct {
	Site     string  `yaml:"site" mapstructure:"site"`
	User     string  `yaml:"user" mapstructure:"user"`
	Password string  `yaml:"password" mapstructure:"password"`
	BaseURL  string  `yaml:"base_url" mapstructure:"base_url"`
	RPS      float64 `yaml:"rps" mapstructure:"rps"`
}

// BuilderConfig holds site provisioning API settings.
type BuilderConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// EnrichConfig configures the enrichment waterfall.
type EnrichConfig struct {
	// Providers lists provider names in priority order.
	Providers []string `yaml:"providers" mapstructure:"providers"`
	// ProviderTimeoutSecs bounds each individual provider call.
	ProviderTimeoutSecs int `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
}

// ProviderTimeout returns the per-provider timeout as a duration.
func (c EnrichConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}

// WorkerConfig configures background processing.
type WorkerConfig struct {
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollIntervalMs    int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs    int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

// PollInterval returns the queue poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// InitialBackoff returns the base retry delay as a duration.
func (c WorkerConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap as a duration.
func (c WorkerConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSecs) * time.Second
}

// ServerConfig configures the intake HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the collector and alerter.
type MonitoringConfig struct {
	CheckIntervalSecs  int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours      int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	DLQDepthThreshold  int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	BlockRateThreshold float64 `yaml:"block_rate_threshold" mapstructure:"block_rate_threshold"`
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "intake.db")
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.visibility_timeout_secs", 120)
	v.SetDefault("forms.dir", "forms")
	v.SetDefault("rate_limit.driver", "memory")
	v.SetDefault("rate_limit.limit", 5)
	v.SetDefault("rate_limit.window_secs", 3600)
	v.SetDefault("turnstile.base_url", "https://challenges.cloudflare.com/turnstile/v0")
	v.SetDefault("geoip.base_url", "https://api.ipapi.com")
	v.SetDefault("clearbit.base_url", "https://company.clearbit.com/v2")
	v.SetDefault("apollo.base_url", "https://api.apollo.io/api/v1")
	v.SetDefault("eloqua.base_url", "https://secure.eloqua.com/api/REST/2.0")
	v.SetDefault("eloqua.rps", 4.0)
	v.SetDefault("builder.base_url", "https://builder.internal.sellsgroup.com/api/v1")
	v.SetDefault("enrich.providers", []string{"clearbit", "apollo"})
	v.SetDefault("enrich.provider_timeout_secs", 5)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.poll_interval_ms", 250)
	v.SetDefault("worker.initial_backoff_ms", 500)
	v.SetDefault("worker.max_backoff_secs", 300)
	v.SetDefault("worker.backoff_multiplier", 2.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.block_rate_threshold", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
