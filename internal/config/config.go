package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/callpipe/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Prompt     PromptConfig     `yaml:"prompt" mapstructure:"prompt"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	CacheTTL          string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// PipelineConfig configures scheduling.
type PipelineConfig struct {
	MaxParallelSteps   int    `yaml:"max_parallel_steps" mapstructure:"max_parallel_steps"`
	DefaultTimeoutSecs int    `yaml:"default_timeout_secs" mapstructure:"default_timeout_secs"`
	PersistRuns        bool   `yaml:"persist_runs" mapstructure:"persist_runs"`
	StepVersion        string `yaml:"step_version" mapstructure:"step_version"`
}

// DefaultTimeout returns the configured default step timeout.
func (p PipelineConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSecs) * time.Second
}

// RetryConfig configures the per-step retry policy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-step circuit breakers.
type CircuitConfig struct {
	FailureThreshold  int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindowSecs int `yaml:"failure_window_secs" mapstructure:"failure_window_secs"`
	ResetTimeoutSecs  int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" mapstructure:"half_open_max_probes"`
	SuccessThreshold  int `yaml:"success_threshold" mapstructure:"success_threshold"`
}

// CacheConfig configures the step result cache. An empty RedisAddr keeps the
// cache in-process only.
type CacheConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	TTLSecs           int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	MaxEntries        int    `yaml:"max_entries" mapstructure:"max_entries"`
	SweepIntervalSecs int    `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	RedisAddr         string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword     string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB           int    `yaml:"redis_db" mapstructure:"redis_db"`
}

// BatchConfig configures request coalescing.
type BatchConfig struct {
	WindowMs     int `yaml:"window_ms" mapstructure:"window_ms"`
	MaxBatchSize int `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	QueueSize    int `yaml:"queue_size" mapstructure:"queue_size"`
}

// RoutingConfig points at an optional tag routing table.
type RoutingConfig struct {
	TablePath string `yaml:"table_path" mapstructure:"table_path"`
}

// PromptConfig toggles prompt optimization.
type PromptConfig struct {
	Optimize bool `yaml:"optimize" mapstructure:"optimize"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// MonitoringConfig configures background health checks over stored runs.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	AbortRateThreshold  float64 `yaml:"abort_rate_threshold" mapstructure:"abort_rate_threshold"`
	SevereRateThreshold float64 `yaml:"severe_rate_threshold" mapstructure:"severe_rate_threshold"`
	CostThresholdUSD    float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	MinRuns             int     `yaml:"min_runs" mapstructure:"min_runs"`
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
	v.SetEnvPrefix("CALLPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "callpipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 15)
	// Empty defaults register keys so env overrides reach Unmarshal.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("routing.table_path", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.burst", 10)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("pipeline.max_parallel_steps", 4)
	v.SetDefault("pipeline.default_timeout_secs", 30)
	v.SetDefault("pipeline.persist_runs", true)
	v.SetDefault("pipeline.step_version", "v1")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.failure_window_secs", 60)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("circuit.half_open_max_probes", 1)
	v.SetDefault("circuit.success_threshold", 1)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_secs", 300)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.sweep_interval_secs", 60)
	v.SetDefault("batch.window_ms", 0)
	v.SetDefault("batch.max_batch_size", 10)
	v.SetDefault("batch.queue_size", 256)
	v.SetDefault("prompt.optimize", false)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.abort_rate_threshold", 0.25)
	v.SetDefault("monitoring.severe_rate_threshold", 0.5)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("monitoring.min_runs", 5)
	for name, rate := range cost.DefaultRates().Anthropic {
		key := "pricing.anthropic." + name
		v.SetDefault(key+".input", rate.Input)
		v.SetDefault(key+".output", rate.Output)
		v.SetDefault(key+".cache_write_mul", rate.CacheWriteMul)
		v.SetDefault(key+".cache_read_mul", rate.CacheReadMul)
	}

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

// Validate checks that the fields required by mode are set. Mode is the
// command being run: "run", "serve", "plan" or "runs".
func (c *Config) Validate(mode string) error {
	var errs []string
	req := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch mode {
	case "run":
		req(c.Anthropic.Key != "", "anthropic.key is required")
		errs = append(errs, c.pipelineErrors()...)
	case "serve":
		req(c.Anthropic.Key != "", "anthropic.key is required")
		req(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be > 0 and < 65536")
		errs = append(errs, c.pipelineErrors()...)
		errs = append(errs, c.storeErrors()...)
		errs = append(errs, c.monitoringErrors()...)
	case "plan":
	case "runs":
		errs = append(errs, c.storeErrors()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) pipelineErrors() []string {
	var errs []string
	if c.Pipeline.MaxParallelSteps < 1 || c.Pipeline.MaxParallelSteps > 32 {
		errs = append(errs, "pipeline.max_parallel_steps must be between 1 and 32")
	}
	if c.Pipeline.DefaultTimeoutSecs <= 0 {
		errs = append(errs, "pipeline.default_timeout_secs must be > 0")
	}
	if c.Anthropic.RequestsPerSecond <= 0 {
		errs = append(errs, "anthropic.requests_per_second must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		errs = append(errs, "retry.jitter_fraction must be between 0 and 1")
	}
	if c.Circuit.FailureThreshold < 1 {
		errs = append(errs, "circuit.failure_threshold must be >= 1")
	}
	if c.Batch.WindowMs < 0 {
		errs = append(errs, "batch.window_ms must be >= 0")
	}
	return errs
}

func (c *Config) monitoringErrors() []string {
	m := c.Monitoring
	if !m.Enabled {
		return nil
	}
	var errs []string
	if m.LookbackWindowHours <= 0 {
		errs = append(errs, "monitoring.lookback_window_hours must be > 0")
	}
	if m.AbortRateThreshold < 0 || m.AbortRateThreshold > 1 {
		errs = append(errs, "monitoring.abort_rate_threshold must be between 0 and 1")
	}
	if m.SevereRateThreshold < 0 || m.SevereRateThreshold > 1 {
		errs = append(errs, "monitoring.severe_rate_threshold must be between 0 and 1")
	}
	return errs
}

func (c *Config) storeErrors() []string {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return []string{"store.driver must be sqlite or postgres"}
	}
	if c.Store.DatabaseURL == "" {
		return []string{"store.database_url is required"}
	}
	return nil
}

// InitLogger configures the global zap logger.
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
