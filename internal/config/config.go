// Package config loads application configuration from file and environment.
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
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Ollama     OllamaConfig     `yaml:"ollama" mapstructure:"ollama"`
	Provider   ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Admission  AdmissionConfig  `yaml:"admission" mapstructure:"admission"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
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
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
}

// OllamaConfig holds local Ollama settings.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ProviderConfig configures inference backend selection and circuit breaking.
type ProviderConfig struct {
	Order            []string `yaml:"order" mapstructure:"order"`
	Preferred        string   `yaml:"preferred" mapstructure:"preferred"`
	FailureThreshold int      `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int      `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// Cooldown returns the breaker cooldown as a duration.
func (c ProviderConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// AdmissionConfig configures per-client rate limiting and the global
// concurrency ceiling.
type AdmissionConfig struct {
	RefillRate         float64 `yaml:"refill_rate" mapstructure:"refill_rate"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
	MaxConcurrent      int64   `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	AcquireTimeoutSecs int     `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
	BucketTTLMins      int     `yaml:"bucket_ttl_mins" mapstructure:"bucket_ttl_mins"`
}

// AcquireTimeout returns the slot acquisition timeout as a duration.
func (c AdmissionConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSecs) * time.Second
}

// BucketTTL returns the idle bucket lifetime as a duration.
func (c AdmissionConfig) BucketTTL() time.Duration {
	return time.Duration(c.BucketTTLMins) * time.Minute
}

// PipelineConfig configures triage and escalation behavior.
type PipelineConfig struct {
	Stage1Threshold    float64 `yaml:"stage1_threshold" mapstructure:"stage1_threshold"`
	Stage2Threshold    float64 `yaml:"stage2_threshold" mapstructure:"stage2_threshold"`
	Workers            int     `yaml:"workers" mapstructure:"workers"`
	StageTimeoutSecs   int     `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	RulesPath          string  `yaml:"rules_path" mapstructure:"rules_path"`
	PageSize           int     `yaml:"page_size" mapstructure:"page_size"`
	PersistRetries     int     `yaml:"persist_retries" mapstructure:"persist_retries"`
	DeadlineWindowDays int     `yaml:"deadline_window_days" mapstructure:"deadline_window_days"`
}

// StageTimeout returns the per-request escalation timeout as a duration.
func (c PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSecs) * time.Second
}

// ServerConfig configures the ingest server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures event collection and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CollectIntervalSecs int     `yaml:"collect_interval_secs" mapstructure:"collect_interval_secs"`
	DLQThreshold        int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	DegradedThreshold   float64 `yaml:"degraded_threshold" mapstructure:"degraded_threshold"`
}

// CollectInterval returns the stats collection interval as a duration.
func (c MonitoringConfig) CollectInterval() time.Duration {
	return time.Duration(c.CollectIntervalSecs) * time.Second
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
	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "triage.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.1:8b")
	v.SetDefault("provider.order", []string{"anthropic", "ollama"})
	v.SetDefault("provider.failure_threshold", 5)
	v.SetDefault("provider.cooldown_secs", 30)
	v.SetDefault("admission.refill_rate", 1.0)
	v.SetDefault("admission.burst", 10)
	v.SetDefault("admission.max_concurrent", 8)
	v.SetDefault("admission.acquire_timeout_secs", 10)
	v.SetDefault("admission.bucket_ttl_mins", 30)
	v.SetDefault("pipeline.stage1_threshold", 0.6)
	v.SetDefault("pipeline.stage2_threshold", 0.5)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.stage_timeout_secs", 20)
	v.SetDefault("pipeline.rules_path", "")
	v.SetDefault("pipeline.page_size", 100)
	v.SetDefault("pipeline.persist_retries", 3)
	v.SetDefault("pipeline.deadline_window_days", 3)
	v.SetDefault("monitoring.collect_interval_secs", 60)
	v.SetDefault("monitoring.dlq_threshold", 25)
	v.SetDefault("monitoring.degraded_threshold", 0.2)

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
