package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"bridgewatch/internal/domain"
	"bridgewatch/internal/logging"
)

// Notary modes.
const (
	NotaryNone     = "none"
	NotaryHTTP     = "http"
	NotaryEthereum = "ethereum"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Validation ValidationConfig `mapstructure:"validation"`
	Estimator  EstimatorConfig  `mapstructure:"estimator"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Trend      TrendConfig      `mapstructure:"trend"`
	Baseline   BaselineConfig   `mapstructure:"baseline"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Notary     NotaryConfig     `mapstructure:"notary"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Export     ExportConfig     `mapstructure:"export"`
	Assets     []domain.Asset   `mapstructure:"assets"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// the engine on the in-memory repository.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	WriteQueueSize  int           `mapstructure:"write_queue_size"`
}

// HTTPConfig governs the API listener.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxBatch        int           `mapstructure:"max_batch"`
	// APIKeys guard the /v1 routes; empty disables the check.
	APIKeys         []string      `mapstructure:"api_keys"`
}

// KafkaConfig covers sample ingestion and alert publication topics.
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	SamplesTopic string   `mapstructure:"samples_topic"`
	GroupID      string   `mapstructure:"group_id"`
	AlertsTopic  string   `mapstructure:"alerts_topic"`
}

// ValidationConfig bounds accepted client timestamps.
type ValidationConfig struct {
	MaxClockSkew     time.Duration `mapstructure:"max_clock_skew"`
	RetentionHorizon time.Duration `mapstructure:"retention_horizon"`
}

// EstimatorConfig tunes the SHI estimator.
type EstimatorConfig struct {
	FrequencyWeight       float64 `mapstructure:"frequency_weight"`
	AmplitudeWeight       float64 `mapstructure:"amplitude_weight"`
	AlphaMin              float64 `mapstructure:"alpha_min"`
	AlphaMax              float64 `mapstructure:"alpha_max"`
	AlphaTau              float64 `mapstructure:"alpha_tau"`
	ConfidenceCap         float64 `mapstructure:"confidence_cap"`
	ConfidenceCountScale  float64 `mapstructure:"confidence_count_scale"`
	ConfidenceSpreadScale float64 `mapstructure:"confidence_spread_scale"`
}

// ClassifierConfig sets the hysteresis margin.
type ClassifierConfig struct {
	Margin float64 `mapstructure:"margin"`
}

// TrendConfig sets the decline detector.
type TrendConfig struct {
	Window  int     `mapstructure:"window"`
	Decline float64 `mapstructure:"decline"`
}

// BaselineConfig sizes the rolling history.
type BaselineConfig struct {
	HistoryCapacity int `mapstructure:"history_capacity"`
}

// AlertingConfig defines alert retention and routing.
type AlertingConfig struct {
	ResolvedHistory int           `mapstructure:"resolved_history"`
	Notify          bool          `mapstructure:"notify"`
	NotifyWorkers   int           `mapstructure:"notify_workers"`
	NotifyQueueSize int           `mapstructure:"notify_queue_size"`
	Webhook         WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig 描述 webhook 告警参数。
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotaryConfig selects and tunes the anchoring transport.
type NotaryConfig struct {
	Mode           string               `mapstructure:"mode"`
	Workers        int                  `mapstructure:"workers"`
	QueueSize      int                  `mapstructure:"queue_size"`
	InitialBackoff time.Duration        `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration        `mapstructure:"max_backoff"`
	MaxAttempts    int                  `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration        `mapstructure:"attempt_timeout"`
	HTTP           NotaryHTTPConfig     `mapstructure:"http"`
	Ethereum       NotaryEthereumConfig `mapstructure:"ethereum"`
}

// NotaryHTTPConfig points at an HTTP anchoring service.
type NotaryHTTPConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Path           string        `mapstructure:"path"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// NotaryEthereumConfig covers on-chain anchoring.
type NotaryEthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PrivateKey     string        `mapstructure:"private_key"`
	ToAddress      string        `mapstructure:"to_address"`
	ChainID        int64         `mapstructure:"chain_id"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CheckpointConfig governs periodic persistence of baseline states.
type CheckpointConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BRIDGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bridgewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.write_queue_size", 4096)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.max_batch", 500)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.samples_topic", "bridgewatch.samples")
	v.SetDefault("kafka.group_id", "bridgewatch")
	v.SetDefault("kafka.alerts_topic", "")

	v.SetDefault("validation.max_clock_skew", "5m")
	v.SetDefault("validation.retention_horizon", "24h")

	v.SetDefault("estimator.frequency_weight", 0.4)
	v.SetDefault("estimator.amplitude_weight", 0.6)
	v.SetDefault("estimator.alpha_min", 0.1)
	v.SetDefault("estimator.alpha_max", 0.5)
	v.SetDefault("estimator.alpha_tau", 20.0)
	v.SetDefault("estimator.confidence_cap", 0.99)
	v.SetDefault("estimator.confidence_count_scale", 10.0)
	v.SetDefault("estimator.confidence_spread_scale", 10.0)

	v.SetDefault("classifier.margin", 3.0)

	v.SetDefault("trend.window", 6)
	v.SetDefault("trend.decline", 15.0)

	v.SetDefault("baseline.history_capacity", 32)

	v.SetDefault("alerting.resolved_history", 200)
	v.SetDefault("alerting.notify", false)
	v.SetDefault("alerting.notify_workers", 2)
	v.SetDefault("alerting.notify_queue_size", 1024)
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("notary.mode", NotaryNone)
	v.SetDefault("notary.workers", 2)
	v.SetDefault("notary.queue_size", 1024)
	v.SetDefault("notary.initial_backoff", "1s")
	v.SetDefault("notary.max_backoff", "1m")
	v.SetDefault("notary.max_attempts", 10)
	v.SetDefault("notary.attempt_timeout", "15s")
	v.SetDefault("notary.http.path", "/blockchain/log")
	v.SetDefault("notary.http.request_timeout", "10s")
	v.SetDefault("notary.http.user_agent", "bridgewatch/1.0")
	v.SetDefault("notary.ethereum.request_timeout", "15s")

	v.SetDefault("checkpoint.interval", "30s")
	v.SetDefault("checkpoint.align_to_bucket", false)
	v.SetDefault("checkpoint.advisory_lock_key", int64(0x62726467))
	v.SetDefault("checkpoint.startup_delay", "0s")
	v.SetDefault("checkpoint.alert_retention", "2160h")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be greater than zero")
	}
	if c.Validation.MaxClockSkew <= 0 || c.Validation.RetentionHorizon <= 0 {
		return fmt.Errorf("validation.max_clock_skew and validation.retention_horizon must be positive")
	}
	if err := c.validateEstimator(); err != nil {
		return err
	}
	if c.Classifier.Margin < 0 {
		return fmt.Errorf("classifier.margin cannot be negative")
	}
	if c.Trend.Window < 5 {
		return fmt.Errorf("trend.window must be at least 5")
	}
	if c.Trend.Decline <= 0 {
		return fmt.Errorf("trend.decline must be greater than zero")
	}
	if c.Baseline.HistoryCapacity < c.Trend.Window {
		return fmt.Errorf("baseline.history_capacity must be >= trend.window")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr 必须配置")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers 必须配置")
		}
		if c.Kafka.SamplesTopic == "" {
			return fmt.Errorf("kafka.samples_topic 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url 必须配置")
	}
	if err := c.validateNotary(); err != nil {
		return err
	}
	return c.validateAssets()
}

func (c *Config) validateEstimator() error {
	e := c.Estimator
	if e.FrequencyWeight < 0 || e.AmplitudeWeight < 0 || e.FrequencyWeight+e.AmplitudeWeight <= 0 {
		return fmt.Errorf("estimator weights must be non-negative and not both zero")
	}
	if e.AlphaMin <= 0 || e.AlphaMax > 1 || e.AlphaMin > e.AlphaMax {
		return fmt.Errorf("estimator alpha must satisfy 0 < alpha_min <= alpha_max <= 1")
	}
	if e.AlphaTau <= 0 {
		return fmt.Errorf("estimator.alpha_tau must be greater than zero")
	}
	if e.ConfidenceCap <= 0 || e.ConfidenceCap >= 1 {
		return fmt.Errorf("estimator.confidence_cap must be in (0, 1)")
	}
	return nil
}

func (c *Config) validateNotary() error {
	switch strings.ToLower(c.Notary.Mode) {
	case "", NotaryNone:
	case NotaryHTTP:
		if c.Notary.HTTP.BaseURL == "" {
			return fmt.Errorf("notary.http.base_url 必须配置")
		}
	case NotaryEthereum:
		if c.Notary.Ethereum.RPCURL == "" {
			return fmt.Errorf("notary.ethereum.rpc_url 必须配置")
		}
		if c.Notary.Ethereum.PrivateKey == "" {
			return fmt.Errorf("notary.ethereum.private_key 必须配置")
		}
	default:
		return fmt.Errorf("unknown notary.mode %q", c.Notary.Mode)
	}
	return nil
}

func (c *Config) validateAssets() error {
	seen := make(map[string]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("assets[%d].id 必须配置", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("assets[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.BaselineFrequency <= 0 || a.BaselineAmplitude <= 0 {
			return fmt.Errorf("assets[%d] (%s): baseline frequency and amplitude must be positive", i, a.ID)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
