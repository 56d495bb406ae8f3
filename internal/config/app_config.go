// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

// Known environments.
const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Duration wraps time.Duration with YAML decoding from strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		d.Duration = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		var seconds int64
		if _, scanErr := fmt.Sscanf(text, "%d", &seconds); scanErr != nil {
			return fmt.Errorf("invalid duration %q", node.Value)
		}
		parsed = time.Duration(seconds) * time.Second
	}
	if parsed < 0 {
		return fmt.Errorf("duration must not be negative, got %q", node.Value)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Or returns the duration, or fallback when unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d.Duration <= 0 {
		return fallback
	}
	return d.Duration
}

// StreamConfig configures the Polygon streaming connection.
type StreamConfig struct {
	Provider             string   `yaml:"provider"`
	Feed                 string   `yaml:"feed"`
	Delayed              bool     `yaml:"delayed"`
	APIKey               string   `yaml:"apiKey"`
	APIKeyEnv            string   `yaml:"apiKeyEnv"`
	DialTimeout          Duration `yaml:"dialTimeout"`
	KeepAlive            Duration `yaml:"keepAlive"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts"`
	ReconnectBaseDelay   Duration `yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay    Duration `yaml:"reconnectMaxDelay"`
}

// SubscriptionConfig seeds the initial subscription set.
type SubscriptionConfig struct {
	Symbols []string `yaml:"symbols"`
	Kinds   []string `yaml:"kinds"`
}

// GapConfig tunes gap detection.
type GapConfig struct {
	IncludeExtendedHours bool `yaml:"includeExtendedHours"`
	MaxGapsPerSymbol     int  `yaml:"maxGapsPerSymbol"`
	RetentionDays        int  `yaml:"retentionDays"`
}

// SequenceConfig tunes sequence checking.
type SequenceConfig struct {
	GapThreshold   int64 `yaml:"gapThreshold"`
	ResetThreshold int64 `yaml:"resetThreshold"`
	RecentWindow   int   `yaml:"recentWindow"`
}

// AnomalyConfig tunes statistical anomaly detection.
type AnomalyConfig struct {
	ZScoreThreshold             float64  `yaml:"zScoreThreshold"`
	PriceSpikeThresholdPercent  float64  `yaml:"priceSpikeThresholdPercent"`
	RapidChangeWindow           Duration `yaml:"rapidChangeWindow"`
	RapidChangeThresholdPercent float64  `yaml:"rapidChangeThresholdPercent"`
	VolumeSpikeMultiplier       float64  `yaml:"volumeSpikeMultiplier"`
	VolumeDropMultiplier        float64  `yaml:"volumeDropMultiplier"`
	AlertCooldown               Duration `yaml:"alertCooldown"`
	MaxSamples                  int      `yaml:"maxSamples"`
}

// SLAConfig tunes freshness monitoring.
type SLAConfig struct {
	CheckInterval          Duration            `yaml:"checkInterval"`
	DefaultThreshold       Duration            `yaml:"defaultThreshold"`
	AlertCooldown          Duration            `yaml:"alertCooldown"`
	SkipOutsideMarketHours *bool               `yaml:"skipOutsideMarketHours"`
	PerSymbolThresholds    map[string]Duration `yaml:"perSymbolThresholds"`
}

// QualityConfig groups the detector settings.
type QualityConfig struct {
	Gap      GapConfig      `yaml:"gap"`
	Sequence SequenceConfig `yaml:"sequence"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	SLA      SLAConfig      `yaml:"sla"`

	MetricsInterval Duration `yaml:"metricsInterval"`
	RetentionDays   int      `yaml:"retentionDays"`
}

// BackfillConfig bounds the historical backfill worker.
type BackfillConfig struct {
	MaxConcurrent    int      `yaml:"maxConcurrent"`
	MaxAttempts      int      `yaml:"maxAttempts"`
	QueueCapacity    int      `yaml:"queueCapacity"`
	MaxRateLimitWait Duration `yaml:"maxRateLimitWait"`
	AutoResume       *bool    `yaml:"autoResume"`
	RequestsPerMin   int      `yaml:"requestsPerMinute"`
	SeedDays         int      `yaml:"seedDays"`
}

// ReportConfig selects report outputs.
type ReportConfig struct {
	OutputDir  string   `yaml:"outputDir"`
	Formats    []string `yaml:"formats"`
	TopSymbols int      `yaml:"topSymbols"`
}

// StorageConfig configures the Postgres connection.
type StorageConfig struct {
	DSN           string `yaml:"dsn"`
	DSNEnv        string `yaml:"dsnEnv"`
	MaxConns      int32  `yaml:"maxConns"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string   `yaml:"otlpEndpoint"`
	ServiceName    string   `yaml:"serviceName"`
	ExportInterval Duration `yaml:"exportInterval"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified marketpulse application configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment        `yaml:"environment"`
	Stream        StreamConfig       `yaml:"stream"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`
	Quality       QualityConfig      `yaml:"quality"`
	Backfill      BackfillConfig     `yaml:"backfill"`
	Reports       ReportConfig       `yaml:"reports"`
	Storage       StorageConfig      `yaml:"storage"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Stream.Provider = strings.ToLower(strings.TrimSpace(c.Stream.Provider))
	if c.Stream.Provider == "" {
		c.Stream.Provider = "polygon"
	}
	c.Stream.Feed = strings.ToLower(strings.TrimSpace(c.Stream.Feed))
	if c.Stream.Feed == "" {
		c.Stream.Feed = "stocks"
	}
	c.Stream.APIKey = strings.TrimSpace(c.Stream.APIKey)
	c.Stream.APIKeyEnv = strings.TrimSpace(c.Stream.APIKeyEnv)

	for i, s := range c.Subscriptions.Symbols {
		c.Subscriptions.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(c.Subscriptions.Kinds) == 0 {
		c.Subscriptions.Kinds = []string{"trade", "quote", "aggregate"}
	}
	for i, k := range c.Subscriptions.Kinds {
		c.Subscriptions.Kinds[i] = strings.ToLower(strings.TrimSpace(k))
	}

	if len(c.Reports.Formats) == 0 {
		c.Reports.Formats = []string{"json"}
	}
	for i, f := range c.Reports.Formats {
		c.Reports.Formats[i] = strings.ToLower(strings.TrimSpace(f))
	}
	c.Reports.OutputDir = strings.TrimSpace(c.Reports.OutputDir)
	if c.Reports.OutputDir == "" {
		c.Reports.OutputDir = "reports"
	}

	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Storage.DSNEnv = strings.TrimSpace(c.Storage.DSNEnv)
	c.Storage.MigrationsDir = strings.TrimSpace(c.Storage.MigrationsDir)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "marketpulse"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv resolves secret indirections. Values already present in the file
// win over the environment.
func (c *AppConfig) applyEnv() {
	if c.Stream.APIKey == "" {
		envName := c.Stream.APIKeyEnv
		if envName == "" {
			envName = "POLYGON_API_KEY"
		}
		c.Stream.APIKey = strings.TrimSpace(os.Getenv(envName))
	}
	if c.Storage.DSN == "" {
		envName := c.Storage.DSNEnv
		if envName == "" {
			envName = "DATABASE_URL"
		}
		c.Storage.DSN = strings.TrimSpace(os.Getenv(envName))
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Stream.Feed {
	case "stocks", "options", "forex", "crypto":
	default:
		return fmt.Errorf("stream feed must be one of stocks, options, forex, crypto")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream maxReconnectAttempts must be >= 0")
	}

	for _, kind := range c.Subscriptions.Kinds {
		switch kind {
		case "trade", "quote", "aggregate":
		default:
			return fmt.Errorf("subscriptions kind %q must be one of trade, quote, aggregate", kind)
		}
	}

	if c.Quality.Sequence.GapThreshold < 0 {
		return fmt.Errorf("quality sequence gapThreshold must be >= 0")
	}
	if c.Quality.Sequence.ResetThreshold < 0 {
		return fmt.Errorf("quality sequence resetThreshold must be >= 0")
	}
	if c.Quality.Anomaly.ZScoreThreshold < 0 {
		return fmt.Errorf("quality anomaly zScoreThreshold must be >= 0")
	}
	if c.Quality.Anomaly.VolumeDropMultiplier < 0 || c.Quality.Anomaly.VolumeDropMultiplier > 1 {
		return fmt.Errorf("quality anomaly volumeDropMultiplier must be in [0,1]")
	}
	if c.Quality.RetentionDays < 0 {
		return fmt.Errorf("quality retentionDays must be >= 0")
	}

	if c.Backfill.MaxConcurrent != 0 && (c.Backfill.MaxConcurrent < 1 || c.Backfill.MaxConcurrent > 100) {
		return fmt.Errorf("backfill maxConcurrent must be in [1,100]")
	}
	if c.Backfill.MaxAttempts < 0 {
		return fmt.Errorf("backfill maxAttempts must be >= 0")
	}
	if c.Backfill.QueueCapacity < 0 {
		return fmt.Errorf("backfill queueCapacity must be >= 0")
	}
	if c.Backfill.RequestsPerMin < 0 {
		return fmt.Errorf("backfill requestsPerMinute must be >= 0")
	}
	if c.Backfill.SeedDays < 0 {
		return fmt.Errorf("backfill seedDays must be >= 0")
	}

	for _, format := range c.Reports.Formats {
		switch format {
		case "json", "csv", "markdown", "html":
		default:
			return fmt.Errorf("reports format %q must be one of json, csv, markdown, html", format)
		}
	}
	if c.Reports.TopSymbols < 0 {
		return fmt.Errorf("reports topSymbols must be >= 0")
	}

	if c.Storage.MaxConns < 0 {
		return fmt.Errorf("storage maxConns must be >= 0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of trace, debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}

	return nil
}

// SkipOutsideMarketHoursOr resolves the pointer with its default.
func (c SLAConfig) SkipOutsideMarketHoursOr(fallback bool) bool {
	if c.SkipOutsideMarketHours == nil {
		return fallback
	}
	return *c.SkipOutsideMarketHours
}

// AutoResumeOr resolves the pointer with its default.
func (c BackfillConfig) AutoResumeOr(fallback bool) bool {
	if c.AutoResume == nil {
		return fallback
	}
	return *c.AutoResume
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
