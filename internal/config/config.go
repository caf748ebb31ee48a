package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig configures the warehouse connection.
type DatabaseConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Host      string `yaml:"host" mapstructure:"host"`
	Port      int    `yaml:"port" mapstructure:"port"`
	Name      string `yaml:"name" mapstructure:"name"`
	User      string `yaml:"user" mapstructure:"user"`
	Password  string `yaml:"password" mapstructure:"password"`
	SSLMode   string `yaml:"sslmode" mapstructure:"sslmode"`
	Path      string `yaml:"path" mapstructure:"path"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConns  int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns  int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ConnString returns the postgres connection URL for this config.
func (d DatabaseConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// PipelineConfig configures extraction cadence and behavior.
type PipelineConfig struct {
	Symbols                   []string `yaml:"symbols" mapstructure:"symbols"`
	ExtractionIntervalMinutes int      `yaml:"extraction_interval_minutes" mapstructure:"extraction_interval_minutes"`
	Cron                      string   `yaml:"cron" mapstructure:"cron"`
	TickSeconds               int      `yaml:"tick_seconds" mapstructure:"tick_seconds"`
	MaxRetries                int      `yaml:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds            int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// APIConfig holds CoinGecko API settings.
type APIConfig struct {
	BaseURL               string `yaml:"base_url" mapstructure:"base_url"`
	Key                   string `yaml:"key" mapstructure:"key"`
	KeyHeader             string `yaml:"key_header" mapstructure:"key_header"`
	RequestsPerMinute     int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	RateLimitCooldownSecs int    `yaml:"rate_limit_cooldown_secs" mapstructure:"rate_limit_cooldown_secs"`
	RetryWindowSecs       int    `yaml:"retry_window_secs" mapstructure:"retry_window_secs"`
}

// MonitoringConfig configures health classification and the background checker.
type MonitoringConfig struct {
	StaleAfterMinutes    int `yaml:"stale_after_minutes" mapstructure:"stale_after_minutes"`
	LookbackHours        int `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	QualityWindowMinutes int `yaml:"quality_window_minutes" mapstructure:"quality_window_minutes"`
	CheckIntervalSecs    int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the health/metrics server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// legacyEnv maps config keys to the plain environment variable names used by
// existing deployments and docker-compose files.
var legacyEnv = map[string]string{
	"database.host":                        "DB_HOST",
	"database.port":                        "DB_PORT",
	"database.name":                        "DB_NAME",
	"database.user":                        "DB_USER",
	"database.password":                    "DB_PASSWORD",
	"database.batch_size":                  "BATCH_SIZE",
	"pipeline.symbols":                     "CRYPTOCURRENCIES",
	"pipeline.extraction_interval_minutes": "EXTRACTION_INTERVAL_MINUTES",
	"pipeline.max_retries":                 "MAX_RETRIES",
	"pipeline.timeout_seconds":             "TIMEOUT_SECONDS",
	"api.key":                              "COINGECKO_API_KEY",
	"log.level":                            "LOG_LEVEL",
}

// Load reads configuration from file and environment and validates it.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRYPTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", env)
		}
	}

	// Defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "crypto_warehouse")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "crypto.db")
	v.SetDefault("database.batch_size", 100)
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("pipeline.symbols", []string{"bitcoin", "ethereum", "cardano", "polkadot", "chainlink"})
	v.SetDefault("pipeline.extraction_interval_minutes", 60)
	v.SetDefault("pipeline.cron", "")
	v.SetDefault("pipeline.tick_seconds", 60)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.timeout_seconds", 30)
	v.SetDefault("api.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("api.key", "")
	v.SetDefault("api.key_header", "x-cg-demo-api-key")
	v.SetDefault("api.requests_per_minute", 30)
	v.SetDefault("api.rate_limit_cooldown_secs", 60)
	v.SetDefault("api.retry_window_secs", 60)
	v.SetDefault("monitoring.stale_after_minutes", 120)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.quality_window_minutes", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("server.port", 8080)
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
	cfg.Pipeline.Symbols = splitSymbols(cfg.Pipeline.Symbols)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitSymbols flattens comma-joined entries and drops blanks, so that both
// CRYPTOCURRENCIES="bitcoin, ethereum" and a YAML list produce the same slice.
func splitSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, s := range strings.Split(entry, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validate checks that all settings are within their allowed ranges.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			problems = append(problems, "DB_PORT must be between 1 and 65535")
		}
		if c.Database.Host == "" {
			problems = append(problems, "DB_HOST is required")
		}
		if c.Database.Name == "" {
			problems = append(problems, "DB_NAME is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			problems = append(problems, "database.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.BatchSize <= 0 {
		problems = append(problems, "BATCH_SIZE must be positive")
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 || (c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns) {
		problems = append(problems, "database.min_conns must not exceed database.max_conns")
	}

	if c.Pipeline.ExtractionIntervalMinutes <= 0 {
		problems = append(problems, "EXTRACTION_INTERVAL_MINUTES must be positive")
	}
	if c.Pipeline.MaxRetries < 0 {
		problems = append(problems, "MAX_RETRIES must be non-negative")
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		problems = append(problems, "TIMEOUT_SECONDS must be positive")
	}
	if c.Pipeline.TickSeconds <= 0 {
		problems = append(problems, "pipeline.tick_seconds must be positive")
	}
	if len(c.Pipeline.Symbols) == 0 {
		problems = append(problems, "CRYPTOCURRENCIES list cannot be empty")
	}
	if c.Pipeline.Cron != "" {
		if _, err := cron.ParseStandard(c.Pipeline.Cron); err != nil {
			problems = append(problems, fmt.Sprintf("pipeline.cron %q is invalid: %v", c.Pipeline.Cron, err))
		}
	}

	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.API.RequestsPerMinute <= 0 {
		problems = append(problems, "api.requests_per_minute must be positive")
	}
	if c.API.RateLimitCooldownSecs < 0 {
		problems = append(problems, "api.rate_limit_cooldown_secs must be non-negative")
	}
	if c.API.RetryWindowSecs <= 0 {
		problems = append(problems, "api.retry_window_secs must be positive")
	}

	if c.Monitoring.StaleAfterMinutes <= 0 {
		problems = append(problems, "monitoring.stale_after_minutes must be positive")
	}
	if c.Monitoring.LookbackHours <= 0 {
		problems = append(problems, "monitoring.lookback_hours must be positive")
	}
	if c.Monitoring.QualityWindowMinutes <= 0 {
		problems = append(problems, "monitoring.quality_window_minutes must be positive")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
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
