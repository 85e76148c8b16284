// Package config loads application configuration from config.yaml and
// LEADPIPE_* environment variables, and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vendalabs/leadpipe/internal/ratelimit"
)

// Config holds the full application configuration.
type Config struct {
	Tenant    string                    `yaml:"tenant" mapstructure:"tenant"`
	Store     StoreConfig               `yaml:"store" mapstructure:"store"`
	Providers ProvidersConfig           `yaml:"providers" mapstructure:"providers"`
	Enrich    EnrichConfig              `yaml:"enrich" mapstructure:"enrich"`
	ICP       ICPConfig                 `yaml:"icp" mapstructure:"icp"`
	RateLimit map[string]ratelimit.Rule `yaml:"rate_limit" mapstructure:"rate_limit"`
	Server    ServerConfig              `yaml:"server" mapstructure:"server"`
	Log       LogConfig                 `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	Path        string `yaml:"path" mapstructure:"path"`     // sqlite file
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig holds one enrichment provider's credentials and cache
// policy. An empty base URL keeps the client's production default.
type ProviderConfig struct {
	APIKey        string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	CacheTTLHours int    `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// TTL returns the cache validity window.
func (p ProviderConfig) TTL() time.Duration {
	return time.Duration(p.CacheTTLHours) * time.Hour
}

// ProvidersConfig groups the five enrichment providers.
type ProvidersConfig struct {
	Registry ProviderConfig `yaml:"registry" mapstructure:"registry"`
	People   ProviderConfig `yaml:"people" mapstructure:"people"`
	Tech     ProviderConfig `yaml:"tech" mapstructure:"tech"`
	Social   ProviderConfig `yaml:"social" mapstructure:"social"`
	Risk     ProviderConfig `yaml:"risk" mapstructure:"risk"`
}

// EnrichConfig bounds enrichment parallelism.
type EnrichConfig struct {
	Workers     int `yaml:"workers" mapstructure:"workers"`         // batch entities in flight
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"` // providers per pass
}

// ICPConfig points at the qualification criteria file.
type ICPConfig struct {
	CriteriaPath string `yaml:"criteria_path" mapstructure:"criteria_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	WebhookVerifyToken string   `yaml:"webhook_verify_token" mapstructure:"webhook_verify_token"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("LEADPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("tenant", "default")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "leadpipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("enrich.workers", 3)
	v.SetDefault("enrich.concurrency", 4)
	v.SetDefault("icp.criteria_path", "criteria.yaml")
	v.SetDefault("providers.registry.cache_ttl_hours", 720)
	v.SetDefault("providers.people.cache_ttl_hours", 168)
	v.SetDefault("providers.tech.cache_ttl_hours", 336)
	v.SetDefault("providers.social.cache_ttl_hours", 168)
	v.SetDefault("providers.risk.cache_ttl_hours", 720)

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

// Validate checks the fields a given mode needs. Provider API keys are
// deliberately not required: an adapter without a key skips itself.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "enrich", "qualify":
		if c.Enrich.Workers < 1 || c.Enrich.Workers > 50 {
			problems = append(problems, "enrich.workers must be between 1 and 50")
		}
	case "import", "events":
		// store checks above suffice
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Rules merges configured rate-limit overrides over the built-in
// per-provider defaults. Keys use the limiter's endpoint form.
func (c *Config) Rules() map[string]ratelimit.Rule {
	rules := map[string]ratelimit.Rule{
		"provider/registry":    {Max: 3, Window: time.Second},
		"provider/people_data": {Max: 60, Window: time.Minute},
		"provider/tech_detect": {Max: 120, Window: time.Minute},
		"provider/social":      {Max: 30, Window: time.Minute},
		"provider/risk":        {Max: 60, Window: time.Minute},
	}
	for k, r := range c.RateLimit {
		rules[k] = r
	}
	return rules
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
