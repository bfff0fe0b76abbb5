package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// Config captures the settings required to boot the reliability service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sources     SourcesConfig     `yaml:"sources"`
	Database    DatabaseConfig    `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Rules       RulesConfig       `yaml:"rules"`
	Scopes      []models.ScopeKey `yaml:"scopes" validate:"dive"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// SourcesConfig configures the source-adapter pull API.
type SourcesConfig struct {
	BaseURL  string        `yaml:"baseURL" validate:"omitempty,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	Rate     float64       `yaml:"rate" validate:"gte=0"`
	Burst    int           `yaml:"burst" validate:"gte=0"`
	CacheTTL time.Duration `yaml:"cacheTTL" validate:"gte=0"`
}

// DatabaseConfig configures the Postgres store. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"maxConns" validate:"gte=0"`
	MigrateOnStart bool   `yaml:"migrateOnStart"`
}

// CacheConfig controls the Redis-compatible cache and refresh lease.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries" validate:"gte=0"`
	TLS          bool          `yaml:"tls"`
	LeaseTTL     time.Duration `yaml:"leaseTTL" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json console"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter" validate:"omitempty,oneof=stdout none"`
	ServiceName string `yaml:"serviceName"`
}

// CorrelationConfig tunes the fuzzy pass.
type CorrelationConfig struct {
	Threshold float64 `yaml:"threshold" validate:"gt=0,lte=1"`
}

// ScoringConfig tunes the reliability scorer.
type ScoringConfig struct {
	Weights            WeightsConfig            `yaml:"weights"`
	TrendEpsilon       float64                  `yaml:"trendEpsilon" validate:"gte=0"`
	TrendWindow        time.Duration            `yaml:"trendWindow" validate:"gt=0"`
	CriticalSaturation int                      `yaml:"criticalSaturation" validate:"gt=0"`
	MaxIssueDensity    float64                  `yaml:"maxIssueDensity" validate:"gt=0"`
	FreshnessWindow    time.Duration            `yaml:"freshnessWindow" validate:"gt=0"`
	FactorLimit        int                      `yaml:"factorLimit" validate:"gte=0"`
	SLATargets         map[string]time.Duration `yaml:"slaTargets"`
	DefaultSLA         time.Duration            `yaml:"defaultSLA" validate:"gt=0"`
}

// WeightsConfig holds the composite weights, which must sum to 1.0.
type WeightsConfig struct {
	Runtime     float64 `yaml:"runtime" validate:"gte=0,lte=1"`
	Quality     float64 `yaml:"quality" validate:"gte=0,lte=1"`
	Operations  float64 `yaml:"operations" validate:"gte=0,lte=1"`
	CrossSystem float64 `yaml:"crossSystem" validate:"gte=0,lte=1"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.Runtime + w.Quality + w.Operations + w.CrossSystem
}

// RefreshConfig controls the orchestrator and snapshot retention.
type RefreshConfig struct {
	Workers           int               `yaml:"workers" validate:"gt=0"`
	MaxAge            time.Duration     `yaml:"maxAge" validate:"gt=0"`
	ScanInterval      time.Duration     `yaml:"scanInterval" validate:"gt=0"`
	GenerationTimeout time.Duration     `yaml:"generationTimeout" validate:"gte=0"`
	RetainCount       int               `yaml:"retainCount" validate:"gte=0"`
	RetainAge         time.Duration     `yaml:"retainAge" validate:"gte=0"`
	CommonScopes      []models.ScopeKey `yaml:"commonScopes" validate:"dive"`
}

// RulesConfig controls rule-pack loading for the recommender.
type RulesConfig struct {
	Path string `yaml:"path"`
}

const weightTolerance = 1e-6

var validate = validator.New()

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_REL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints plus the cross-field invariants validator tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if sum := c.Scoring.Weights.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("invalid config: scoring weights sum to %.4f, want 1.0", sum)
	}
	for _, key := range append(append([]models.ScopeKey(nil), c.Scopes...), c.Refresh.CommonScopes...) {
		if !key.Kind.Valid() || key.Scope == "" {
			return fmt.Errorf("invalid config: scope %q", key.String())
		}
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50052",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Sources: SourcesConfig{
			Timeout:  5 * time.Second,
			Rate:     20,
			Burst:    5,
			CacheTTL: time.Minute,
		},
		Database: DatabaseConfig{MaxConns: 8, MigrateOnStart: true},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			LeaseTTL:     2 * time.Minute,
		},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Tracing:     TracingConfig{Exporter: "stdout", ServiceName: "mirador-reliability"},
		Correlation: CorrelationConfig{Threshold: 0.80},
		Scoring: ScoringConfig{
			Weights:            WeightsConfig{Runtime: 0.4, Quality: 0.3, Operations: 0.2, CrossSystem: 0.1},
			TrendEpsilon:       1.0,
			TrendWindow:        30 * 24 * time.Hour,
			CriticalSaturation: 4,
			MaxIssueDensity:    10,
			FreshnessWindow:    24 * time.Hour,
			FactorLimit:        3,
			SLATargets: map[string]time.Duration{
				"highest": 24 * time.Hour,
				"high":    24 * time.Hour,
			},
			DefaultSLA: 72 * time.Hour,
		},
		Refresh: RefreshConfig{
			Workers:           4,
			MaxAge:            30 * time.Minute,
			ScanInterval:      time.Minute,
			GenerationTimeout: 2 * time.Minute,
			RetainCount:       5,
			RetainAge:         24 * time.Hour,
			CommonScopes:      []models.ScopeKey{{Kind: models.KindExecutive, Scope: "all"}},
		},
		Rules: RulesConfig{Path: "configs/rules/default.yaml"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_REL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_REL_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_REL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_REL_SOURCES_URL"); v != "" {
		cfg.Sources.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_REL_SOURCES_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sources.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_REL_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MIRADOR_REL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_REL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_REL_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_REL_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_REL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_REL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_REL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_REL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_REL_CORRELATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Correlation.Threshold = f
		}
	}
	if v := os.Getenv("MIRADOR_REL_REFRESH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Refresh.Workers = n
		}
	}
	if v := os.Getenv("MIRADOR_REL_REFRESH_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Refresh.MaxAge = d
		}
	}
	if v := os.Getenv("MIRADOR_REL_REFRESH_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Refresh.ScanInterval = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
