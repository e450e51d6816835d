package config

import (
	"math"
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
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	Naming     NamingConfig     `yaml:"naming" mapstructure:"naming"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
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

// RedisConfig configures the distributed run lock. An empty URL selects the
// in-process lock.
type RedisConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// GeocodeConfig configures the external geocoding provider.
type GeocodeConfig struct {
	Provider         string `yaml:"provider" mapstructure:"provider"`
	OpenCageKey      string `yaml:"opencage_key" mapstructure:"opencage_key"`
	GoogleKey        string `yaml:"google_key" mapstructure:"google_key"`
	CountryCode      string `yaml:"country_code" mapstructure:"country_code"`
	CountryName      string `yaml:"country_name" mapstructure:"country_name"`
	MinIntervalMs    int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryAttempts    int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	CircuitThreshold int    `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int    `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	CacheTTLDays     int    `yaml:"cache_ttl_days" mapstructure:"cache_ttl_days"`
	ReverseLookup    bool   `yaml:"reverse_lookup" mapstructure:"reverse_lookup"`
}

// WeightsConfig holds the compatibility factor weights. They must sum to 1.
type WeightsConfig struct {
	Proximity float64 `yaml:"proximity" mapstructure:"proximity"`
	LifeStage float64 `yaml:"life_stage" mapstructure:"life_stage"`
	Spending  float64 `yaml:"spending" mapstructure:"spending"`
	Frequency float64 `yaml:"frequency" mapstructure:"frequency"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.Proximity + w.LifeStage + w.Spending + w.Frequency
}

// MatchingConfig holds thresholds for placement and rebalancing.
type MatchingConfig struct {
	MaxDistanceKm        float64       `yaml:"max_distance_km" mapstructure:"max_distance_km"`
	MinCircleSize        int           `yaml:"min_circle_size" mapstructure:"min_circle_size"`
	MaxCircleSize        int           `yaml:"max_circle_size" mapstructure:"max_circle_size"`
	Weights              WeightsConfig `yaml:"weights" mapstructure:"weights"`
	PlacementThreshold   float64       `yaml:"placement_threshold" mapstructure:"placement_threshold"`
	RelocationThreshold  float64       `yaml:"relocation_threshold" mapstructure:"relocation_threshold"`
	DominanceThreshold   float64       `yaml:"dominance_threshold" mapstructure:"dominance_threshold"`
	CoreConfidence       float64       `yaml:"core_confidence" mapstructure:"core_confidence"`
	CohesionFactor       float64       `yaml:"cohesion_factor" mapstructure:"cohesion_factor"`
	TransitionGraceHours int           `yaml:"transition_grace_hours" mapstructure:"transition_grace_hours"`
	LookupConcurrency    int           `yaml:"lookup_concurrency" mapstructure:"lookup_concurrency"`
}

// TransitionGrace returns how long a relocating member keeps the old membership.
func (m MatchingConfig) TransitionGrace() time.Duration {
	return time.Duration(m.TransitionGraceHours) * time.Hour
}

// NamingConfig configures circle name and description generation.
type NamingConfig struct {
	GenericCategories []string          `yaml:"generic_categories" mapstructure:"generic_categories"`
	Placeholder       string            `yaml:"placeholder" mapstructure:"placeholder"`
	PrefixCities      map[string]string `yaml:"prefix_cities" mapstructure:"prefix_cities"`
	PrefixFile        string            `yaml:"prefix_file" mapstructure:"prefix_file"`
}

// SchedulerConfig configures the transition worker.
type SchedulerConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	LeaseSecs        int `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run health checks. An empty WebhookURL
// disables alert delivery.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WriteFailureThreshold int     `yaml:"write_failure_threshold" mapstructure:"write_failure_threshold"`
	OverdueAfterMins      int     `yaml:"overdue_after_mins" mapstructure:"overdue_after_mins"`
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
	v.SetEnvPrefix("CIRCLES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl_secs", 900)
	v.SetDefault("geocode.provider", "opencage")
	v.SetDefault("geocode.opencage_key", "")
	v.SetDefault("geocode.google_key", "")
	v.SetDefault("geocode.country_code", "ca")
	v.SetDefault("geocode.country_name", "Canada")
	v.SetDefault("geocode.min_interval_ms", 1100)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.retry_attempts", 2)
	v.SetDefault("geocode.circuit_threshold", 5)
	v.SetDefault("geocode.circuit_reset_secs", 60)
	v.SetDefault("geocode.cache_ttl_days", 0)
	v.SetDefault("geocode.reverse_lookup", true)
	v.SetDefault("matching.max_distance_km", 5.0)
	v.SetDefault("matching.min_circle_size", 3)
	v.SetDefault("matching.max_circle_size", 8)
	v.SetDefault("matching.weights.proximity", 0.40)
	v.SetDefault("matching.weights.life_stage", 0.25)
	v.SetDefault("matching.weights.spending", 0.25)
	v.SetDefault("matching.weights.frequency", 0.10)
	v.SetDefault("matching.placement_threshold", 0.7)
	v.SetDefault("matching.relocation_threshold", 0.8)
	v.SetDefault("matching.dominance_threshold", 0.6)
	v.SetDefault("matching.core_confidence", 0.7)
	v.SetDefault("matching.cohesion_factor", 1.2)
	v.SetDefault("matching.transition_grace_hours", 48)
	v.SetDefault("matching.lookup_concurrency", 8)
	v.SetDefault("naming.generic_categories", []string{"convenience", "premium"})
	v.SetDefault("naming.placeholder", "Local")
	v.SetDefault("naming.prefix_cities", map[string]string{
		"M": "Toronto",
		"K": "Ottawa",
		"V": "Vancouver",
		"T": "Calgary",
		"R": "Winnipeg",
	})
	v.SetDefault("naming.prefix_file", "")
	v.SetDefault("scheduler.poll_interval_secs", 60)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.lease_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.write_failure_threshold", 10)
	v.SetDefault("monitoring.overdue_after_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// ConfigurationError lists every problem found while validating
// configuration. It is fatal before a run starts.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// NewConfigurationError returns nil when problems is empty.
func NewConfigurationError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ConfigurationError{Problems: problems}
}

// Validate checks that the fields needed by the given mode are present and
// in range. Modes: match, worker, serve, geo, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "match", "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateGeocode()...)
		errs = append(errs, c.Matching.Validate()...)
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	case "worker":
		errs = append(errs, c.validateStore()...)
		if c.Scheduler.PollIntervalSecs <= 0 {
			errs = append(errs, "scheduler.poll_interval_secs must be > 0")
		}
		if c.Scheduler.BatchSize <= 0 {
			errs = append(errs, "scheduler.batch_size must be > 0")
		}
	case "geo":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateGeocode()...)
	case "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		errs = append(errs, "unknown mode: "+mode)
	}

	return NewConfigurationError(errs)
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateGeocode() []string {
	var errs []string
	switch c.Geocode.Provider {
	case "opencage":
		if c.Geocode.OpenCageKey == "" {
			errs = append(errs, "geocode.opencage_key is required for provider opencage")
		}
	case "google":
		if c.Geocode.GoogleKey == "" {
			errs = append(errs, "geocode.google_key is required for provider google")
		}
	case "none", "":
	default:
		errs = append(errs, "geocode.provider must be opencage, google or none")
	}
	if c.Geocode.CountryCode == "" {
		errs = append(errs, "geocode.country_code is required")
	}
	if c.Geocode.MinIntervalMs < 0 {
		errs = append(errs, "geocode.min_interval_ms must be >= 0")
	}
	return errs
}

// Validate returns every range problem in the matching thresholds and weights.
func (m MatchingConfig) Validate() []string {
	var errs []string
	if m.MaxDistanceKm <= 0 {
		errs = append(errs, "matching.max_distance_km must be > 0")
	}
	if m.MinCircleSize < 1 {
		errs = append(errs, "matching.min_circle_size must be >= 1")
	}
	if m.MinCircleSize > m.MaxCircleSize {
		errs = append(errs, "matching.min_circle_size must be <= matching.max_circle_size")
	}
	w := m.Weights
	if w.Proximity < 0 || w.LifeStage < 0 || w.Spending < 0 || w.Frequency < 0 {
		errs = append(errs, "matching.weights must be non-negative")
	}
	if math.Abs(w.Sum()-1.0) > 0.01 {
		errs = append(errs, "matching.weights must sum to 1.0")
	}
	for name, v := range map[string]float64{
		"placement_threshold":  m.PlacementThreshold,
		"relocation_threshold": m.RelocationThreshold,
		"dominance_threshold":  m.DominanceThreshold,
		"core_confidence":      m.CoreConfidence,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, "matching."+name+" must be between 0 and 1")
		}
	}
	if m.CohesionFactor <= 0 {
		errs = append(errs, "matching.cohesion_factor must be > 0")
	}
	if m.TransitionGraceHours < 0 {
		errs = append(errs, "matching.transition_grace_hours must be >= 0")
	}
	if m.LookupConcurrency < 1 {
		errs = append(errs, "matching.lookup_concurrency must be >= 1")
	}
	return errs
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
