// Package config loads the processor configuration from a YAML or JSON file
// with ROUTEPROC_* environment overrides, and converts each section into the
// typed Config of the package that owns it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/banshee-data/route.report/internal/geofence"
	"github.com/banshee-data/route.report/internal/mapmatch"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/retry"
	"github.com/banshee-data/route.report/internal/speedlimit"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/validation"
	"github.com/banshee-data/route.report/internal/violation"
)

// EnvPrefix prefixes every environment override, e.g.
// ROUTEPROC_DATABASE_PATH or ROUTEPROC_MATCHER_BASE_URL.
const EnvPrefix = "ROUTEPROC"

// DefaultConfigName is searched for in the working directory when no path
// is given.
const DefaultConfigName = "routeproc"

const maxFileSize = 1 * 1024 * 1024 // 1MB

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Validation ValidationConfig `mapstructure:"validation"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Geofence   GeofenceConfig   `mapstructure:"geofence"`
	SpeedLimit SpeedLimitConfig `mapstructure:"speed_limit"`
	Violation  ViolationConfig  `mapstructure:"violation"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Server     ServerConfig     `mapstructure:"server"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type BoundsConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	MinLat  float64 `mapstructure:"min_lat" validate:"gte=-90,lte=90"`
	MaxLat  float64 `mapstructure:"max_lat" validate:"gte=-90,lte=90"`
	MinLon  float64 `mapstructure:"min_lon" validate:"gte=-180,lte=180"`
	MaxLon  float64 `mapstructure:"max_lon" validate:"gte=-180,lte=180"`
}

type ValidationConfig struct {
	Bounds             BoundsConfig  `mapstructure:"bounds"`
	MinSatellites      int           `mapstructure:"min_satellites" validate:"gte=0"`
	MaxHDOP            float64       `mapstructure:"max_hdop" validate:"gt=0"`
	MaxSpeedKPH        float64       `mapstructure:"max_speed_kph" validate:"gt=0"`
	AcquisitionTimeout time.Duration `mapstructure:"acquisition_timeout" validate:"gte=0"`
	MaxSpeedDeltaKPH   float64       `mapstructure:"max_speed_delta_kph" validate:"gt=0"`
	DeltaWindow        time.Duration `mapstructure:"delta_window" validate:"gte=0"`
	MaxStepMeters      float64       `mapstructure:"max_step_meters" validate:"gt=0"`
	StepWindow         time.Duration `mapstructure:"step_window" validate:"gte=0"`
	MaxImpliedSpeedKPH float64       `mapstructure:"max_implied_speed_kph" validate:"gt=0"`
	HighSpeedWarnKPH   float64       `mapstructure:"high_speed_warn_kph" validate:"gt=0"`
	WarnHDOP           float64       `mapstructure:"warn_hdop" validate:"gt=0"`
	WarnSatellites     int           `mapstructure:"warn_satellites" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gt=0"`
	Multiplier      float64       `mapstructure:"multiplier" validate:"gte=1"`
}

type MatcherConfig struct {
	BaseURL               string        `mapstructure:"base_url" validate:"omitempty,url"`
	Profile               string        `mapstructure:"profile" validate:"required"`
	SearchRadiusMeters    float64       `mapstructure:"search_radius_meters" validate:"gt=0"`
	MaxPoints             int           `mapstructure:"max_points" validate:"gte=2"`
	MaxGap                time.Duration `mapstructure:"max_gap" validate:"gt=0"`
	JitterMinMeters       float64       `mapstructure:"jitter_min_meters" validate:"gte=0"`
	JitterMaxSpeedKPH     float64       `mapstructure:"jitter_max_speed_kph" validate:"gte=0"`
	JitterWindow          time.Duration `mapstructure:"jitter_window" validate:"gte=0"`
	ImplausibleJumpMeters float64       `mapstructure:"implausible_jump_meters" validate:"gt=0"`
	Timeout               time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Retry                 RetryConfig   `mapstructure:"retry"`
}

type GeofenceConfig struct {
	TileSize int `mapstructure:"tile_size" validate:"gte=2"`
}

type CacheConfig struct {
	ToleranceMeters float64       `mapstructure:"tolerance_meters" validate:"gt=0"`
	TTL             time.Duration `mapstructure:"ttl" validate:"gt=0"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
}

// ProviderConfig describes one Roads-style speed-limit endpoint.
type ProviderConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Name      string        `mapstructure:"name" validate:"required"`
	BaseURL   string        `mapstructure:"base_url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxPoints int           `mapstructure:"max_points" validate:"gte=1,lte=100"`

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64     `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int         `mapstructure:"burst" validate:"gte=0"`
	Retry     RetryConfig `mapstructure:"retry"`
}

type StaticConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Radii   []float64 `mapstructure:"radii" validate:"required_if=Enabled true,dive,gt=0"`
}

type SpeedLimitConfig struct {
	Cache            CacheConfig                   `mapstructure:"cache"`
	Primary          ProviderConfig                `mapstructure:"primary"`
	Secondary        ProviderConfig                `mapstructure:"secondary"`
	Static           StaticConfig                  `mapstructure:"static"`
	DefaultRoadType  string                        `mapstructure:"default_road_type" validate:"oneof=urban interurban highway"`
	CanonicalWarnKPH float64                       `mapstructure:"canonical_warn_kph" validate:"gte=0"`
	Canonical        map[string][]float64          `mapstructure:"canonical"`
	Defaults         map[string]map[string]float64 `mapstructure:"defaults"`
}

type ViolationConfig struct {
	StationaryKPH  float64                       `mapstructure:"stationary_kph" validate:"gte=0"`
	ToleranceKPH   float64                       `mapstructure:"tolerance_kph" validate:"gte=0"`
	Bonuses        map[string]map[string]float64 `mapstructure:"bonuses"`
	LeveMaxKPH     float64                       `mapstructure:"leve_max_kph" validate:"gt=0"`
	ModeradaMaxKPH float64                       `mapstructure:"moderada_max_kph" validate:"gtfield=LeveMaxKPH"`
	GraveMaxKPH    float64                       `mapstructure:"grave_max_kph" validate:"gtfield=ModeradaMaxKPH"`
}

type PipelineConfig struct {
	Workers int `mapstructure:"workers" validate:"gte=1,lte=256"`
}

type ServerConfig struct {
	Listen      string `mapstructure:"listen" validate:"required"`
	EnableDebug bool   `mapstructure:"enable_debug"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic    string   `mapstructure:"topic" validate:"required_if=Enabled true"`
	GroupID  string   `mapstructure:"group_id" validate:"required_if=Enabled true"`
	MinBytes int      `mapstructure:"min_bytes" validate:"gte=0"`
	MaxBytes int      `mapstructure:"max_bytes" validate:"gtefield=MinBytes"`
	Workers  int      `mapstructure:"workers" validate:"gte=1"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type TelemetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ServiceName  string        `mapstructure:"service_name" validate:"required"`
	Environment  string        `mapstructure:"environment"`
	OTLPEndpoint string        `mapstructure:"otlp_endpoint" validate:"required_if=Enabled true"`
	Insecure     bool          `mapstructure:"insecure"`
	SampleRate   float64       `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
}

// Load reads path (or ./routeproc.{yaml,json} when path is empty), applies
// environment overrides on top of the built-in defaults and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if err := checkFile(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(DefaultConfigName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		monitoring.Logger().Debug("no config file found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with no file or environment
// applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a decode failure is a programming error.
		panic(err)
	}
	return &cfg
}

func checkFile(path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-section rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	b := c.Validation.Bounds
	if b.Enabled && (b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon) {
		return fmt.Errorf("invalid config: validation.bounds min must be below max")
	}
	for _, r := range []struct {
		name string
		cfg  RetryConfig
	}{
		{"matcher.retry", c.Matcher.Retry},
		{"speed_limit.primary.retry", c.SpeedLimit.Primary.Retry},
		{"speed_limit.secondary.retry", c.SpeedLimit.Secondary.Retry},
	} {
		if r.cfg.MaxInterval < r.cfg.InitialInterval {
			return fmt.Errorf("invalid config: %s.max_interval is below initial_interval", r.name)
		}
	}
	for rt := range c.SpeedLimit.Canonical {
		if !telemetry.RoadType(rt).Valid() {
			return fmt.Errorf("invalid config: unknown road type %q in speed_limit.canonical", rt)
		}
	}
	if err := checkClassTable("speed_limit.defaults", c.SpeedLimit.Defaults); err != nil {
		return err
	}
	return checkClassTable("violation.bonuses", c.Violation.Bonuses)
}

func checkClassTable(name string, table map[string]map[string]float64) error {
	known := make(map[string]bool, len(telemetry.VehicleClasses))
	for _, vc := range telemetry.VehicleClasses {
		known[string(vc)] = true
	}
	for class, row := range table {
		if !known[class] {
			return fmt.Errorf("invalid config: unknown vehicle class %q in %s", class, name)
		}
		for rt := range row {
			if !telemetry.RoadType(rt).Valid() {
				return fmt.Errorf("invalid config: unknown road type %q in %s.%s", rt, name, class)
			}
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "route.db")

	vc := validation.DefaultConfig()
	v.SetDefault("validation.bounds.enabled", vc.Bounds != nil)
	v.SetDefault("validation.bounds.min_lat", vc.Bounds.MinLat)
	v.SetDefault("validation.bounds.max_lat", vc.Bounds.MaxLat)
	v.SetDefault("validation.bounds.min_lon", vc.Bounds.MinLon)
	v.SetDefault("validation.bounds.max_lon", vc.Bounds.MaxLon)
	v.SetDefault("validation.min_satellites", vc.MinSatellites)
	v.SetDefault("validation.max_hdop", vc.MaxHDOP)
	v.SetDefault("validation.max_speed_kph", vc.MaxSpeedKPH)
	v.SetDefault("validation.acquisition_timeout", vc.AcquisitionTimeout)
	v.SetDefault("validation.max_speed_delta_kph", vc.MaxSpeedDeltaKPH)
	v.SetDefault("validation.delta_window", vc.DeltaWindow)
	v.SetDefault("validation.max_step_meters", vc.MaxStepMeters)
	v.SetDefault("validation.step_window", vc.StepWindow)
	v.SetDefault("validation.max_implied_speed_kph", vc.MaxImpliedSpeedKPH)
	v.SetDefault("validation.high_speed_warn_kph", vc.HighSpeedWarnKPH)
	v.SetDefault("validation.warn_hdop", vc.WarnHDOP)
	v.SetDefault("validation.warn_satellites", vc.WarnSatellites)

	mc := mapmatch.DefaultConfig()
	v.SetDefault("matcher.base_url", mc.BaseURL)
	v.SetDefault("matcher.profile", mc.Profile)
	v.SetDefault("matcher.search_radius_meters", mc.SearchRadiusMeters)
	v.SetDefault("matcher.max_points", mc.MaxPoints)
	v.SetDefault("matcher.max_gap", mc.MaxGap)
	v.SetDefault("matcher.jitter_min_meters", mc.JitterMinMeters)
	v.SetDefault("matcher.jitter_max_speed_kph", mc.JitterMaxSpeedKPH)
	v.SetDefault("matcher.jitter_window", mc.JitterWindow)
	v.SetDefault("matcher.implausible_jump_meters", mc.ImplausibleJumpMeters)
	v.SetDefault("matcher.timeout", mc.Timeout)
	setRetryDefaults(v, "matcher.retry")

	v.SetDefault("geofence.tile_size", geofence.DefaultConfig().TileSize)

	v.SetDefault("speed_limit.cache.tolerance_meters", 25.0)
	v.SetDefault("speed_limit.cache.ttl", 168*time.Hour)
	v.SetDefault("speed_limit.cache.redis_prefix", "sl:")
	setProviderDefaults(v, "speed_limit.primary", "roads-primary")
	setProviderDefaults(v, "speed_limit.secondary", "roads-secondary")
	v.SetDefault("speed_limit.static.enabled", true)
	v.SetDefault("speed_limit.static.radii", speedlimit.DefaultStaticRadii)
	sc := speedlimit.DefaultConfig()
	v.SetDefault("speed_limit.default_road_type", string(sc.DefaultRoadType))
	v.SetDefault("speed_limit.canonical_warn_kph", sc.CanonicalWarnKPH)
	canonical := make(map[string][]float64, len(sc.Canonical))
	for rt, set := range sc.Canonical {
		canonical[string(rt)] = set
	}
	v.SetDefault("speed_limit.canonical", canonical)
	v.SetDefault("speed_limit.defaults", stringTable(sc.Defaults))

	vd := violation.DefaultConfig()
	v.SetDefault("violation.stationary_kph", vd.StationaryKPH)
	v.SetDefault("violation.tolerance_kph", vd.ToleranceKPH)
	v.SetDefault("violation.bonuses", stringTable(vd.Bonuses))
	v.SetDefault("violation.leve_max_kph", vd.LeveMaxKPH)
	v.SetDefault("violation.moderada_max_kph", vd.ModeradaMaxKPH)
	v.SetDefault("violation.grave_max_kph", vd.GraveMaxKPH)

	v.SetDefault("pipeline.workers", 4)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.enable_debug", true)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "telemetry-sessions")
	v.SetDefault("kafka.group_id", "routeproc")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10000000)
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "routeproc")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.batch_timeout", 5*time.Second)
}

func setRetryDefaults(v *viper.Viper, prefix string) {
	p := retry.DefaultPolicy()
	v.SetDefault(prefix+".max_attempts", p.MaxAttempts)
	v.SetDefault(prefix+".initial_interval", p.InitialInterval)
	v.SetDefault(prefix+".max_interval", p.MaxInterval)
	v.SetDefault(prefix+".multiplier", p.Multiplier)
}

func setProviderDefaults(v *viper.Viper, prefix, name string) {
	v.SetDefault(prefix+".enabled", false)
	v.SetDefault(prefix+".name", name)
	v.SetDefault(prefix+".base_url", "")
	v.SetDefault(prefix+".api_key", "")
	v.SetDefault(prefix+".timeout", 5*time.Second)
	v.SetDefault(prefix+".max_points", 100)
	v.SetDefault(prefix+".rate_limit", 10.0)
	v.SetDefault(prefix+".burst", 10)
	setRetryDefaults(v, prefix+".retry")
}

func stringTable[K ~string, R ~string](t map[K]map[R]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(t))
	for k, row := range t {
		inner := make(map[string]float64, len(row))
		for r, val := range row {
			inner[string(r)] = val
		}
		out[string(k)] = inner
	}
	return out
}
