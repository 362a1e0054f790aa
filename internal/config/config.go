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
	Input      InputConfig      `yaml:"input" mapstructure:"input"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Points     PointsConfig     `yaml:"points" mapstructure:"points"`
	Segments   SegmentsConfig   `yaml:"segments" mapstructure:"segments"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// InputConfig describes the postal-code registry CSV.
type InputConfig struct {
	Path             string `yaml:"path" mapstructure:"path"`
	URL              string `yaml:"url" mapstructure:"url"`
	Encoding         string `yaml:"encoding" mapstructure:"encoding"`
	PostalCodeColumn int    `yaml:"postal_code_column" mapstructure:"postal_code_column"`
	AddressColumns   []int  `yaml:"address_columns" mapstructure:"address_columns"`
}

// BatchConfig configures batch artifacts. Dir is a directory or a bucket URL.
type BatchConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	Size        int    `yaml:"size" mapstructure:"size"`
	Compression string `yaml:"compression" mapstructure:"compression"`
}

// OutputConfig configures the merged output table.
type OutputConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Name        string `yaml:"name" mapstructure:"name"`
}

// GeocodeConfig configures the address lookup service.
type GeocodeConfig struct {
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	CachePath    string  `yaml:"cache_path" mapstructure:"cache_path"`
	CacheTTLDays int     `yaml:"cache_ttl_days" mapstructure:"cache_ttl_days"`
}

// PointsConfig configures the sorted points file written by assort.
type PointsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SegmentsConfig configures segment derivation.
type SegmentsConfig struct {
	AllPath     string  `yaml:"all_path" mapstructure:"all_path"`
	MajorPath   string  `yaml:"major_path" mapstructure:"major_path"`
	ThresholdKM float64 `yaml:"threshold_km" mapstructure:"threshold_km"`
}

// PublishConfig configures loading the merged output into Postgres.
type PublishConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RateLimitInterval returns the pause between consecutive lookups.
func (c GeocodeConfig) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimit * float64(time.Second))
}

// Timeout returns the per-request lookup timeout.
func (c GeocodeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// legacyEnv maps config keys to the unprefixed environment names older
// shell wrappers export.
var legacyEnv = map[string]string{
	"input.path":         "INPUT_CSV",
	"batch.dir":          "BATCH_DIR",
	"output.path":        "OUTPUT_CSV",
	"checkpoint.path":    "CHECKPOINT_FILE",
	"batch.size":         "BATCH_SIZE",
	"geocode.rate_limit": "RATE_LIMIT",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ZIPGEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "ZIPGEO_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("input.path", "utf_ken_all.csv")
	v.SetDefault("input.url", "https://www.post.japanpost.jp/zipcode/utf/zip/utf_ken_all.zip")
	v.SetDefault("input.encoding", "utf-8")
	v.SetDefault("input.postal_code_column", 2)
	v.SetDefault("input.address_columns", []int{6, 7, 8})
	v.SetDefault("batch.dir", "batches")
	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.compression", "none")
	v.SetDefault("output.path", "zip_latlon_mapping.csv")
	v.SetDefault("output.format", "csv")
	v.SetDefault("checkpoint.driver", "file")
	v.SetDefault("checkpoint.path", "checkpoint.json")
	v.SetDefault("checkpoint.name", "default")
	v.SetDefault("checkpoint.database_url", "")
	v.SetDefault("geocode.base_url", "https://msearch.gsi.go.jp/address-search/AddressSearch")
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.rate_limit", 1.0)
	v.SetDefault("geocode.max_attempts", 1)
	v.SetDefault("points.path", "postal_codes.json")
	v.SetDefault("segments.all_path", "all_segments.json")
	v.SetDefault("segments.major_path", "major_segments.json")
	v.SetDefault("segments.threshold_km", 10.0)
	v.SetDefault("publish.database_url", "")
	v.SetDefault("publish.table", "postal_code_coordinates")
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

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Input.Path) == "" {
		return eris.New("config: input.path is required")
	}
	if c.Input.PostalCodeColumn < 0 {
		return eris.Errorf("config: input.postal_code_column must be >= 0, got %d", c.Input.PostalCodeColumn)
	}
	if len(c.Input.AddressColumns) == 0 {
		return eris.New("config: input.address_columns must not be empty")
	}
	for _, col := range c.Input.AddressColumns {
		if col < 0 {
			return eris.Errorf("config: input.address_columns must be >= 0, got %d", col)
		}
	}
	if strings.TrimSpace(c.Batch.Dir) == "" {
		return eris.New("config: batch.dir is required")
	}
	if c.Batch.Size <= 0 {
		return eris.Errorf("config: batch.size must be positive, got %d", c.Batch.Size)
	}
	switch c.Batch.Compression {
	case "", "none", "zstd":
	default:
		return eris.Errorf("config: unknown batch.compression %q", c.Batch.Compression)
	}
	switch c.Output.Format {
	case "csv", "parquet":
	default:
		return eris.Errorf("config: unknown output.format %q", c.Output.Format)
	}
	switch c.Checkpoint.Driver {
	case "file", "sqlite":
		if strings.TrimSpace(c.Checkpoint.Path) == "" {
			return eris.Errorf("config: checkpoint.path is required for driver %s", c.Checkpoint.Driver)
		}
	case "postgres":
		if strings.TrimSpace(c.Checkpoint.DatabaseURL) == "" {
			return eris.New("config: checkpoint.database_url is required for driver postgres")
		}
	default:
		return eris.Errorf("config: unknown checkpoint.driver %q", c.Checkpoint.Driver)
	}
	if c.Geocode.RateLimit < 0 {
		return eris.Errorf("config: geocode.rate_limit must be >= 0, got %g", c.Geocode.RateLimit)
	}
	if c.Geocode.MaxAttempts < 1 {
		return eris.Errorf("config: geocode.max_attempts must be >= 1, got %d", c.Geocode.MaxAttempts)
	}
	if c.Geocode.TimeoutSecs <= 0 {
		return eris.Errorf("config: geocode.timeout_secs must be positive, got %d", c.Geocode.TimeoutSecs)
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
