// Package config loads lineage configuration from a YAML file and LINEAGE_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidBackend     = errors.New("invalid repository backend")
	ErrInvalidStore       = errors.New("invalid store backend")
	ErrMissingBucket      = errors.New("s3 store requires a bucket")
	ErrMissingSQLitePath  = errors.New("sqlite store requires a path")
	ErrInvalidWorkers     = errors.New("workers must not be negative")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
	ErrInvalidBuffer      = errors.New("subscriber buffer must not be negative")
	ErrInvalidDiffCache   = errors.New("diff cache entries must not be negative")
	ErrInvalidSampleRatio = errors.New("sample ratio must be within [0, 1]")
	ErrInvalidLogLevel    = errors.New("invalid log level")
)

// Repository backends.
const (
	BackendLibgit2 = "libgit2"
	BackendGoGit   = "gogit"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreS3     = "s3"
)

const envPrefix = "LINEAGE"

var logLevels = []string{"debug", "info", "warn", "error"}

// Config holds all lineage configuration.
type Config struct {
	Repository RepositoryConfig `mapstructure:"repository"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// RepositoryConfig selects the git backend and the analyzing author.
type RepositoryConfig struct {
	Backend             string `mapstructure:"backend"`
	AuthorName          string `mapstructure:"author_name"`
	AuthorEmail         string `mapstructure:"author_email"`
	HashAllContributors bool   `mapstructure:"hash_all_contributors"`
	DiffCacheEntries    int    `mapstructure:"diff_cache_entries"`
}

// SyncConfig tunes the sync run.
type SyncConfig struct {
	Workers          int  `mapstructure:"workers"`
	BatchSize        int  `mapstructure:"batch_size"`
	SubscriberBuffer int  `mapstructure:"subscriber_buffer"`
	BoundReconcile   bool `mapstructure:"bound_reconcile"`
}

// StoreConfig selects where baselines and results go.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`

	// S3 settings.
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Prefix   string `mapstructure:"s3_prefix"`

	// AWS credentials (optional).
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`

	// Payload encryption for the s3 store.
	AgeRecipient    string `mapstructure:"age_recipient"`
	AgeIdentityFile string `mapstructure:"age_identity_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// TelemetryConfig holds OpenTelemetry and Prometheus configuration.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
	Environment  string  `mapstructure:"environment"`
}

// LoadConfig loads configuration from configPath, or from lineage.yaml in
// the working directory, $HOME/.lineage or /etc/lineage when configPath is
// empty. A missing search-path file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("lineage")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("$HOME/.lineage")
		viperCfg.AddConfigPath("/etc/lineage")
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := config.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	viperCfg := viper.New()
	setDefaults(viperCfg)

	var config Config

	// Defaults always decode.
	_ = viperCfg.Unmarshal(&config)

	return &config
}

// setDefaults registers every key so environment variables reach Unmarshal.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("repository.backend", DefaultRepositoryBackend)
	viperCfg.SetDefault("repository.author_name", "")
	viperCfg.SetDefault("repository.author_email", "")
	viperCfg.SetDefault("repository.hash_all_contributors", false)
	viperCfg.SetDefault("repository.diff_cache_entries", DefaultDiffCacheEntries)

	viperCfg.SetDefault("sync.workers", DefaultSyncWorkers)
	viperCfg.SetDefault("sync.batch_size", DefaultSyncBatchSize)
	viperCfg.SetDefault("sync.subscriber_buffer", DefaultSubscriberBuffer)
	viperCfg.SetDefault("sync.bound_reconcile", DefaultBoundReconcile)

	viperCfg.SetDefault("store.backend", DefaultStoreBackend)
	viperCfg.SetDefault("store.sqlite_path", DefaultSQLitePath)
	viperCfg.SetDefault("store.s3_bucket", "")
	viperCfg.SetDefault("store.s3_region", "")
	viperCfg.SetDefault("store.s3_endpoint", "")
	viperCfg.SetDefault("store.s3_prefix", DefaultS3Prefix)
	viperCfg.SetDefault("store.aws_access_key_id", "")
	viperCfg.SetDefault("store.aws_secret_access_key", "")
	viperCfg.SetDefault("store.age_recipient", "")
	viperCfg.SetDefault("store.age_identity_file", "")

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.json", false)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.metrics_addr", "")
	viperCfg.SetDefault("telemetry.environment", "")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Repository.Backend {
	case BackendLibgit2, BackendGoGit:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Repository.Backend)
	}

	if c.Repository.DiffCacheEntries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDiffCache, c.Repository.DiffCacheEntries)
	}

	if c.Sync.Workers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Sync.Workers)
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Sync.BatchSize)
	}

	if c.Sync.SubscriberBuffer < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, c.Sync.SubscriberBuffer)
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return ErrMissingSQLitePath
		}
	case StoreS3:
		if c.Store.S3Bucket == "" {
			return ErrMissingBucket
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStore, c.Store.Backend)
	}

	if !slices.Contains(logLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, c.Telemetry.SampleRatio)
	}

	return nil
}
