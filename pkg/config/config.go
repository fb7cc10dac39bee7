// Package config loads fdedup's run configuration from a file, environment
// variables, and (via cmd/fdedup) CLI flags, using viper to layer
// defaults under env overrides.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ConfigError wraps a configuration problem with the field that caused it,
// generalizing pkg/modeler/errors.go's step-context error shape from "which
// modeler step failed" to "which config field failed".
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func newConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Config holds all configuration for one fdedup run.
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Columns holds the input/output column names.
	Columns ColumnConfig `mapstructure:"columns"`

	// Fuzzy holds the MinHash/LSH tuning parameters.
	Fuzzy FuzzyConfig `mapstructure:"fuzzy"`

	// Shards holds per-family shard counts and CPU reservations.
	Shards ShardConfig `mapstructure:"shards"`

	// Storage holds optional spill-to-disk paths for collector shards.
	Storage StorageConfig `mapstructure:"storage"`

	// CircuitBreaker configures collector RPC resilience.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ColumnConfig names the columns fdedup reads and writes.
type ColumnConfig struct {
	DocColumn     string `mapstructure:"doc_column"`
	IDColumn      string `mapstructure:"id_column"`
	ClusterColumn string `mapstructure:"cluster_column"`
}

// FuzzyConfig holds the MinHash/LSH/shingling tuning parameters.
type FuzzyConfig struct {
	NumPermutations    int     `mapstructure:"num_permutations"`
	Threshold          float64 `mapstructure:"threshold"`
	ShingleSize        int     `mapstructure:"shingles_size"`
	Delimiters         string  `mapstructure:"delimiters"`
	JapaneseData       bool    `mapstructure:"japanese_data"`
	TokenizerModelPath string  `mapstructure:"tokenizer_model_path"`
	RandomSeed         uint64  `mapstructure:"random_seed"`
	RequestLen         int     `mapstructure:"request_len"`
	MaxRPCRetries      int     `mapstructure:"max_rpc_retries"`
}

// ShardConfig holds shard counts and CPU reservations per collector family.
type ShardConfig struct {
	NumBucketActors  int `mapstructure:"num_bucket_actors"`
	NumMinhashActors int `mapstructure:"num_minhash_actors"`
	NumDocActors     int `mapstructure:"num_doc_actors"`
	NumPreprocessors int `mapstructure:"num_preprocessors"`

	BucketCPU float64 `mapstructure:"bucket_cpu"`
	MhashCPU  float64 `mapstructure:"mhash_cpu"`
	DocCPU    float64 `mapstructure:"doc_cpu"`
	WorkerCPU float64 `mapstructure:"worker_cpu"`
}

// StorageConfig holds optional on-disk spill directories used to bound
// collector-shard memory.
type StorageConfig struct {
	BucketSpillDir string `mapstructure:"bucket_spill_dir"`
	MhashSpillDir  string `mapstructure:"mhash_spill_dir"`
	SpillHighWater int    `mapstructure:"spill_high_water"`
}

// CircuitBreakerConfig configures the gobreaker wrapping collector RPCs.
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // seconds
	Timeout          int     `mapstructure:"timeout"`  // seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// Load loads configuration from any file viper has been pointed at, then
// environment variables, falling back to defaults for anything unset.
func Load() (*Config, error) {
	setDefaults()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("columns.doc_column", "contents")
	viper.SetDefault("columns.id_column", "int_document_id")
	viper.SetDefault("columns.cluster_column", "cluster")

	viper.SetDefault("fuzzy.num_permutations", 64)
	viper.SetDefault("fuzzy.threshold", 0.8)
	viper.SetDefault("fuzzy.shingles_size", 5)
	viper.SetDefault("fuzzy.delimiters", " ")
	viper.SetDefault("fuzzy.japanese_data", false)
	viper.SetDefault("fuzzy.random_seed", uint64(42))
	viper.SetDefault("fuzzy.request_len", 1000)
	viper.SetDefault("fuzzy.max_rpc_retries", 3)

	viper.SetDefault("shards.num_bucket_actors", 1)
	viper.SetDefault("shards.num_minhash_actors", 1)
	viper.SetDefault("shards.num_doc_actors", 1)
	viper.SetDefault("shards.num_preprocessors", 1)
	viper.SetDefault("shards.bucket_cpu", 0.5)
	viper.SetDefault("shards.mhash_cpu", 0.5)
	viper.SetDefault("shards.doc_cpu", 0.5)
	viper.SetDefault("shards.worker_cpu", 1.0)

	viper.SetDefault("storage.spill_high_water", 0) // 0 disables spilling

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)
}

// overrideWithEnv lets operators override the hot knobs without a config
// file.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("FDEDUP_DOC_COLUMN"); v != "" {
		cfg.Columns.DocColumn = v
	}
	if v := os.Getenv("FDEDUP_ID_COLUMN"); v != "" {
		cfg.Columns.IDColumn = v
	}
	if v := os.Getenv("FDEDUP_TOKENIZER_MODEL_PATH"); v != "" {
		cfg.Fuzzy.TokenizerModelPath = v
	}
	if v := os.Getenv("FDEDUP_BUCKET_SPILL_DIR"); v != "" {
		cfg.Storage.BucketSpillDir = v
	}
	if v := os.Getenv("FDEDUP_MHASH_SPILL_DIR"); v != "" {
		cfg.Storage.MhashSpillDir = v
	}
}

func validate(cfg *Config) error {
	if cfg.Columns.DocColumn == "" {
		return newConfigError("doc_column", "must not be empty")
	}
	if cfg.Columns.IDColumn == "" {
		return newConfigError("id_column", "must not be empty")
	}
	if cfg.Fuzzy.NumPermutations <= 0 {
		return newConfigError("num_permutations", "must be positive, got %d", cfg.Fuzzy.NumPermutations)
	}
	if cfg.Fuzzy.Threshold <= 0 || cfg.Fuzzy.Threshold > 1 {
		return newConfigError("threshold", "must be in (0, 1], got %f", cfg.Fuzzy.Threshold)
	}
	if cfg.Fuzzy.ShingleSize <= 0 {
		return newConfigError("shingles_size", "must be positive, got %d", cfg.Fuzzy.ShingleSize)
	}
	for _, pair := range []struct {
		name string
		n    int
	}{
		{"num_bucket_actors", cfg.Shards.NumBucketActors},
		{"num_minhash_actors", cfg.Shards.NumMinhashActors},
		{"num_doc_actors", cfg.Shards.NumDocActors},
		{"num_preprocessors", cfg.Shards.NumPreprocessors},
	} {
		if pair.n <= 0 {
			return newConfigError(pair.name, "must be positive, got %d", pair.n)
		}
	}
	return nil
}
