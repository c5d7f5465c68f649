// Package config loads and layers localdb's configuration: hardcoded
// defaults, an optional YAML file, an environment overlay selected by
// RUST_ENV, and finally APP_* environment variable overrides, applied in
// that order so each layer overrides the previous one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

// Config is the complete localdb configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Backfill  BackfillConfig  `yaml:"backfill" json:"backfill"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	LogLevel  string          `yaml:"log_level" json:"log_level"`
}

// PathsConfig configures where the corpus and the data root live.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	Corpus  string `yaml:"corpus" json:"corpus"`
}

// SearchConfig configures the hybrid fuser and vector searcher.
type SearchConfig struct {
	DefaultK       int           `yaml:"default_k" json:"default_k"`
	RerankerFactor int           `yaml:"reranker_factor" json:"reranker_factor"`
	Weighted       bool          `yaml:"weighted" json:"weighted"`
	LexWeight      float64       `yaml:"lex_weight" json:"lex_weight"`
	VecWeight      float64       `yaml:"vec_weight" json:"vec_weight"`
	QueryTimeout   time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// EmbeddingConfig configures the embedding provider. ModelDir points at a
// local directory holding tokenizer.json, config.json, and model.onnx for
// the real provider; ModelName only labels the provider id, since the real
// provider never downloads a model.
type EmbeddingConfig struct {
	UseFake   bool   `yaml:"use_fake" json:"use_fake"`
	Dim       int    `yaml:"dim" json:"dim"`
	MaxLen    int    `yaml:"max_len" json:"max_len"`
	ModelDir  string `yaml:"model_dir" json:"model_dir"`
	ModelName string `yaml:"model_name" json:"model_name"`
}

// BackfillConfig configures the backfill engine.
type BackfillConfig struct {
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	StaleThreshold time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
}

// IndexConfig configures the index builder.
type IndexConfig struct {
	ValidateSampleSize int `yaml:"validate_sample_size" json:"validate_sample_size"`
	ValidateK          int `yaml:"validate_k" json:"validate_k"`
}

// Default returns the hardcoded baseline configuration.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			DataDir: ".localdb",
			Corpus:  ".",
		},
		Search: SearchConfig{
			DefaultK:       10,
			RerankerFactor: 10,
			Weighted:       false,
			LexWeight:      0.35,
			VecWeight:      0.65,
			QueryTimeout:   2 * time.Second,
		},
		Embedding: EmbeddingConfig{
			UseFake:   false,
			Dim:       1024,
			MaxLen:    512,
			ModelName: "bge-m3",
		},
		Backfill: BackfillConfig{
			BatchSize:      100,
			StaleThreshold: 5 * time.Minute,
		},
		Index: IndexConfig{
			ValidateSampleSize: 32,
			ValidateK:          10,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (if non-empty), overlaid by the RUST_ENV
// named overlay, and finally by APP_* environment variables. A missing
// file at an explicitly given path is a ConfigError; an empty path simply
// skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, localdberrors.ConfigError(fmt.Sprintf("reading config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, localdberrors.ConfigError(fmt.Sprintf("parsing config file %s", path), err)
		}
	}

	applyRustEnvOverlay(&cfg, os.Getenv("RUST_ENV"))
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, localdberrors.ConfigError("invalid configuration", err)
	}

	return cfg, nil
}

// applyRustEnvOverlay applies environment-named defaults before the
// fine-grained APP_* overrides: RUST_ENV in {dev, prod, test} selects a
// config overlay.
func applyRustEnvOverlay(cfg *Config, rustEnv string) {
	switch strings.ToLower(strings.TrimSpace(rustEnv)) {
	case "test":
		cfg.Embedding.UseFake = true
		cfg.Backfill.BatchSize = 16
		cfg.LogLevel = "debug"
	case "prod", "production":
		cfg.LogLevel = "warn"
	}
}

// applyEnvOverrides lets the environment variables below override their
// config keys (MODEL_DIR is accepted as an alias of APP_MODEL_DIR). Keys
// not listed here, such as search.default_k, the fusion weights,
// embedding.max_len and the index validation settings, have no
// environment override.
func applyEnvOverrides(cfg *Config) {
	if v, ok := boolEnv("APP_USE_FAKE_EMBEDDINGS"); ok {
		cfg.Embedding.UseFake = v
	}
	if v := firstNonEmpty(os.Getenv("APP_MODEL_DIR"), os.Getenv("MODEL_DIR")); v != "" {
		cfg.Embedding.ModelDir = v
	}
	if v := os.Getenv("APP_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("APP_CORPUS"); v != "" {
		cfg.Paths.Corpus = v
	}
	if v, ok := intEnv("APP_BATCH_SIZE"); ok {
		cfg.Backfill.BatchSize = v
	}
	if v, ok := durationEnv("APP_STALE_THRESHOLD"); ok {
		cfg.Backfill.StaleThreshold = v
	}
	if v, ok := intEnv("APP_RERANKER_FACTOR"); ok {
		cfg.Search.RerankerFactor = v
	}
	if v, ok := durationEnv("APP_QUERY_TIMEOUT"); ok {
		cfg.Search.QueryTimeout = v
	}
	if v, ok := intEnv("APP_DIM"); ok {
		cfg.Embedding.Dim = v
	}
	if v := os.Getenv("APP_MODEL_NAME"); v != "" {
		cfg.Embedding.ModelName = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// downstream errors; it never guesses a value the caller explicitly set.
func (c Config) Validate() error {
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be positive, got %d", c.Backfill.BatchSize)
	}
	if c.Search.RerankerFactor <= 0 {
		return fmt.Errorf("search.reranker_factor must be positive, got %d", c.Search.RerankerFactor)
	}
	return nil
}

func boolEnv(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true", true
}

func intEnv(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func durationEnv(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
