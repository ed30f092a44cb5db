// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the runtime configuration of the routing engine.
//
// Every tunable that influences prediction, training or the quality loop
// lives in RuntimeConfig. Values are passed explicitly into operations; the
// process-wide snapshot in Store is immutable once published, so readers
// never observe a half-applied update.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// RuntimeConfig groups every runtime toggle of the engine.
type RuntimeConfig struct {
	Features   FeatureConfig    `yaml:"features" validate:"required"`
	Index      IndexConfig      `yaml:"index" validate:"required"`
	Prediction PredictionConfig `yaml:"prediction" validate:"required"`
	Training   TrainingConfig   `yaml:"training" validate:"required"`
	Quality    QualityConfig    `yaml:"quality" validate:"required"`
	Drift      DriftConfig      `yaml:"drift" validate:"required"`
	Queue      QueueConfig      `yaml:"queue" validate:"required"`
	Registry   RegistryConfig   `yaml:"registry"`
	Worker     WorkerConfig     `yaml:"worker"`
}

// FeatureConfig controls the preprocessor and the feature weight manager.
type FeatureConfig struct {
	// ItemCodeColumn names the column holding the item code.
	ItemCodeColumn string `yaml:"item_code_column" validate:"required"`

	// Columns is the ordered feature schema. Empty means "all columns of
	// the training dataset except the item code and routing columns".
	Columns []string `yaml:"columns"`

	// NumericColumns is the declared numeric set; everything else is
	// categorical.
	NumericColumns []string `yaml:"numeric_columns"`

	SampleFraction    float64 `yaml:"sample_fraction" validate:"gt=0,lte=1"`
	MinSampleRows     int     `yaml:"min_sample_rows" validate:"gte=1"`
	VarianceThreshold float64 `yaml:"variance_threshold" validate:"gte=0"`
	UsePCA            bool    `yaml:"use_pca"`
	MaxFeatures       int     `yaml:"max_features" validate:"gte=1"`
	PCAVariance       float64 `yaml:"pca_variance" validate:"gt=0,lte=1"`
	TargetDim         int     `yaml:"target_dim" validate:"gte=0"`
	StdPruneThreshold float64 `yaml:"std_prune_threshold" validate:"gte=0"`
	BalanceDims       bool    `yaml:"balance_dims"`
	SoftNormAlpha     float64 `yaml:"soft_norm_alpha" validate:"gte=0,lte=1"`
	WeightMin         float64 `yaml:"weight_min" validate:"gte=0"`
	WeightMax         float64 `yaml:"weight_max" validate:"gtfield=WeightMin"`
	WeightProfile     string  `yaml:"weight_profile"`
	ImportanceAlpha   float64 `yaml:"importance_alpha" validate:"gte=0,lte=1"`
	AutoSelect        float64 `yaml:"auto_select_threshold" validate:"gte=0,lte=1"`
	Seed              int64   `yaml:"seed"`
}

// IndexConfig controls the similarity index.
type IndexConfig struct {
	ExactThreshold int   `yaml:"exact_threshold" validate:"gte=0"`
	M              int   `yaml:"m" validate:"gte=2"`
	EfConstruction int   `yaml:"ef_construction" validate:"gte=1"`
	EfSearch       int   `yaml:"ef_search" validate:"gte=0"`
	Seed           int64 `yaml:"seed"`
}

// PredictionConfig controls routing aggregation (C4/C5).
type PredictionConfig struct {
	TopK          int     `yaml:"top_k" validate:"gte=1"`
	MinSimilarity float64 `yaml:"min_similarity" validate:"gte=0,lte=1"`
	HighThreshold float64 `yaml:"high_threshold" validate:"gte=0,lte=1"`
	MaxVariants   int     `yaml:"max_routing_variants" validate:"gte=1"`
	ZMax          float64 `yaml:"z_max" validate:"gt=0"`
	TrimEnabled   bool    `yaml:"trim_enabled"`
	TrimLowerPct  float64 `yaml:"trim_lower_pct" validate:"gte=0,lt=1"`
	TrimUpperPct  float64 `yaml:"trim_upper_pct" validate:"gtfield=TrimLowerPct,lte=1"`
	SigmaOptimal  float64 `yaml:"sigma_optimal"`
	SigmaSafe     float64 `yaml:"sigma_safe" validate:"gtfield=SigmaOptimal"`
	UseExisting   bool    `yaml:"use_existing_routing"`
	RoutingPolicy string  `yaml:"routing_policy" validate:"oneof=latest all"`
	Mode          string  `yaml:"mode" validate:"oneof=summary detailed"`
	ExpandScan    bool    `yaml:"expand_scan"`
}

// TrainingConfig controls the training pipeline (C8).
type TrainingConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"gt=0"`
	StatePath   string        `yaml:"state_path"`
}

// QualityConfig controls the quality evaluator (C11).
type QualityConfig struct {
	SampleSize      int           `yaml:"sample_size" validate:"gte=1"`
	Strategy        string        `yaml:"strategy" validate:"oneof=random stratified recent_bias"`
	StratifyColumn  string        `yaml:"stratify_column"`
	DateColumn      string        `yaml:"date_column"`
	DaysWindow      int           `yaml:"days_window" validate:"gte=1"`
	Seed            int64         `yaml:"seed"`
	BatchSize       int           `yaml:"batch_size" validate:"gte=1"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1"`
	RatePerSecond   float64       `yaml:"rate_per_second" validate:"gte=0"`
	CacheEnabled    bool          `yaml:"cache_enabled"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	TrimRatio       float64       `yaml:"trim_ratio" validate:"gte=0,lt=0.5"`
	SampleCountMin  float64       `yaml:"sample_count_min" validate:"gte=0"`
	CVMax           float64       `yaml:"cv_max" validate:"gte=0"`
	MAEMax          float64       `yaml:"mae_max" validate:"gte=0"`
	ProcessMatchMin float64       `yaml:"process_match_min" validate:"gte=0,lte=1"`
	RecordDir       string        `yaml:"record_dir"`
	Influx          InfluxConfig  `yaml:"influx"`
}

// InfluxConfig enables the optional InfluxDB sink for quality records.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// DriftConfig controls the drift detector (C12).
type DriftConfig struct {
	Bins            int           `yaml:"bins" validate:"gte=2"`
	WindowSize      int           `yaml:"window_size" validate:"gte=2"`
	Threshold       float64       `yaml:"threshold" validate:"gt=0"`
	RetrainEvents   int           `yaml:"retrain_events" validate:"gte=1"`
	RetrainMaxKL    float64       `yaml:"retrain_max_kl" validate:"gt=0"`
	RetrainLookback time.Duration `yaml:"retrain_lookback" validate:"gt=0"`
	StatePath       string        `yaml:"state_path"`
}

// QueueConfig controls the retraining queue (C10).
type QueueConfig struct {
	Path       string `yaml:"path"`
	Capacity   int    `yaml:"capacity" validate:"gte=1"`
	MaxRetries int    `yaml:"max_retries" validate:"gte=0"`
}

// RegistryConfig locates the model registry.
type RegistryConfig struct {
	// URL is the registry DSN; overridden by MODEL_REGISTRY_URL.
	URL string `yaml:"url"`
}

// WorkerConfig controls the training worker (C9).
type WorkerConfig struct {
	Root         string        `yaml:"root"`
	CancelGrace  time.Duration `yaml:"cancel_grace"`
	AutoActivate bool          `yaml:"auto_activate"`
}

// Default returns the documented defaults.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Features: FeatureConfig{
			ItemCodeColumn: "ITEM_CD",
			NumericColumns: []string{
				"OUTDIAMETER", "INDIAMETER", "OUTTHICKNESS", "ROTATE_CLOCKWISE",
				"ROTATE_CTRCLOCKWISE", "SETUP_TIME", "RUN_TIME", "ITEM_WEIGHT",
			},
			SampleFraction:    0.10,
			MinSampleRows:     500,
			VarianceThreshold: 0.001,
			UsePCA:            true,
			MaxFeatures:       50,
			PCAVariance:       0.95,
			TargetDim:         128,
			StdPruneThreshold: 0.01,
			BalanceDims:       true,
			SoftNormAlpha:     0.9,
			WeightMin:         0,
			WeightMax:         4,
			ImportanceAlpha:   0.7,
			AutoSelect:        0.3,
			Seed:              42,
		},
		Index: IndexConfig{
			ExactThreshold: 2000,
			M:              32,
			EfConstruction: 200,
			Seed:           42,
		},
		Prediction: PredictionConfig{
			TopK:          10,
			MinSimilarity: 0.8,
			HighThreshold: 0.8,
			MaxVariants:   4,
			ZMax:          2.5,
			TrimEnabled:   true,
			TrimLowerPct:  0.10,
			TrimUpperPct:  0.90,
			SigmaOptimal:  -1.0,
			SigmaSafe:     1.0,
			UseExisting:   true,
			RoutingPolicy: "latest",
			Mode:          "summary",
			ExpandScan:    true,
		},
		Training: TrainingConfig{
			LockTimeout: 300 * time.Second,
		},
		Quality: QualityConfig{
			SampleSize:      100,
			Strategy:        "random",
			DaysWindow:      90,
			Seed:            42,
			BatchSize:       20,
			Concurrency:     4,
			CacheTTL:        time.Hour,
			TrimRatio:       0.10,
			SampleCountMin:  3,
			CVMax:           0.5,
			MAEMax:          5.0,
			ProcessMatchMin: 0.7,
		},
		Drift: DriftConfig{
			Bins:            50,
			WindowSize:      1000,
			Threshold:       0.5,
			RetrainEvents:   5,
			RetrainMaxKL:    1.0,
			RetrainLookback: 7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			Capacity:   3,
			MaxRetries: 2,
		},
		Worker: WorkerConfig{
			CancelGrace: 5 * time.Second,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and returns an ErrInvalidConfig-wrapped error.
func (c *RuntimeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (*RuntimeConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RuntimeConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("MODEL_REGISTRY_URL")); v != "" {
		c.Registry.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUXDB_URL")); v != "" {
		c.Quality.Influx.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUXDB_TOKEN")); v != "" {
		c.Quality.Influx.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUXDB_ORG")); v != "" {
		c.Quality.Influx.Org = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUXDB_BUCKET")); v != "" {
		c.Quality.Influx.Bucket = v
	}
}

// Clone returns a deep copy so callers can derive a new snapshot.
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	out := *c
	out.Features.Columns = append([]string(nil), c.Features.Columns...)
	out.Features.NumericColumns = append([]string(nil), c.Features.NumericColumns...)
	return &out
}

// Store publishes an immutable RuntimeConfig snapshot.
//
// Apply validates and swaps the snapshot atomically; Current never returns
// nil once the store was created with NewStore.
type Store struct {
	current atomic.Pointer[RuntimeConfig]
}

// NewStore creates a Store seeded with cfg (Default when nil).
func NewStore(cfg *RuntimeConfig) *Store {
	if cfg == nil {
		cfg = Default()
	}
	s := &Store{}
	s.current.Store(cfg.Clone())
	return s
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *RuntimeConfig {
	return s.current.Load()
}

// Apply validates cfg and publishes a private copy of it.
func (s *Store) Apply(cfg *RuntimeConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(cfg.Clone())
	return nil
}

// Update derives a new snapshot from the current one via fn.
func (s *Store) Update(fn func(*RuntimeConfig)) error {
	next := s.Current().Clone()
	fn(next)
	return s.Apply(next)
}
