// Package config loads the service configuration from YAML. Every field
// has a default; the file only overrides what it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"recordlink/http"
	"recordlink/logging"
	"recordlink/match"
	"recordlink/ml"
)

type Config struct {
	Http struct {
		Port           int      `yaml:"port"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Log      logging.Config `yaml:"log"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Model struct {
		Type                     string  `yaml:"type"`
		WeightsPath              string  `yaml:"weights_path"`
		Watch                    bool    `yaml:"watch"`
		MatchThreshold           float64 `yaml:"match_threshold"`
		NonMatchThreshold        float64 `yaml:"non_match_threshold"`
		IncludeFeatureImportance bool    `yaml:"include_feature_importance"`
		BatchSize                int     `yaml:"batch_size"`
	} `yaml:"model"`
	Features struct {
		Normalize bool          `yaml:"normalize"`
		Fields    []FieldConfig `yaml:"fields"`
	} `yaml:"features"`
	Integration struct {
		Strategy        string  `yaml:"strategy"`
		MLWeight        float64 `yaml:"ml_weight"`
		ApplyTo         string  `yaml:"apply_to"`
		TimeoutMs       int     `yaml:"timeout_ms"`
		FallbackOnError *bool   `yaml:"fallback_on_error"`
		CacheSize       int     `yaml:"cache_size"`
	} `yaml:"integration"`
	Training struct {
		LearningRate          float64 `yaml:"learning_rate"`
		MaxIterations         int     `yaml:"max_iterations"`
		Regularization        float64 `yaml:"regularization"`
		ValidationSplit       float64 `yaml:"validation_split"`
		EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
		MinImprovement        float64 `yaml:"min_improvement"`
		Seed                  int64   `yaml:"seed"`
		ProgressInterval      int     `yaml:"progress_interval"`
	} `yaml:"training"`
}

type FieldConfig struct {
	Field                string   `yaml:"field"`
	Extractors           []string `yaml:"extractors"`
	Weight               float64  `yaml:"weight"`
	OmitMissingIndicator bool     `yaml:"omit_missing_indicator"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var config Config
	config.Http.Port = 8080
	config.Http.TimeoutSeconds = 30
	config.Http.AllowedOrigins = []string{"*"}
	config.Log.Level = "info"
	config.Database.Path = "./data/recordlink.db"
	config.Model.Type = ml.LogisticModelType
	config.Model.WeightsPath = "./models/weights.json"

	classifier := ml.DefaultClassifierConfig()
	config.Model.MatchThreshold = classifier.MatchThreshold
	config.Model.NonMatchThreshold = classifier.NonMatchThreshold
	config.Model.BatchSize = classifier.BatchSize
	config.Features.Normalize = true

	integrator := match.DefaultIntegratorConfig()
	config.Integration.Strategy = string(integrator.Strategy)
	config.Integration.MLWeight = integrator.MLWeight
	config.Integration.ApplyTo = string(integrator.ApplyTo)
	config.Integration.TimeoutMs = int(integrator.Timeout / time.Millisecond)
	config.Integration.CacheSize = integrator.CacheSize

	training := ml.DefaultTrainingConfig()
	config.Training.LearningRate = training.LearningRate
	config.Training.MaxIterations = training.MaxIterations
	config.Training.Regularization = training.Regularization
	config.Training.ValidationSplit = training.ValidationSplit
	config.Training.EarlyStoppingPatience = training.EarlyStoppingPatience
	config.Training.MinImprovement = training.MinImprovement
	config.Training.Seed = training.Seed
	config.Training.ProgressInterval = training.ProgressInterval
	return &config
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}

// FeatureExtractionConfig converts the features section.
func (c *Config) FeatureExtractionConfig() ml.FeatureExtractionConfig {
	fields := make([]ml.FieldFeatureConfig, len(c.Features.Fields))
	for i, field := range c.Features.Fields {
		kinds := make([]ml.ExtractorKind, len(field.Extractors))
		for j, kind := range field.Extractors {
			kinds[j] = ml.ExtractorKind(kind)
		}
		fields[i] = ml.FieldFeatureConfig{
			Field:                field.Field,
			Extractors:           kinds,
			Weight:               field.Weight,
			OmitMissingIndicator: field.OmitMissingIndicator,
		}
	}
	return ml.FeatureExtractionConfig{Fields: fields, Normalize: c.Features.Normalize}
}

// ClassifierConfig converts the model section.
func (c *Config) ClassifierConfig() ml.ClassifierConfig {
	return ml.ClassifierConfig{
		MatchThreshold:           c.Model.MatchThreshold,
		NonMatchThreshold:        c.Model.NonMatchThreshold,
		IncludeFeatureImportance: c.Model.IncludeFeatureImportance,
		BatchSize:                c.Model.BatchSize,
	}
}

// TrainingConfig converts the training section.
func (c *Config) TrainingConfig() ml.TrainingConfig {
	return ml.TrainingConfig{
		LearningRate:          c.Training.LearningRate,
		MaxIterations:         c.Training.MaxIterations,
		Regularization:        c.Training.Regularization,
		ValidationSplit:       c.Training.ValidationSplit,
		EarlyStoppingPatience: c.Training.EarlyStoppingPatience,
		MinImprovement:        c.Training.MinImprovement,
		Seed:                  c.Training.Seed,
		ProgressInterval:      c.Training.ProgressInterval,
	}
}

// IntegratorConfig converts the integration section.
func (c *Config) IntegratorConfig() match.IntegratorConfig {
	integrator := match.IntegratorConfig{
		Strategy:  match.Strategy(c.Integration.Strategy),
		MLWeight:  c.Integration.MLWeight,
		ApplyTo:   match.ApplyMode(c.Integration.ApplyTo),
		Timeout:   time.Duration(c.Integration.TimeoutMs) * time.Millisecond,
		CacheSize: c.Integration.CacheSize,
	}
	integrator.FallbackOnError = c.Integration.FallbackOnError == nil || *c.Integration.FallbackOnError
	return integrator
}

// ServerConfig converts the http section.
func (c *Config) ServerConfig() http.ServerConfig {
	return http.ServerConfig{
		Port:           c.Http.Port,
		Timeout:        time.Duration(c.Http.TimeoutSeconds) * time.Second,
		AllowedOrigins: c.Http.AllowedOrigins,
	}
}
