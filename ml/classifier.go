package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"recordlink/record"
)

// LogisticModelType is the weight-artifact type tag for the logistic
// regression classifier.
const LogisticModelType = "SimpleClassifier"

// weightsVersion is written into newly exported artifacts.
const weightsVersion = "1.0.0"

// logitClamp bounds the linear score before the sigmoid so extreme weights
// can never produce NaN or Inf probabilities.
const logitClamp = 500.0

// ClassifierConfig controls classification thresholds and batching.
// Thresholds must satisfy 0 <= NonMatchThreshold < MatchThreshold <= 1.
type ClassifierConfig struct {
	MatchThreshold           float64
	NonMatchThreshold        float64
	IncludeFeatureImportance bool
	BatchSize                int
}

// DefaultClassifierConfig returns the standard thresholds. Callers override
// individual fields on the returned value; there is no partial merging.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		MatchThreshold:    0.85,
		NonMatchThreshold: 0.3,
		BatchSize:         100,
	}
}

// LogisticClassifier scores record pairs with logistic regression:
// probability = sigmoid(weights·features + bias).
//
// The weight vector is exclusively owned by the classifier; accessors hand
// out copies. Weight mutation (LoadWeights, UpdateWeights, SetWeightsAndBias)
// must not overlap in-flight Predict calls — that is a documented
// precondition, not a guarded one.
type LogisticClassifier struct {
	config     ClassifierConfig
	extractor  *FeatureExtractor
	weights    []float64
	bias       float64
	ready      bool
	version    string
	generation uint64
	extra      *WeightsExtra
	metadata   ModelMetadata
}

// NewLogisticClassifier builds a not-ready classifier. The extractor is
// optional; when present, every weight assignment is checked against its
// feature count.
func NewLogisticClassifier(config ClassifierConfig, extractor *FeatureExtractor) (*LogisticClassifier, error) {
	if config.MatchThreshold > 1 || config.NonMatchThreshold < 0 || config.NonMatchThreshold >= config.MatchThreshold {
		return nil, fmt.Errorf("%w: thresholds must satisfy 0 <= nonMatch < match <= 1, got nonMatch=%v match=%v",
			ErrInvalidConfig, config.NonMatchThreshold, config.MatchThreshold)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultClassifierConfig().BatchSize
	}

	classifier := &LogisticClassifier{
		config:  config,
		version: weightsVersion,
		metadata: ModelMetadata{
			Name:    LogisticModelType,
			Version: weightsVersion,
		},
	}
	if extractor != nil {
		classifier.extractor = extractor
		classifier.metadata.FeatureNames = extractor.FeatureNames()
	}
	return classifier, nil
}

// IsReady reports whether weights have been set and the classifier can
// serve predictions.
func (c *LogisticClassifier) IsReady() bool {
	return c.ready
}

// Config returns the classifier configuration by value.
func (c *LogisticClassifier) Config() ClassifierConfig {
	return c.config
}

// Metadata returns a copy of the model metadata.
func (c *LogisticClassifier) Metadata() ModelMetadata {
	meta := c.metadata
	meta.FeatureNames = append([]string(nil), c.metadata.FeatureNames...)
	return meta
}

// Weights returns a defensive copy of the weight vector.
func (c *LogisticClassifier) Weights() []float64 {
	return append([]float64(nil), c.weights...)
}

// WeightsGeneration counts successful weight assignments. Consumers that
// cache predictions key them by this value so a hot reload invalidates
// entries computed with the previous weights.
func (c *LogisticClassifier) WeightsGeneration() uint64 {
	return c.generation
}

// Bias returns the intercept term.
func (c *LogisticClassifier) Bias() float64 {
	return c.bias
}

// ExtractFeatures runs the attached feature extractor on a pair.
func (c *LogisticClassifier) ExtractFeatures(pair record.RecordPair) (FeatureVector, error) {
	if c.extractor == nil {
		return FeatureVector{}, fmt.Errorf("%w: no feature extractor attached", ErrInvalidConfig)
	}
	return c.extractor.Extract(pair), nil
}

// Predict scores one pair. It fails with ErrModelNotReady before weights
// exist and honors context cancellation.
func (c *LogisticClassifier) Predict(ctx context.Context, pair record.RecordPair) (MLPrediction, error) {
	if err := ctx.Err(); err != nil {
		return MLPrediction{}, err
	}
	if !c.ready {
		return MLPrediction{}, ErrModelNotReady
	}
	features, err := c.ExtractFeatures(pair)
	if err != nil {
		return MLPrediction{}, err
	}
	return c.PredictFromFeatures(features)
}

// PredictBatch scores pairs in input order, checking for cancellation
// between configured batch-size chunks.
func (c *LogisticClassifier) PredictBatch(ctx context.Context, pairs []record.RecordPair) ([]MLPrediction, error) {
	if !c.ready {
		return nil, ErrModelNotReady
	}
	predictions := make([]MLPrediction, len(pairs))
	for i, pair := range pairs {
		if i%c.config.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		prediction, err := c.Predict(ctx, pair)
		if err != nil {
			return nil, err
		}
		predictions[i] = prediction
	}
	return predictions, nil
}

// PredictFromFeatures scores an already-extracted vector.
func (c *LogisticClassifier) PredictFromFeatures(features FeatureVector) (MLPrediction, error) {
	if !c.ready {
		return MLPrediction{}, ErrModelNotReady
	}
	if len(features.Values) != len(c.weights) {
		return MLPrediction{}, fmt.Errorf("feature count %d does not match weight count %d",
			len(features.Values), len(c.weights))
	}

	probability := c.probability(features.Values)
	classification, confidence := Classify(probability, c.config.MatchThreshold, c.config.NonMatchThreshold)

	prediction := MLPrediction{
		Probability:    probability,
		Classification: classification,
		Confidence:     confidence,
		Features:       features,
	}
	if c.config.IncludeFeatureImportance {
		prediction.FeatureImportance = c.featureImportance(features)
	}
	return prediction, nil
}

func (c *LogisticClassifier) featureImportance(features FeatureVector) []FeatureImportance {
	importance := make([]FeatureImportance, len(features.Values))
	for i, value := range features.Values {
		contribution := value * c.weights[i]
		name := ""
		if i < len(features.Names) {
			name = features.Names[i]
		}
		importance[i] = FeatureImportance{
			Name:         name,
			Value:        value,
			Weight:       c.weights[i],
			Contribution: contribution,
			Importance:   math.Abs(contribution),
		}
	}
	return importance
}

// Classify maps a probability onto match/nonMatch/uncertain and a
// confidence in [0,1]. Confidence grows linearly from the crossed threshold
// toward the nearest extreme; in the uncertain band it grows from the
// threshold midpoint toward either threshold.
func Classify(probability, matchThreshold, nonMatchThreshold float64) (record.Label, float64) {
	switch {
	case probability >= matchThreshold:
		if matchThreshold >= 1 {
			return record.LabelMatch, 1
		}
		return record.LabelMatch, clamp01((probability - matchThreshold) / (1 - matchThreshold))
	case probability <= nonMatchThreshold:
		if nonMatchThreshold <= 0 {
			return record.LabelNonMatch, 1
		}
		return record.LabelNonMatch, clamp01((nonMatchThreshold - probability) / nonMatchThreshold)
	default:
		midpoint := (matchThreshold + nonMatchThreshold) / 2
		halfBand := (matchThreshold - nonMatchThreshold) / 2
		return record.LabelUncertain, clamp01(math.Abs(probability-midpoint) / halfBand)
	}
}

// LoadWeights replaces the model state from a serialized artifact. The load
// is all-or-nothing: any validation failure leaves existing weights intact.
func (c *LogisticClassifier) LoadWeights(weights SerializedWeights) error {
	if weights.ModelType != LogisticModelType {
		return fmt.Errorf("%w: model type %q does not match expected %q",
			ErrInvalidWeights, weights.ModelType, LogisticModelType)
	}
	if len(weights.Weights) == 0 {
		return fmt.Errorf("%w: weights array is empty", ErrInvalidWeights)
	}
	for i, w := range weights.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight %d is not finite", ErrInvalidWeights, i)
		}
	}
	if math.IsNaN(weights.Bias) || math.IsInf(weights.Bias, 0) {
		return fmt.Errorf("%w: bias is not finite", ErrInvalidWeights)
	}
	if len(weights.FeatureNames) != len(weights.Weights) {
		return fmt.Errorf("%w: %d feature names for %d weights",
			ErrInvalidWeights, len(weights.FeatureNames), len(weights.Weights))
	}
	if c.extractor != nil && c.extractor.FeatureCount() != len(weights.Weights) {
		return fmt.Errorf("%w: extractor produces %d features but artifact has %d weights",
			ErrInvalidWeights, c.extractor.FeatureCount(), len(weights.Weights))
	}

	c.weights = append([]float64(nil), weights.Weights...)
	c.bias = weights.Bias
	c.version = weights.Version
	c.metadata.FeatureNames = append([]string(nil), weights.FeatureNames...)
	if weights.Extra != nil {
		extra := *weights.Extra
		c.extra = &extra
		c.metadata.TrainedAt = extra.TrainedAt
		c.metadata.Accuracy = extra.Accuracy
		c.metadata.TrainingExamples = extra.TrainingExamples
	} else {
		c.extra = nil
	}
	c.ready = true
	c.generation++
	return nil
}

// ExportWeights serializes the current model state. Round-trip holds:
// loading an exported artifact reproduces it exactly.
func (c *LogisticClassifier) ExportWeights() (SerializedWeights, error) {
	if !c.ready {
		return SerializedWeights{}, ErrModelNotReady
	}
	exported := SerializedWeights{
		ModelType:    LogisticModelType,
		Version:      c.version,
		Weights:      append([]float64(nil), c.weights...),
		Bias:         c.bias,
		FeatureNames: append([]string(nil), c.metadata.FeatureNames...),
	}
	if c.extra != nil {
		extra := *c.extra
		exported.Extra = &extra
	}
	return exported, nil
}

// SetWeightsAndBias assigns weights directly and marks the model ready.
// The length must match the attached extractor's feature count.
func (c *LogisticClassifier) SetWeightsAndBias(weights []float64, bias float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: weights array is empty", ErrInvalidWeights)
	}
	if c.extractor != nil && c.extractor.FeatureCount() != len(weights) {
		return fmt.Errorf("%w: extractor produces %d features but got %d weights",
			ErrInvalidWeights, c.extractor.FeatureCount(), len(weights))
	}
	c.weights = append([]float64(nil), weights...)
	c.bias = bias
	c.ready = true
	c.generation++
	if c.extractor != nil && len(c.metadata.FeatureNames) != len(weights) {
		c.metadata.FeatureNames = c.extractor.FeatureNames()
	}
	return nil
}

// InitializeWeights seeds a weight vector with Xavier-style scale
// sqrt(2/count) from the supplied generator. The model stays not-ready
// until training (or an explicit assignment) finishes.
func (c *LogisticClassifier) InitializeWeights(count int, rng *rand.Rand) {
	scale := math.Sqrt(2 / float64(count))
	c.weights = make([]float64, count)
	for i := range c.weights {
		c.weights[i] = rng.NormFloat64() * scale
	}
	c.bias = 0
	c.ready = false
}

// UpdateWeights applies one gradient-descent step in place.
func (c *LogisticClassifier) UpdateWeights(gradients []float64, biasGradient, learningRate float64) error {
	if len(gradients) != len(c.weights) {
		return fmt.Errorf("gradient count %d does not match weight count %d", len(gradients), len(c.weights))
	}
	for i, g := range gradients {
		c.weights[i] -= learningRate * g
	}
	c.bias -= learningRate * biasGradient
	return nil
}

// probability computes sigmoid(weights·values + bias) with the logit
// clamped into [-500, 500]. Used directly by the trainer, which scores
// through a not-yet-ready scratch classifier.
func (c *LogisticClassifier) probability(values []float64) float64 {
	logit := c.bias
	for i, value := range values {
		logit += c.weights[i] * value
	}
	return sigmoid(clampLogit(logit))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clampLogit(logit float64) float64 {
	if logit > logitClamp {
		return logitClamp
	}
	if logit < -logitClamp {
		return -logitClamp
	}
	return logit
}
