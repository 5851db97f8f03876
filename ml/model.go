package ml

import (
	"context"
	"time"

	"recordlink/record"
)

// Model is the capability contract every scorer implements. Predictions
// take a context because a model may live behind a remote call even though
// the logistic classifier here is pure computation.
type Model interface {
	Predict(ctx context.Context, pair record.RecordPair) (MLPrediction, error)
	PredictBatch(ctx context.Context, pairs []record.RecordPair) ([]MLPrediction, error)
	ExtractFeatures(pair record.RecordPair) (FeatureVector, error)
	LoadWeights(weights SerializedWeights) error
	ExportWeights() (SerializedWeights, error)
	IsReady() bool
	Config() ClassifierConfig
}

// FeatureImportance reports one feature's contribution to a prediction.
type FeatureImportance struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Importance   float64 `json:"importance"`
}

// MLPrediction is a scored comparison of one record pair.
type MLPrediction struct {
	Probability       float64             `json:"probability"`
	Classification    record.Label        `json:"classification"`
	Confidence        float64             `json:"confidence"`
	Features          FeatureVector       `json:"features"`
	FeatureImportance []FeatureImportance `json:"featureImportance,omitempty"`
}

// ModelMetadata describes a trained model.
type ModelMetadata struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	TrainedAt        time.Time `json:"trainedAt,omitempty"`
	Accuracy         float64   `json:"accuracy,omitempty"`
	TrainingExamples int       `json:"trainingExamples,omitempty"`
	FeatureNames     []string  `json:"featureNames"`
}
