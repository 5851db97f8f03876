package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// WeightsExtra carries optional training provenance inside a weight
// artifact.
type WeightsExtra struct {
	TrainedAt        time.Time `json:"trainedAt,omitempty"`
	Accuracy         float64   `json:"accuracy,omitempty"`
	TrainingExamples int       `json:"trainingExamples,omitempty"`
}

// SerializedWeights is the only persisted model artifact. It is plain JSON
// so training tooling in other languages can produce it.
type SerializedWeights struct {
	ModelType    string        `json:"modelType"`
	Version      string        `json:"version"`
	Weights      []float64     `json:"weights"`
	Bias         float64       `json:"bias"`
	FeatureNames []string      `json:"featureNames"`
	Extra        *WeightsExtra `json:"extra,omitempty"`
}

// SaveWeightsFile writes an artifact as indented JSON.
func SaveWeightsFile(path string, weights SerializedWeights) error {
	payload, err := json.MarshalIndent(weights, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	return os.WriteFile(path, payload, 0o600)
}

// LoadWeightsFile reads an artifact. Validation happens in
// LogisticClassifier.LoadWeights, not here.
func LoadWeightsFile(path string) (SerializedWeights, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return SerializedWeights{}, err
	}
	var weights SerializedWeights
	if err := json.Unmarshal(payload, &weights); err != nil {
		return SerializedWeights{}, fmt.Errorf("parse weights file %s: %w", path, err)
	}
	return weights, nil
}
