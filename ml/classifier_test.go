package ml

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"recordlink/record"
)

func testExtractor(t *testing.T) *FeatureExtractor {
	t.Helper()
	extractor, err := NewFeatureExtractor(FeatureExtractionConfig{
		Normalize: true,
		Fields: []FieldFeatureConfig{
			{Field: "name", Extractors: []ExtractorKind{ExtractorLevenshtein}},
		},
	})
	if err != nil {
		t.Fatalf("NewFeatureExtractor: %v", err)
	}
	return extractor
}

func TestNewLogisticClassifierRejectsBadThresholds(t *testing.T) {
	cases := []ClassifierConfig{
		{MatchThreshold: 1.5, NonMatchThreshold: 0.3},
		{MatchThreshold: 0.85, NonMatchThreshold: -0.1},
		{MatchThreshold: 0.3, NonMatchThreshold: 0.85},
		{MatchThreshold: 0.5, NonMatchThreshold: 0.5},
	}
	for _, config := range cases {
		if _, err := NewLogisticClassifier(config, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("config %+v: err = %v, want ErrInvalidConfig", config, err)
		}
	}
}

func TestPredictBeforeWeightsFails(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), testExtractor(t))
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	if classifier.IsReady() {
		t.Fatal("fresh classifier reports ready")
	}
	_, err = classifier.Predict(context.Background(), pairOf(record.Record{"name": "a"}, record.Record{"name": "a"}))
	if !errors.Is(err, ErrModelNotReady) {
		t.Fatalf("Predict err = %v, want ErrModelNotReady", err)
	}
	if _, err := classifier.ExportWeights(); !errors.Is(err, ErrModelNotReady) {
		t.Fatalf("ExportWeights err = %v, want ErrModelNotReady", err)
	}
}

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		p         float64
		wantLabel record.Label
	}{
		{0.95, record.LabelMatch},
		{0.85, record.LabelMatch},
		{0.84, record.LabelUncertain},
		{0.31, record.LabelUncertain},
		{0.3, record.LabelNonMatch},
		{0.05, record.LabelNonMatch},
	}
	for _, tc := range cases {
		label, confidence := Classify(tc.p, 0.85, 0.3)
		if label != tc.wantLabel {
			t.Fatalf("Classify(%v) = %q, want %q", tc.p, label, tc.wantLabel)
		}
		if confidence < 0 || confidence > 1 {
			t.Fatalf("Classify(%v) confidence = %v, out of [0,1]", tc.p, confidence)
		}
	}
}

func TestClassifyConfidenceScaling(t *testing.T) {
	// Match confidence grows linearly from the threshold toward 1.
	_, atThreshold := Classify(0.85, 0.85, 0.3)
	if atThreshold != 0 {
		t.Fatalf("confidence at match threshold = %v, want 0", atThreshold)
	}
	_, atOne := Classify(1, 0.85, 0.3)
	if math.Abs(atOne-1) > 1e-9 {
		t.Fatalf("confidence at p=1 = %v, want 1", atOne)
	}

	// Uncertain confidence grows from the band midpoint toward a threshold.
	_, atMid := Classify(0.575, 0.85, 0.3)
	if math.Abs(atMid) > 1e-9 {
		t.Fatalf("confidence at band midpoint = %v, want 0", atMid)
	}

	// Degenerate thresholds never divide by zero.
	if _, c := Classify(1, 1, 0.3); c != 1 {
		t.Fatalf("matchThreshold=1 confidence = %v, want 1", c)
	}
	if _, c := Classify(0, 0.85, 0); c != 1 {
		t.Fatalf("nonMatchThreshold=0 confidence = %v, want 1", c)
	}
}

func TestExtremeWeightsStayFinite(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	if err := classifier.SetWeightsAndBias([]float64{100, 100, 100}, 100); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}

	prediction, err := classifier.PredictFromFeatures(FeatureVector{Values: []float64{1, 1, 1}})
	if err != nil {
		t.Fatalf("PredictFromFeatures: %v", err)
	}
	if math.IsNaN(prediction.Probability) || math.IsInf(prediction.Probability, 0) {
		t.Fatalf("probability not finite: %v", prediction.Probability)
	}
	if prediction.Probability < 0.999 {
		t.Fatalf("huge positive logit probability = %v, want ~1", prediction.Probability)
	}

	if err := classifier.SetWeightsAndBias([]float64{-100, -100, -100}, -100); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}
	prediction, err = classifier.PredictFromFeatures(FeatureVector{Values: []float64{1, 1, 1}})
	if err != nil {
		t.Fatalf("PredictFromFeatures: %v", err)
	}
	if prediction.Probability > 0.001 {
		t.Fatalf("huge negative logit probability = %v, want ~0", prediction.Probability)
	}
}

func TestLoadWeightsRoundTrip(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	artifact := SerializedWeights{
		ModelType:    LogisticModelType,
		Version:      "1.0.0",
		Weights:      []float64{0.5, -1.25},
		Bias:         0.125,
		FeatureNames: []string{"name_levenshtein", "name_missing"},
		Extra: &WeightsExtra{
			TrainedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Accuracy:         0.93,
			TrainingExamples: 480,
		},
	}
	if err := classifier.LoadWeights(artifact); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if !classifier.IsReady() {
		t.Fatal("classifier not ready after load")
	}

	exported, err := classifier.ExportWeights()
	if err != nil {
		t.Fatalf("ExportWeights: %v", err)
	}
	if !reflect.DeepEqual(exported, artifact) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", exported, artifact)
	}

	meta := classifier.Metadata()
	if meta.TrainingExamples != 480 || meta.Accuracy != 0.93 {
		t.Fatalf("metadata not refreshed from artifact: %+v", meta)
	}
}

func TestLoadWeightsValidation(t *testing.T) {
	valid := SerializedWeights{
		ModelType:    LogisticModelType,
		Version:      "1.0.0",
		Weights:      []float64{0.5, 0.5},
		FeatureNames: []string{"a", "b"},
	}

	cases := []struct {
		name    string
		mutate  func(w *SerializedWeights)
		wantMsg string
	}{
		{"wrong model type", func(w *SerializedWeights) { w.ModelType = "Other" }, LogisticModelType},
		{"empty weights", func(w *SerializedWeights) { w.Weights = nil }, "empty"},
		{"nan weight", func(w *SerializedWeights) { w.Weights = []float64{math.NaN(), 0.5} }, "not finite"},
		{"infinite bias", func(w *SerializedWeights) { w.Bias = math.Inf(1) }, "bias"},
		{"name count mismatch", func(w *SerializedWeights) { w.FeatureNames = []string{"a"} }, "feature names"},
	}
	for _, tc := range cases {
		classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), nil)
		if err != nil {
			t.Fatalf("NewLogisticClassifier: %v", err)
		}
		artifact := valid
		artifact.Weights = append([]float64(nil), valid.Weights...)
		artifact.FeatureNames = append([]string(nil), valid.FeatureNames...)
		tc.mutate(&artifact)

		err = classifier.LoadWeights(artifact)
		if !errors.Is(err, ErrInvalidWeights) {
			t.Fatalf("%s: err = %v, want ErrInvalidWeights", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.wantMsg) {
			t.Fatalf("%s: err %q does not mention %q", tc.name, err, tc.wantMsg)
		}
		if classifier.IsReady() {
			t.Fatalf("%s: classifier became ready from invalid artifact", tc.name)
		}
	}
}

func TestLoadWeightsRejectsExtractorMismatch(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), testExtractor(t))
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	err = classifier.LoadWeights(SerializedWeights{
		ModelType:    LogisticModelType,
		Weights:      []float64{1, 2, 3},
		FeatureNames: []string{"a", "b", "c"},
	})
	if !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("err = %v, want ErrInvalidWeights for feature count mismatch", err)
	}
}

func TestFailedLoadKeepsPreviousWeights(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	if err := classifier.SetWeightsAndBias([]float64{1, 2}, 0.5); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}

	err = classifier.LoadWeights(SerializedWeights{ModelType: "Other"})
	if err == nil {
		t.Fatal("invalid artifact accepted")
	}
	if got := classifier.Weights(); !reflect.DeepEqual(got, []float64{1, 2}) {
		t.Fatalf("weights changed after failed load: %v", got)
	}
	if classifier.Bias() != 0.5 {
		t.Fatalf("bias changed after failed load: %v", classifier.Bias())
	}
}

func TestWeightsGenerationAdvancesPerAssignment(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	if classifier.WeightsGeneration() != 0 {
		t.Fatalf("fresh generation = %d, want 0", classifier.WeightsGeneration())
	}

	if err := classifier.SetWeightsAndBias([]float64{1}, 0); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}
	if classifier.WeightsGeneration() != 1 {
		t.Fatalf("generation after assignment = %d, want 1", classifier.WeightsGeneration())
	}

	if err := classifier.LoadWeights(SerializedWeights{
		ModelType:    LogisticModelType,
		Weights:      []float64{2},
		FeatureNames: []string{"a"},
	}); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if classifier.WeightsGeneration() != 2 {
		t.Fatalf("generation after reload = %d, want 2", classifier.WeightsGeneration())
	}

	// A rejected artifact must not advance the generation.
	if err := classifier.LoadWeights(SerializedWeights{ModelType: "Other"}); err == nil {
		t.Fatal("invalid artifact accepted")
	}
	if classifier.WeightsGeneration() != 2 {
		t.Fatalf("generation after failed load = %d, want 2", classifier.WeightsGeneration())
	}
}

func TestWeightsAccessorsReturnCopies(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	source := []float64{0.5, 0.5}
	if err := classifier.SetWeightsAndBias(source, 0); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}

	source[0] = 99
	if classifier.Weights()[0] != 0.5 {
		t.Fatal("classifier shares the caller's weight slice")
	}

	leaked := classifier.Weights()
	leaked[1] = 99
	if classifier.Weights()[1] != 0.5 {
		t.Fatal("Weights() returns the internal slice")
	}
}

func TestPredictIncludesFeatureImportance(t *testing.T) {
	config := DefaultClassifierConfig()
	config.IncludeFeatureImportance = true
	classifier, err := NewLogisticClassifier(config, testExtractor(t))
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	if err := classifier.SetWeightsAndBias([]float64{2, -1}, 0); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}

	prediction, err := classifier.Predict(context.Background(),
		pairOf(record.Record{"name": "smith"}, record.Record{"name": "smith"}))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(prediction.FeatureImportance) != 2 {
		t.Fatalf("got %d importance entries, want 2", len(prediction.FeatureImportance))
	}
	first := prediction.FeatureImportance[0]
	if first.Name != "name_levenshtein" {
		t.Fatalf("importance name = %q, want name_levenshtein", first.Name)
	}
	if first.Contribution != first.Value*first.Weight {
		t.Fatalf("contribution %v != value %v * weight %v", first.Contribution, first.Value, first.Weight)
	}
	if first.Importance != math.Abs(first.Contribution) {
		t.Fatalf("importance %v != |contribution %v|", first.Importance, first.Contribution)
	}
}

func TestPredictBatchPreservesOrderAndHonorsCancel(t *testing.T) {
	classifier, err := NewLogisticClassifier(DefaultClassifierConfig(), testExtractor(t))
	if err != nil {
		t.Fatalf("NewLogisticClassifier: %v", err)
	}
	if err := classifier.SetWeightsAndBias([]float64{4, -4}, -2); err != nil {
		t.Fatalf("SetWeightsAndBias: %v", err)
	}

	pairs := []record.RecordPair{
		pairOf(record.Record{"name": "smith"}, record.Record{"name": "smith"}),
		pairOf(record.Record{"name": "smith"}, record.Record{"name": "zzzzz"}),
	}
	predictions, err := classifier.PredictBatch(context.Background(), pairs)
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if len(predictions) != 2 {
		t.Fatalf("got %d predictions, want 2", len(predictions))
	}
	if predictions[0].Probability <= predictions[1].Probability {
		t.Fatalf("identical pair (%v) should outscore dissimilar pair (%v)",
			predictions[0].Probability, predictions[1].Probability)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := classifier.PredictBatch(cancelled, pairs); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled PredictBatch err = %v, want context.Canceled", err)
	}
}
