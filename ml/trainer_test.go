package ml

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"recordlink/record"
)

func trainingExtractor(t *testing.T) *FeatureExtractor {
	t.Helper()
	extractor, err := NewFeatureExtractor(FeatureExtractionConfig{
		Normalize: true,
		Fields: []FieldFeatureConfig{
			{Field: "name", Extractors: []ExtractorKind{ExtractorLevenshtein, ExtractorJaroWinkler}},
			{Field: "city", Extractors: []ExtractorKind{ExtractorExact}},
		},
	})
	if err != nil {
		t.Fatalf("NewFeatureExtractor: %v", err)
	}
	return extractor
}

// syntheticDataset builds 20 matching and 20 non-matching pairs with a
// clean separation the trainer must find.
func syntheticDataset(t *testing.T) *TrainingDataset {
	t.Helper()
	var examples []TrainingExample
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("person %c", 'a'+i)
		city := fmt.Sprintf("city %d", i%5)
		examples = append(examples, TrainingExample{
			Pair: record.RecordPair{
				Record1: record.Record{"name": name, "city": city},
				Record2: record.Record{"name": name, "city": city},
			},
			Label: record.LabelMatch,
		})
		examples = append(examples, TrainingExample{
			Pair: record.RecordPair{
				Record1: record.Record{"name": name, "city": city},
				Record2: record.Record{"name": fmt.Sprintf("other %c", 'z'-i), "city": "elsewhere"},
			},
			Label: record.LabelNonMatch,
		})
	}
	dataset, err := NewTrainingDataset(examples)
	if err != nil {
		t.Fatalf("NewTrainingDataset: %v", err)
	}
	return dataset
}

func TestTrainConverges(t *testing.T) {
	trainer := NewTrainer(DefaultTrainingConfig(), DefaultClassifierConfig(), trainingExtractor(t))
	result := trainer.Train(context.Background(), syntheticDataset(t))

	if !result.Success {
		t.Fatalf("training failed: %s", result.Error)
	}
	if want := trainingExtractor(t).FeatureCount(); len(result.Weights) != want {
		t.Fatalf("got %d weights, want %d", len(result.Weights), want)
	}
	if len(result.History) == 0 || len(result.History) > DefaultTrainingConfig().MaxIterations {
		t.Fatalf("history length %d outside (0, maxIterations]", len(result.History))
	}
	if !result.HasValidation {
		t.Fatal("expected a validation split with the default config")
	}
	if result.FinalMetrics.Accuracy < 0.9 {
		t.Fatalf("final training accuracy %v, want >= 0.9 on separable data", result.FinalMetrics.Accuracy)
	}
	first, last := result.History[0], result.FinalMetrics
	if last.Loss >= first.Loss {
		t.Fatalf("loss did not decrease: first %v, last %v", first.Loss, last.Loss)
	}
}

func TestTrainIsDeterministicForASeed(t *testing.T) {
	dataset := syntheticDataset(t)
	config := DefaultTrainingConfig()
	config.Seed = 7

	first := NewTrainer(config, DefaultClassifierConfig(), trainingExtractor(t)).Train(context.Background(), dataset)
	second := NewTrainer(config, DefaultClassifierConfig(), trainingExtractor(t)).Train(context.Background(), dataset)

	if !first.Success || !second.Success {
		t.Fatalf("training failed: %q / %q", first.Error, second.Error)
	}
	if !reflect.DeepEqual(first.Weights, second.Weights) || first.Bias != second.Bias {
		t.Fatal("same seed produced different weights")
	}
	if len(first.History) != len(second.History) {
		t.Fatalf("same seed produced different iteration counts: %d vs %d", len(first.History), len(second.History))
	}

	config.Seed = 8
	third := NewTrainer(config, DefaultClassifierConfig(), trainingExtractor(t)).Train(context.Background(), dataset)
	if third.Success && reflect.DeepEqual(first.Weights, third.Weights) {
		t.Fatal("different seeds produced identical weights")
	}
}

func TestTrainFailuresAreResultsNotPanics(t *testing.T) {
	empty, err := NewTrainingDataset(nil)
	if err != nil {
		t.Fatalf("NewTrainingDataset: %v", err)
	}

	result := NewTrainer(DefaultTrainingConfig(), DefaultClassifierConfig(), trainingExtractor(t)).
		Train(context.Background(), empty)
	if result.Success || !strings.Contains(result.Error, "empty") {
		t.Fatalf("empty dataset result = %+v, want empty-dataset failure", result)
	}

	result = NewTrainer(DefaultTrainingConfig(), DefaultClassifierConfig(), nil).
		Train(context.Background(), syntheticDataset(t))
	if result.Success || !strings.Contains(result.Error, "extractor") {
		t.Fatalf("nil extractor result = %+v, want extractor failure", result)
	}

	bad := DefaultTrainingConfig()
	bad.LearningRate = 0
	result = NewTrainer(bad, DefaultClassifierConfig(), trainingExtractor(t)).
		Train(context.Background(), syntheticDataset(t))
	if result.Success || !strings.Contains(result.Error, "learning rate") {
		t.Fatalf("bad config result = %+v, want learning-rate failure", result)
	}
}

func TestTrainHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := NewTrainer(DefaultTrainingConfig(), DefaultClassifierConfig(), trainingExtractor(t)).
		Train(ctx, syntheticDataset(t))
	if result.Success || !strings.Contains(result.Error, "cancelled") {
		t.Fatalf("cancelled result = %+v, want cancellation failure", result)
	}
}

func TestTrainReportsProgress(t *testing.T) {
	config := DefaultTrainingConfig()
	config.ProgressInterval = 5
	trainer := NewTrainer(config, DefaultClassifierConfig(), trainingExtractor(t))

	var iterations []int
	trainer.OnProgress(func(metrics IterationMetrics) {
		iterations = append(iterations, metrics.Iteration)
	})
	result := trainer.Train(context.Background(), syntheticDataset(t))
	if !result.Success {
		t.Fatalf("training failed: %s", result.Error)
	}
	if len(iterations) == 0 {
		t.Fatal("no progress callbacks fired")
	}
	for _, iteration := range iterations {
		if iteration%5 != 0 {
			t.Fatalf("progress fired at iteration %d, want multiples of 5", iteration)
		}
	}
}

func TestTrainEarlyStops(t *testing.T) {
	config := DefaultTrainingConfig()
	config.MaxIterations = 5000
	// A large improvement bar makes every iteration look like stagnation.
	config.MinImprovement = 100
	config.EarlyStoppingPatience = 3

	result := NewTrainer(config, DefaultClassifierConfig(), trainingExtractor(t)).
		Train(context.Background(), syntheticDataset(t))
	if !result.Success {
		t.Fatalf("training failed: %s", result.Error)
	}
	if !result.EarlyStopped {
		t.Fatal("expected early stopping")
	}
	// The first iteration always beats the infinite initial best, so the
	// run lasts patience+1 iterations.
	if len(result.History) != config.EarlyStoppingPatience+1 {
		t.Fatalf("stopped after %d iterations, want %d", len(result.History), config.EarlyStoppingPatience+1)
	}
}

func TestTrainClassifierProducesReadyModel(t *testing.T) {
	extractor := trainingExtractor(t)
	dataset := syntheticDataset(t)
	trainer := NewTrainer(DefaultTrainingConfig(), DefaultClassifierConfig(), extractor)

	classifier, result := trainer.TrainClassifier(context.Background(), dataset)
	if !result.Success {
		t.Fatalf("training failed: %s", result.Error)
	}
	if classifier == nil || !classifier.IsReady() {
		t.Fatal("trained classifier not ready")
	}

	meta := classifier.Metadata()
	if meta.TrainingExamples != dataset.Len() {
		t.Fatalf("metadata examples = %d, want %d", meta.TrainingExamples, dataset.Len())
	}
	if meta.TrainedAt.IsZero() {
		t.Fatal("metadata has no training timestamp")
	}

	match, err := classifier.Predict(context.Background(), record.RecordPair{
		Record1: record.Record{"name": "person a", "city": "city 0"},
		Record2: record.Record{"name": "person a", "city": "city 0"},
	})
	if err != nil {
		t.Fatalf("Predict match: %v", err)
	}
	nonMatch, err := classifier.Predict(context.Background(), record.RecordPair{
		Record1: record.Record{"name": "person a", "city": "city 0"},
		Record2: record.Record{"name": "unrelated q", "city": "elsewhere"},
	})
	if err != nil {
		t.Fatalf("Predict nonMatch: %v", err)
	}
	if match.Probability <= nonMatch.Probability {
		t.Fatalf("match probability %v not above non-match %v", match.Probability, nonMatch.Probability)
	}
}

func TestDatasetRejectsUncertainLabels(t *testing.T) {
	_, err := NewTrainingDataset([]TrainingExample{{
		Pair:  record.RecordPair{Record1: record.Record{}, Record2: record.Record{}},
		Label: record.LabelUncertain,
	}})
	if err == nil {
		t.Fatal("uncertain label accepted into a training dataset")
	}
}
