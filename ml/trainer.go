package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"recordlink/logging"
	"recordlink/record"
)

// probClamp bounds probabilities inside the log terms of the loss.
// Gradients always use the unclamped error.
const probClamp = 1e-15

// TrainingConfig holds the gradient-descent hyperparameters.
type TrainingConfig struct {
	LearningRate          float64
	MaxIterations         int
	Regularization        float64
	ValidationSplit       float64
	EarlyStoppingPatience int
	MinImprovement        float64
	Seed                  int64
	ProgressInterval      int
}

// DefaultTrainingConfig returns the standard hyperparameters. Override
// fields on the returned value; there is no partial merging.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:          0.1,
		MaxIterations:         100,
		Regularization:        0.01,
		ValidationSplit:       0.2,
		EarlyStoppingPatience: 10,
		MinImprovement:        1e-4,
		Seed:                  42,
		ProgressInterval:      10,
	}
}

// IterationMetrics records one training iteration. ValLoss and ValAccuracy
// are only meaningful when the run has a validation split.
type IterationMetrics struct {
	Iteration   int     `json:"iteration"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"valLoss,omitempty"`
	ValAccuracy float64 `json:"valAccuracy,omitempty"`
}

// TrainingResult reports a training run. Failures are carried in Error with
// Success false; Train never panics and never returns a Go error, so batch
// pipelines can chain runs without recover scaffolding.
type TrainingResult struct {
	Success        bool               `json:"success"`
	Weights        []float64          `json:"weights,omitempty"`
	Bias           float64            `json:"bias"`
	FinalMetrics   IterationMetrics   `json:"finalMetrics"`
	History        []IterationMetrics `json:"history,omitempty"`
	TrainingTimeMs int64              `json:"trainingTimeMs"`
	EarlyStopped   bool               `json:"earlyStopped"`
	HasValidation  bool               `json:"hasValidation"`
	Error          string             `json:"error,omitempty"`
}

// ProgressFunc observes training every ProgressInterval iterations.
type ProgressFunc func(metrics IterationMetrics)

// Trainer fits a logistic classifier with full-batch gradient descent over
// L2-regularized binary cross-entropy.
type Trainer struct {
	config           TrainingConfig
	classifierConfig ClassifierConfig
	extractor        *FeatureExtractor
	progress         ProgressFunc
}

// NewTrainer builds a trainer. A nil extractor is reported at Train time as
// a failed result, not a construction error, so callers can configure lazily.
func NewTrainer(config TrainingConfig, classifierConfig ClassifierConfig, extractor *FeatureExtractor) *Trainer {
	return &Trainer{config: config, classifierConfig: classifierConfig, extractor: extractor}
}

// OnProgress registers the progress callback.
func (t *Trainer) OnProgress(fn ProgressFunc) {
	t.progress = fn
}

// Train runs gradient descent over the dataset.
//
// Reproducibility: shuffling draws from rand.NewSource(seed) and weight
// initialization from rand.NewSource(seed+1) — two independent streams, so
// identical seeds give identical trajectories regardless of call order.
func (t *Trainer) Train(ctx context.Context, dataset *TrainingDataset) (result TrainingResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = TrainingResult{Error: fmt.Sprintf("training aborted: %v", r)}
			logging.Warnf("training aborted by panic: %v", r)
		}
		result.TrainingTimeMs = time.Since(start).Milliseconds()
	}()

	if dataset.Len() == 0 {
		return TrainingResult{Error: "training dataset is empty"}
	}
	if t.extractor == nil {
		return TrainingResult{Error: "no feature extractor configured"}
	}
	if err := validateTrainingConfig(t.config); err != nil {
		return TrainingResult{Error: err.Error()}
	}

	examples := dataset.Examples()
	shuffleRNG := rand.New(rand.NewSource(t.config.Seed))
	shuffleRNG.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})

	valCount := int(float64(len(examples)) * t.config.ValidationSplit)
	trainExamples := examples[:len(examples)-valCount]
	valExamples := examples[len(examples)-valCount:]
	if len(trainExamples) == 0 {
		return TrainingResult{Error: "validation split leaves no training examples"}
	}

	trainX, trainY := t.vectorize(trainExamples)
	valX, valY := t.vectorize(valExamples)
	featureCount := t.extractor.FeatureCount()

	logging.Infof("training started: %d train / %d validation examples, %d features, seed=%d",
		len(trainX), len(valX), featureCount, t.config.Seed)

	scratch, err := NewLogisticClassifier(t.classifierConfig, t.extractor)
	if err != nil {
		return TrainingResult{Error: err.Error()}
	}
	initRNG := rand.New(rand.NewSource(t.config.Seed + 1))
	scratch.InitializeWeights(featureCount, initRNG)

	result.HasValidation = len(valX) > 0
	bestValLoss := math.Inf(1)
	patience := 0

	for iteration := 1; iteration <= t.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return TrainingResult{Error: fmt.Sprintf("training cancelled: %v", err), History: result.History}
		}

		gradients := make([]float64, featureCount)
		biasGradient := 0.0
		loss := 0.0
		correct := 0
		for i, x := range trainX {
			p := scratch.probability(x)
			loss += sampleLoss(p, trainY[i])
			if (p >= 0.5) == (trainY[i] == 1) {
				correct++
			}
			predictionError := p - trainY[i]
			for j, value := range x {
				gradients[j] += predictionError * value
			}
			biasGradient += predictionError
		}
		n := float64(len(trainX))
		weights := scratch.Weights()
		penalty := 0.0
		for j := range gradients {
			gradients[j] = gradients[j]/n + t.config.Regularization*weights[j]
			penalty += weights[j] * weights[j]
		}
		biasGradient /= n

		metrics := IterationMetrics{
			Iteration: iteration,
			Loss:      loss/n + t.config.Regularization/2*penalty,
			Accuracy:  float64(correct) / n,
		}

		if err := scratch.UpdateWeights(gradients, biasGradient, t.config.LearningRate); err != nil {
			return TrainingResult{Error: err.Error(), History: result.History}
		}

		if result.HasValidation {
			metrics.ValLoss, metrics.ValAccuracy = t.evaluate(scratch, valX, valY)
		}
		result.History = append(result.History, metrics)

		if t.progress != nil && t.config.ProgressInterval > 0 && iteration%t.config.ProgressInterval == 0 {
			t.progress(metrics)
		}

		if result.HasValidation {
			if metrics.ValLoss < bestValLoss-t.config.MinImprovement {
				bestValLoss = metrics.ValLoss
				patience = 0
			} else {
				patience++
				if patience >= t.config.EarlyStoppingPatience {
					result.EarlyStopped = true
					break
				}
			}
		}
	}

	result.Success = true
	result.Weights = scratch.Weights()
	result.Bias = scratch.Bias()
	result.FinalMetrics = result.History[len(result.History)-1]

	logging.Infof("training finished: %d iterations, loss=%.6f accuracy=%.4f earlyStopped=%v",
		len(result.History), result.FinalMetrics.Loss, result.FinalMetrics.Accuracy, result.EarlyStopped)
	return result
}

// TrainClassifier trains and returns a ready classifier carrying training
// provenance in its metadata. On failure the classifier is nil and the
// result explains why.
func (t *Trainer) TrainClassifier(ctx context.Context, dataset *TrainingDataset) (*LogisticClassifier, TrainingResult) {
	result := t.Train(ctx, dataset)
	if !result.Success {
		return nil, result
	}

	classifier, err := NewLogisticClassifier(t.classifierConfig, t.extractor)
	if err == nil {
		err = classifier.SetWeightsAndBias(result.Weights, result.Bias)
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return nil, result
	}

	classifier.extra = &WeightsExtra{
		TrainedAt:        time.Now().UTC(),
		Accuracy:         result.FinalMetrics.Accuracy,
		TrainingExamples: dataset.Len(),
	}
	classifier.metadata.TrainedAt = classifier.extra.TrainedAt
	classifier.metadata.Accuracy = classifier.extra.Accuracy
	classifier.metadata.TrainingExamples = classifier.extra.TrainingExamples
	return classifier, result
}

func (t *Trainer) vectorize(examples []TrainingExample) ([][]float64, []float64) {
	vectors := make([][]float64, len(examples))
	labels := make([]float64, len(examples))
	for i, example := range examples {
		vectors[i] = t.extractor.Extract(example.Pair).Values
		if example.Label == record.LabelMatch {
			labels[i] = 1
		}
	}
	return vectors, labels
}

func (t *Trainer) evaluate(classifier *LogisticClassifier, vectors [][]float64, labels []float64) (loss, accuracy float64) {
	if len(vectors) == 0 {
		return 0, 0
	}
	correct := 0
	for i, x := range vectors {
		p := classifier.probability(x)
		loss += sampleLoss(p, labels[i])
		if (p >= 0.5) == (labels[i] == 1) {
			correct++
		}
	}
	n := float64(len(vectors))
	weights := classifier.Weights()
	penalty := 0.0
	for _, w := range weights {
		penalty += w * w
	}
	return loss/n + t.config.Regularization/2*penalty, float64(correct) / n
}

func sampleLoss(p, y float64) float64 {
	clamped := math.Min(math.Max(p, probClamp), 1-probClamp)
	return -y*math.Log(clamped) - (1-y)*math.Log(1-clamped)
}

func validateTrainingConfig(config TrainingConfig) error {
	switch {
	case config.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	case config.MaxIterations <= 0:
		return fmt.Errorf("max iterations must be positive, got %d", config.MaxIterations)
	case config.Regularization < 0:
		return fmt.Errorf("regularization must be non-negative, got %v", config.Regularization)
	case config.ValidationSplit < 0 || config.ValidationSplit >= 1:
		return fmt.Errorf("validation split must be in [0,1), got %v", config.ValidationSplit)
	case config.EarlyStoppingPatience <= 0:
		return fmt.Errorf("early stopping patience must be positive, got %d", config.EarlyStoppingPatience)
	case config.MinImprovement < 0:
		return fmt.Errorf("min improvement must be non-negative, got %v", config.MinImprovement)
	default:
		return nil
	}
}
