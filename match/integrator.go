// Package match blends ML predictions with deterministic match results.
package match

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"recordlink/logging"
	"recordlink/ml"
	"recordlink/record"
)

// Strategy selects how an ML probability combines with the prior
// deterministic score.
type Strategy string

const (
	// StrategyMLOnly rescores purely from the ML probability.
	StrategyMLOnly Strategy = "mlOnly"
	// StrategyHybrid blends probability and prior score by MLWeight.
	StrategyHybrid Strategy = "hybrid"
	// StrategyFallback applies ML only when the prior outcome is below
	// definite-match; a definite-match keeps its score, with the
	// prediction attached for reference.
	StrategyFallback Strategy = "fallback"
)

// ApplyMode optionally restricts which prior outcomes get enhanced.
type ApplyMode string

const (
	ApplyAlways ApplyMode = "always"
	// ApplyUncertainOnly skips enhancement whenever the prior outcome is
	// already definite-match, regardless of strategy.
	//
	// Note this gates on the prior deterministic outcome, not on the ML
	// classification — preserved source behavior, flagged for product
	// review rather than silently changed.
	ApplyUncertainOnly ApplyMode = "uncertainOnly"
)

// IntegratorConfig configures a ScoreIntegrator.
type IntegratorConfig struct {
	Strategy Strategy
	// MLWeight is the hybrid blend weight in [0,1].
	MLWeight float64
	ApplyTo  ApplyMode
	// Timeout bounds each prediction call.
	Timeout time.Duration
	// FallbackOnError keeps the unmodified prior score on prediction
	// errors or timeouts; when false, those errors propagate.
	FallbackOnError bool
	// CacheSize bounds the LRU prediction cache; 0 disables caching.
	CacheSize int
}

// DefaultIntegratorConfig returns the standard integration settings.
func DefaultIntegratorConfig() IntegratorConfig {
	return IntegratorConfig{
		Strategy:        StrategyHybrid,
		MLWeight:        0.5,
		ApplyTo:         ApplyAlways,
		Timeout:         5 * time.Second,
		FallbackOnError: true,
		CacheSize:       512,
	}
}

// EnhancedResult is a deterministic match result after ML integration.
// MLUsed reports whether the prediction changed the score; a prediction may
// be attached for reference even when it did not.
type EnhancedResult struct {
	record.MatchResult
	Prediction                     *ml.MLPrediction `json:"prediction,omitempty"`
	MLUsed                         bool             `json:"mlUsed"`
	MLError                        string           `json:"mlError,omitempty"`
	MLScoreContribution            float64          `json:"mlScoreContribution,omitempty"`
	ProbabilisticScoreContribution float64          `json:"probabilisticScoreContribution,omitempty"`
	PredictionTimeMs               int64            `json:"predictionTimeMs,omitempty"`
}

// BatchStats aggregates one batch-enhancement call.
type BatchStats struct {
	Total            int   `json:"total"`
	MLUsedCount      int   `json:"mlUsedCount"`
	PredictionTimeMs int64 `json:"predictionTimeMs"`
}

// BatchEnhancement bundles re-ranked results with their aggregate stats.
type BatchEnhancement struct {
	Results []EnhancedResult `json:"results"`
	Stats   BatchStats       `json:"stats"`
}

// MLDecision is the pure-ML match verdict from MatchWithMLOnly.
type MLDecision struct {
	Outcome     record.MatchOutcome `json:"outcome"`
	Probability float64             `json:"probability"`
	Confidence  float64             `json:"confidence"`
	Explanation string              `json:"explanation"`
	Prediction  ml.MLPrediction     `json:"prediction"`
}

// ScoreIntegrator applies a model's predictions to deterministic match
// results under a configured strategy, timeout, and fallback policy.
type ScoreIntegrator struct {
	model  ml.Model
	config IntegratorConfig
	cache  *lru.Cache[string, ml.MLPrediction]
}

// NewScoreIntegrator validates the configuration and builds an integrator.
func NewScoreIntegrator(model ml.Model, config IntegratorConfig) (*ScoreIntegrator, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	switch config.Strategy {
	case StrategyMLOnly, StrategyHybrid, StrategyFallback:
	case "":
		config.Strategy = StrategyHybrid
	default:
		return nil, fmt.Errorf("unknown strategy %q", config.Strategy)
	}
	if config.MLWeight < 0 || config.MLWeight > 1 {
		return nil, fmt.Errorf("ml weight must be in [0,1], got %v", config.MLWeight)
	}
	if config.ApplyTo == "" {
		config.ApplyTo = ApplyAlways
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultIntegratorConfig().Timeout
	}

	integrator := &ScoreIntegrator{model: model, config: config}
	if config.CacheSize > 0 {
		cache, err := lru.New[string, ml.MLPrediction](config.CacheSize)
		if err != nil {
			return nil, err
		}
		integrator.cache = cache
	}
	return integrator, nil
}

// EnhanceMatchResult integrates one prediction into one prior result.
// With FallbackOnError set, prediction failures and timeouts downgrade to
// MLError on the returned result and the prior score stays unmodified;
// otherwise the error propagates.
func (s *ScoreIntegrator) EnhanceMatchResult(ctx context.Context, candidate, existing record.Record, prior record.MatchResult) (EnhancedResult, error) {
	enhanced := EnhancedResult{MatchResult: prior}
	if s.config.ApplyTo == ApplyUncertainOnly && prior.Outcome == record.OutcomeDefiniteMatch {
		return enhanced, nil
	}

	pair := record.RecordPair{Record1: candidate, Record2: existing}
	prediction, elapsedMs, err := s.predictPair(ctx, pair)
	enhanced.PredictionTimeMs = elapsedMs
	if err != nil {
		if s.config.FallbackOnError {
			logging.Warnf("ml enhancement fell back to prior score: %v", err)
			enhanced.MLError = err.Error()
			return enhanced, nil
		}
		return EnhancedResult{}, err
	}

	s.applyPrediction(&enhanced, prediction)
	return enhanced, nil
}

// EnhanceMatchResults enhances one candidate against many existing records
// and re-sorts the output descending by final total score. Before the sort,
// output order matches input order; the sort is the only reordering step
// and it is stable, so ties keep their relative order.
func (s *ScoreIntegrator) EnhanceMatchResults(ctx context.Context, candidate record.Record, existing []record.Record, priors []record.MatchResult) ([]EnhancedResult, error) {
	if len(existing) != len(priors) {
		return nil, fmt.Errorf("existing records (%d) and prior results (%d) must align", len(existing), len(priors))
	}

	results := make([]EnhancedResult, len(priors))
	var pendingIdx []int
	var pendingPairs []record.RecordPair
	for i, prior := range priors {
		results[i] = EnhancedResult{MatchResult: prior}
		if s.config.ApplyTo == ApplyUncertainOnly && prior.Outcome == record.OutcomeDefiniteMatch {
			continue
		}
		pair := record.RecordPair{Record1: candidate, Record2: existing[i]}
		if s.cache != nil {
			if key, cacheable := s.cacheKey(pair); cacheable {
				if prediction, ok := s.cache.Get(key); ok {
					s.applyPrediction(&results[i], prediction)
					continue
				}
			}
		}
		pendingIdx = append(pendingIdx, i)
		pendingPairs = append(pendingPairs, pair)
	}

	if len(pendingPairs) > 0 {
		start := time.Now()
		predictions, err := s.raceBatch(ctx, pendingPairs)
		elapsedMs := time.Since(start).Milliseconds()
		if err != nil {
			if !s.config.FallbackOnError {
				return nil, err
			}
			logging.Warnf("ml batch enhancement fell back to prior scores: %v", err)
			for _, i := range pendingIdx {
				results[i].MLError = err.Error()
			}
		} else {
			perPrediction := elapsedMs / int64(len(pendingPairs))
			for n, i := range pendingIdx {
				if s.cache != nil {
					if key, cacheable := s.cacheKey(pendingPairs[n]); cacheable {
						s.cache.Add(key, predictions[n])
					}
				}
				results[i].PredictionTimeMs = perPrediction
				s.applyPrediction(&results[i], predictions[n])
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score.TotalScore > results[j].Score.TotalScore
	})
	return results, nil
}

// EnhanceMatchResultsBatch is EnhanceMatchResults plus aggregate stats.
func (s *ScoreIntegrator) EnhanceMatchResultsBatch(ctx context.Context, candidate record.Record, existing []record.Record, priors []record.MatchResult) (BatchEnhancement, error) {
	results, err := s.EnhanceMatchResults(ctx, candidate, existing, priors)
	if err != nil {
		return BatchEnhancement{}, err
	}
	stats := BatchStats{Total: len(results)}
	for _, result := range results {
		if result.MLUsed {
			stats.MLUsedCount++
		}
		stats.PredictionTimeMs += result.PredictionTimeMs
	}
	return BatchEnhancement{Results: results, Stats: stats}, nil
}

// MatchWithMLOnly decides a pair purely from the model against externally
// supplied thresholds. It never falls back: any prediction error propagates
// as "ML prediction failed".
func (s *ScoreIntegrator) MatchWithMLOnly(ctx context.Context, candidate, existing record.Record, matchThreshold, nonMatchThreshold float64) (MLDecision, error) {
	prediction, err := s.model.Predict(ctx, record.RecordPair{Record1: candidate, Record2: existing})
	if err != nil {
		return MLDecision{}, fmt.Errorf("ML prediction failed: %w", err)
	}

	label, confidence := ml.Classify(prediction.Probability, matchThreshold, nonMatchThreshold)
	outcome := outcomeFromLabel(label)
	return MLDecision{
		Outcome:     outcome,
		Probability: prediction.Probability,
		Confidence:  confidence,
		Explanation: fmt.Sprintf("ML prediction: probability %.4f, confidence %.4f (match >= %.2f, non-match <= %.2f), outcome %s",
			prediction.Probability, confidence, matchThreshold, nonMatchThreshold, outcome),
		Prediction: prediction,
	}, nil
}

// applyPrediction folds a prediction into the result per the configured
// strategy. The prior values live in result.MatchResult on entry.
func (s *ScoreIntegrator) applyPrediction(result *EnhancedResult, prediction ml.MLPrediction) {
	p := prediction
	result.Prediction = &p

	if s.config.Strategy == StrategyFallback && result.Outcome == record.OutcomeDefiniteMatch {
		// Attached for reference only; the deterministic score stands.
		return
	}

	maxScore := result.Score.MaxPossibleScore
	switch s.config.Strategy {
	case StrategyHybrid:
		mlPart := s.config.MLWeight * prediction.Probability * maxScore
		probPart := (1 - s.config.MLWeight) * result.Score.NormalizedScore * maxScore
		result.Score.TotalScore = mlPart + probPart
		if maxScore > 0 {
			result.Score.NormalizedScore = result.Score.TotalScore / maxScore
		} else {
			result.Score.NormalizedScore = prediction.Probability
		}
		result.MLScoreContribution = mlPart
		result.ProbabilisticScoreContribution = probPart
	default: // StrategyMLOnly, and StrategyFallback below definite-match
		result.Score.TotalScore = prediction.Probability * maxScore
		result.Score.NormalizedScore = prediction.Probability
		result.MLScoreContribution = result.Score.TotalScore
		result.ProbabilisticScoreContribution = 0
	}
	result.Outcome = s.outcomeFor(result.Score.NormalizedScore)
	result.MLUsed = true
}

func (s *ScoreIntegrator) outcomeFor(probability float64) record.MatchOutcome {
	config := s.model.Config()
	label, _ := ml.Classify(probability, config.MatchThreshold, config.NonMatchThreshold)
	return outcomeFromLabel(label)
}

func outcomeFromLabel(label record.Label) record.MatchOutcome {
	switch label {
	case record.LabelMatch:
		return record.OutcomeDefiniteMatch
	case record.LabelNonMatch:
		return record.OutcomeNoMatch
	default:
		return record.OutcomePotentialMatch
	}
}

func (s *ScoreIntegrator) predictPair(ctx context.Context, pair record.RecordPair) (ml.MLPrediction, int64, error) {
	key, cacheable := "", false
	if s.cache != nil {
		key, cacheable = s.cacheKey(pair)
		if cacheable {
			if prediction, ok := s.cache.Get(key); ok {
				return prediction, 0, nil
			}
		}
	}

	start := time.Now()
	prediction, err := s.raceOne(ctx, pair)
	elapsedMs := time.Since(start).Milliseconds()
	if err != nil {
		return ml.MLPrediction{}, elapsedMs, err
	}
	if cacheable {
		s.cache.Add(key, prediction)
	}
	return prediction, elapsedMs, nil
}

// raceOne races a prediction against the configured timeout. The
// prediction goroutine holds a cancelled child context after the deadline
// and reports through a buffered channel, so it can never outlive the call
// as a blocked goroutine — this deliberately tightens the original
// behavior, where the losing task kept running unobserved. A model that
// ignores cancellation still runs its side effects at least once.
func (s *ScoreIntegrator) raceOne(ctx context.Context, pair record.RecordPair) (ml.MLPrediction, error) {
	predictCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	type outcome struct {
		prediction ml.MLPrediction
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		prediction, err := s.model.Predict(predictCtx, pair)
		done <- outcome{prediction, err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return ml.MLPrediction{}, s.normalizeTimeout(result.err)
		}
		return result.prediction, nil
	case <-predictCtx.Done():
		return ml.MLPrediction{}, s.normalizeTimeout(predictCtx.Err())
	}
}

// raceBatch is raceOne over the model's batch API.
func (s *ScoreIntegrator) raceBatch(ctx context.Context, pairs []record.RecordPair) ([]ml.MLPrediction, error) {
	predictCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	type outcome struct {
		predictions []ml.MLPrediction
		err         error
	}
	done := make(chan outcome, 1)
	go func() {
		predictions, err := s.model.PredictBatch(predictCtx, pairs)
		done <- outcome{predictions, err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return nil, s.normalizeTimeout(result.err)
		}
		return result.predictions, nil
	case <-predictCtx.Done():
		return nil, s.normalizeTimeout(predictCtx.Err())
	}
}

func (s *ScoreIntegrator) normalizeTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ml prediction timed out after %s", s.config.Timeout)
	}
	return err
}

// generationReporter is implemented by models whose weights can be swapped
// at runtime; the reported value versions the prediction cache.
type generationReporter interface {
	WeightsGeneration() uint64
}

// cacheKey fingerprints a pair for the prediction cache. Map marshaling is
// key-sorted, so equal records always produce the same key. The key carries
// the model's weights generation, so entries computed with stale weights
// miss after a reload. Pairs that cannot be marshaled are not cacheable.
func (s *ScoreIntegrator) cacheKey(pair record.RecordPair) (string, bool) {
	payload, err := json.Marshal([2]record.Record{pair.Record1, pair.Record2})
	if err != nil {
		return "", false
	}
	var generation uint64
	if reporter, ok := s.model.(generationReporter); ok {
		generation = reporter.WeightsGeneration()
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%d:%x", generation, sum[:16]), true
}
