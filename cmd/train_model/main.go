package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"recordlink/config"
	"recordlink/db"
	"recordlink/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "service configuration file")
	dbPath := flag.String("db", "", "override the training database path")
	outPath := flag.String("out", "", "override the weights output path")
	iterations := flag.Int("iterations", 0, "override max training iterations")
	learningRate := flag.Float64("lr", 0, "override the learning rate")
	seed := flag.Int64("seed", 0, "override the training seed")
	validation := flag.Float64("validation", -1, "override the validation split")
	limit := flag.Int("limit", 0, "train on the N most recent examples (0 = all)")
	modelName := flag.String("model-name", ml.LogisticModelType, "name recorded in the training log")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *outPath != "" {
		cfg.Model.WeightsPath = *outPath
	}

	trainingConfig := cfg.TrainingConfig()
	if *iterations > 0 {
		trainingConfig.MaxIterations = *iterations
	}
	if *learningRate > 0 {
		trainingConfig.LearningRate = *learningRate
	}
	if *seed != 0 {
		trainingConfig.Seed = *seed
	}
	if *validation >= 0 {
		trainingConfig.ValidationSplit = *validation
	}

	if err := db.InitDB(cfg.Database.Path); err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.CloseDB()

	dataset, err := db.LoadTrainingDataset(*limit)
	if err != nil {
		log.Fatalf("failed to load training data: %v", err)
	}
	meta := dataset.Metadata()
	log.Printf("loaded %d examples (%d match / %d nonMatch)", dataset.Len(), meta.MatchCount, meta.NonMatchCount)

	extractor, err := ml.NewFeatureExtractor(cfg.FeatureExtractionConfig())
	if err != nil {
		log.Fatalf("invalid feature configuration: %v", err)
	}

	trainer := ml.NewTrainer(trainingConfig, cfg.ClassifierConfig(), extractor)
	trainer.OnProgress(func(metrics ml.IterationMetrics) {
		log.Printf("iteration %d: loss=%.6f accuracy=%.4f valLoss=%.6f valAccuracy=%.4f",
			metrics.Iteration, metrics.Loss, metrics.Accuracy, metrics.ValLoss, metrics.ValAccuracy)
	})

	classifier, result := trainer.TrainClassifier(context.Background(), dataset)
	if !result.Success {
		log.Fatalf("training failed: %s", result.Error)
	}
	log.Printf("trained in %dms over %d iterations: loss=%.6f accuracy=%.4f earlyStopped=%v",
		result.TrainingTimeMs, len(result.History), result.FinalMetrics.Loss,
		result.FinalMetrics.Accuracy, result.EarlyStopped)

	artifact, err := classifier.ExportWeights()
	if err != nil {
		log.Fatalf("failed to export weights: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Model.WeightsPath), 0o755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}
	if err := ml.SaveWeightsFile(cfg.Model.WeightsPath, artifact); err != nil {
		log.Fatalf("failed to save weights: %v", err)
	}

	if err := db.LogTrainingRun(*modelName, result, dataset.Len()); err != nil {
		log.Printf("warning: training log write failed: %v", err)
	}

	fmt.Printf("weights saved to %s\n", cfg.Model.WeightsPath)
}
