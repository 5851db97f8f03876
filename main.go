package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"recordlink/config"
	"recordlink/db"
	rhttp "recordlink/http"
	"recordlink/logging"
	"recordlink/match"
	"recordlink/ml"
	"recordlink/monitor"
)

func main() {
	// 1. Load config
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	// 2. Initialize database
	if err := db.InitDB(cfg.Database.Path); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()
	logging.Infof("database initialized at %s", cfg.Database.Path)

	// 3. Build the feature extractor and classifier
	extractor, err := ml.NewFeatureExtractor(cfg.FeatureExtractionConfig())
	if err != nil {
		log.Fatalf("Invalid feature configuration: %v", err)
	}
	classifier, err := ml.NewLogisticClassifier(cfg.ClassifierConfig(), extractor)
	if err != nil {
		log.Fatalf("Invalid classifier configuration: %v", err)
	}

	// The service starts without weights and serves fallback scores until
	// an artifact exists.
	if _, err := os.Stat(cfg.Model.WeightsPath); err == nil {
		weights, err := ml.LoadWeightsFile(cfg.Model.WeightsPath)
		if err != nil {
			log.Fatalf("Failed to read weights file: %v", err)
		}
		if err := classifier.LoadWeights(weights); err != nil {
			log.Fatalf("Failed to load weights: %v", err)
		}
		logging.Infof("loaded model weights from %s (%d features)", cfg.Model.WeightsPath, len(weights.Weights))
	} else if errors.Is(err, os.ErrNotExist) {
		logging.Warnf("no weights at %s, model starts not ready", cfg.Model.WeightsPath)
	} else {
		log.Fatalf("Failed to stat weights file: %v", err)
	}

	if cfg.Model.Watch {
		watcher, err := ml.WatchWeights(cfg.Model.WeightsPath, classifier)
		if err != nil {
			log.Fatalf("Failed to watch weights file: %v", err)
		}
		defer watcher.Close()
	}

	// 4. Score integrator
	integrator, err := match.NewScoreIntegrator(classifier, cfg.IntegratorConfig())
	if err != nil {
		log.Fatalf("Invalid integration configuration: %v", err)
	}

	// 5. Monitor hub
	hub := monitor.NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	// 6. HTTP server
	rhttp.SetModel(classifier)
	rhttp.SetIntegrator(integrator)
	rhttp.SetTrainingDeps(extractor, cfg.TrainingConfig(), cfg.ClassifierConfig())
	rhttp.SetTrainingHub(hub)
	rhttp.SetWeightsPath(cfg.Model.WeightsPath)

	server := rhttp.NewServer(cfg.ServerConfig(), hub)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Infof("shutting down")

	if err := server.Stop(); err != nil {
		logging.Errorf("server forced to shutdown: %v", err)
	}
}
