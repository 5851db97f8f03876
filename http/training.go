package http

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"recordlink/db"
	"recordlink/logging"
	"recordlink/ml"
	"recordlink/monitor"
	"recordlink/record"
)

var (
	trainingExtractor        *ml.FeatureExtractor
	trainingConfig           = ml.DefaultTrainingConfig()
	trainingClassifierConfig = ml.DefaultClassifierConfig()
	trainingHub              *monitor.Hub
	weightsPath              string
)

// SetTrainingDeps installs the extractor and configuration used by
// /api/train.
func SetTrainingDeps(extractor *ml.FeatureExtractor, training ml.TrainingConfig, classifier ml.ClassifierConfig) {
	trainingExtractor = extractor
	trainingConfig = training
	trainingClassifierConfig = classifier
}

// SetTrainingHub streams training progress to websocket subscribers.
func SetTrainingHub(hub *monitor.Hub) {
	trainingHub = hub
}

// SetWeightsPath sets where /api/train persists the trained artifact.
func SetWeightsPath(path string) {
	weightsPath = path
}

func RegisterTrainingHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/train", handleTrain)
	mux.HandleFunc("POST /api/examples", handleAddExample)
	mux.HandleFunc("GET /api/training/log", handleTrainingLog)
}

type trainRequest struct {
	Limit     int    `json:"limit"`
	ModelName string `json:"modelName"`
	Seed      *int64 `json:"seed"`
}

func handleTrain(w http.ResponseWriter, r *http.Request) {
	if trainingExtractor == nil {
		writeError(w, http.StatusServiceUnavailable, "training is not configured")
		return
	}

	var request trainRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if request.ModelName == "" {
		request.ModelName = ml.LogisticModelType
	}

	dataset, err := db.LoadTrainingDataset(request.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load training data: "+err.Error())
		return
	}
	if dataset.Len() == 0 {
		writeError(w, http.StatusBadRequest, "no training examples stored")
		return
	}

	config := trainingConfig
	if request.Seed != nil {
		config.Seed = *request.Seed
	}

	trainer := ml.NewTrainer(config, trainingClassifierConfig, trainingExtractor)
	if trainingHub != nil {
		trainer.OnProgress(trainingHub.PublishTrainingProgress)
	}

	classifier, result := trainer.TrainClassifier(r.Context(), dataset)
	if trainingHub != nil {
		trainingHub.PublishTrainingComplete(result)
	}
	if !result.Success {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	if weightsPath != "" {
		artifact, err := classifier.ExportWeights()
		if err == nil {
			if err := os.MkdirAll(filepath.Dir(weightsPath), 0o755); err == nil {
				err = ml.SaveWeightsFile(weightsPath, artifact)
			}
			if err != nil {
				logging.Errorf("persist trained weights: %v", err)
			}
		}
	}
	if err := db.LogTrainingRun(request.ModelName, result, dataset.Len()); err != nil {
		logging.Warnf("training log write failed: %v", err)
	}

	// The serving model picks the new weights up through the watcher once
	// the artifact lands on disk.
	writeJSON(w, http.StatusOK, result)
}

type exampleRequest struct {
	Record1 record.Record `json:"record1"`
	Record2 record.Record `json:"record2"`
	Label   record.Label  `json:"label"`
	Source  string        `json:"source"`
}

func handleAddExample(w http.ResponseWriter, r *http.Request) {
	var request exampleRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(request.Record1) == 0 || len(request.Record2) == 0 {
		writeError(w, http.StatusBadRequest, "record1 and record2 are required")
		return
	}
	if request.Label != record.LabelMatch && request.Label != record.LabelNonMatch {
		writeError(w, http.StatusBadRequest, "label must be match or nonMatch")
		return
	}

	err := db.SaveTrainingExample(ml.TrainingExample{
		Pair:      record.RecordPair{Record1: request.Record1, Record2: request.Record2},
		Label:     request.Label,
		Source:    request.Source,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	logs, err := db.LoadTrainingLog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
