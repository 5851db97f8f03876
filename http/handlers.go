package http

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"

	"recordlink/db"
	"recordlink/logging"
	"recordlink/match"
	"recordlink/ml"
	"recordlink/record"
)

var (
	model      ml.Model
	integrator *match.ScoreIntegrator
)

// SetModel installs the model served by the prediction endpoints.
func SetModel(m ml.Model) {
	model = m
}

// SetIntegrator installs the score integrator used by /api/enhance.
func SetIntegrator(i *match.ScoreIntegrator) {
	integrator = i
}

func RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/model", handleModel)
	mux.HandleFunc("POST /api/predict", handlePredict)
	mux.HandleFunc("POST /api/enhance", handleEnhance)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := model != nil && model.IsReady()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"modelReady": ready,
	})
}

func handleModel(w http.ResponseWriter, r *http.Request) {
	if model == nil {
		writeError(w, http.StatusServiceUnavailable, "no model configured")
		return
	}

	response := map[string]interface{}{
		"ready":  model.IsReady(),
		"config": model.Config(),
	}
	if provider, ok := model.(interface{ Metadata() ml.ModelMetadata }); ok {
		response["metadata"] = provider.Metadata()
	}
	writeJSON(w, http.StatusOK, response)
}

func handlePredict(w http.ResponseWriter, r *http.Request) {
	if model == nil || !model.IsReady() {
		writeError(w, http.StatusServiceUnavailable, "model not ready")
		return
	}

	var pair record.RecordPair
	if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(pair.Record1) == 0 || len(pair.Record2) == 0 {
		writeError(w, http.StatusBadRequest, "record1 and record2 are required")
		return
	}

	prediction, err := model.Predict(r.Context(), pair)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := db.RecordPrediction(pairFingerprint(pair), prediction, true); err != nil {
		logging.Warnf("prediction audit write failed: %v", err)
	}
	writeJSON(w, http.StatusOK, prediction)
}

type enhanceRequest struct {
	Candidate record.Record        `json:"candidate"`
	Existing  []record.Record      `json:"existing"`
	Results   []record.MatchResult `json:"results"`
}

func handleEnhance(w http.ResponseWriter, r *http.Request) {
	if integrator == nil {
		writeError(w, http.StatusServiceUnavailable, "no integrator configured")
		return
	}

	var request enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(request.Candidate) == 0 {
		writeError(w, http.StatusBadRequest, "candidate record is required")
		return
	}

	batch, err := integrator.EnhanceMatchResultsBatch(r.Context(), request.Candidate, request.Existing, request.Results)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func pairFingerprint(pair record.RecordPair) string {
	payload, err := json.Marshal(pair)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum[:16])
}
