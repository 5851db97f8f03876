package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"recordlink/ml"
	"recordlink/record"
)

var database *sql.DB

// InitDB initializes the SQLite database
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_examples (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        record1 TEXT NOT NULL,
        record2 TEXT NOT NULL,
        label VARCHAR(20) NOT NULL,
        source VARCHAR(50),
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        accuracy REAL,
        loss REAL,
        iterations INTEGER,
        early_stopped INTEGER DEFAULT 0,
        trained_at DATETIME,
        data_points INTEGER
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        fingerprint TEXT NOT NULL,
        probability REAL,
        classification VARCHAR(20),
        confidence REAL,
        ml_used INTEGER DEFAULT 1,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `

	_, err = database.Exec(query)
	return err
}

// CloseDB closes the database handle.
func CloseDB() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

// SaveTrainingExample persists one labeled pair. Records are stored as JSON
// so arbitrary nested fields survive.
func SaveTrainingExample(example ml.TrainingExample) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	r1, err := json.Marshal(example.Pair.Record1)
	if err != nil {
		return err
	}
	r2, err := json.Marshal(example.Pair.Record2)
	if err != nil {
		return err
	}
	when := example.Timestamp
	if when.IsZero() {
		when = time.Now().UTC()
	}
	_, err = database.Exec(`
        INSERT INTO training_examples (record1, record2, label, source, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		string(r1), string(r2), string(example.Label), example.Source, when)
	return err
}

// LoadTrainingDataset loads the most recent labeled examples, newest first.
// A limit of 0 loads everything.
func LoadTrainingDataset(limit int) (*ml.TrainingDataset, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	query := `
        SELECT record1, record2, label, source, created_at
        FROM training_examples
        ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = database.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = database.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var examples []ml.TrainingExample
	for rows.Next() {
		var r1, r2, label string
		var source sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&r1, &r2, &label, &source, &createdAt); err != nil {
			return nil, err
		}
		var example ml.TrainingExample
		if err := json.Unmarshal([]byte(r1), &example.Pair.Record1); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(r2), &example.Pair.Record2); err != nil {
			return nil, err
		}
		example.Label = record.Label(label)
		example.Source = source.String
		example.Timestamp = createdAt
		examples = append(examples, example)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ml.NewTrainingDataset(examples)
}

// CountTrainingExamples reports how many labeled pairs are stored.
func CountTrainingExamples() (int, error) {
	if database == nil {
		return 0, errors.New("database not initialized")
	}
	var count int
	err := database.QueryRow(`SELECT COUNT(*) FROM training_examples`).Scan(&count)
	return count, err
}

type TrainingLog struct {
	ModelName    string    `json:"model_name"`
	Accuracy     float64   `json:"accuracy"`
	Loss         float64   `json:"loss"`
	Iterations   int       `json:"iterations"`
	EarlyStopped bool      `json:"early_stopped"`
	TrainedAt    time.Time `json:"trained_at"`
	DataPoints   int       `json:"data_points"`
}

// LogTrainingRun records the outcome of one training run.
func LogTrainingRun(modelName string, result ml.TrainingResult, dataPoints int) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO training_log (model_name, accuracy, loss, iterations, early_stopped, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		modelName, result.FinalMetrics.Accuracy, result.FinalMetrics.Loss,
		len(result.History), result.EarlyStopped, time.Now().UTC(), dataPoints)
	return err
}

// LoadTrainingLog returns all training runs, newest first.
func LoadTrainingLog() ([]TrainingLog, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT model_name, accuracy, loss, iterations, early_stopped, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ModelName, &log.Accuracy, &log.Loss, &log.Iterations,
			&log.EarlyStopped, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// RecordPrediction appends to the prediction audit trail.
func RecordPrediction(fingerprint string, prediction ml.MLPrediction, mlUsed bool) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO predictions (fingerprint, probability, classification, confidence, ml_used, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		fingerprint, prediction.Probability, string(prediction.Classification),
		prediction.Confidence, mlUsed, time.Now().UTC())
	return err
}
