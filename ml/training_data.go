package ml

import (
	"fmt"
	"time"

	"recordlink/record"
)

// TrainingExample is one labeled record pair, typically produced by the
// human-review queue.
type TrainingExample struct {
	Pair      record.RecordPair `json:"pair"`
	Label     record.Label      `json:"label"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

// DatasetMetadata summarizes a dataset. Counts are derived at construction
// and cannot be set independently.
type DatasetMetadata struct {
	MatchCount    int            `json:"matchCount"`
	NonMatchCount int            `json:"nonMatchCount"`
	Sources       map[string]int `json:"sources,omitempty"`
}

// TrainingDataset is an immutable collection of trainable examples.
type TrainingDataset struct {
	examples []TrainingExample
	metadata DatasetMetadata
}

// NewTrainingDataset copies the examples and derives the metadata. Only
// match and nonMatch labels are trainable; anything else is rejected.
func NewTrainingDataset(examples []TrainingExample) (*TrainingDataset, error) {
	dataset := &TrainingDataset{
		examples: append([]TrainingExample(nil), examples...),
		metadata: DatasetMetadata{Sources: make(map[string]int)},
	}
	for i, example := range dataset.examples {
		switch example.Label {
		case record.LabelMatch:
			dataset.metadata.MatchCount++
		case record.LabelNonMatch:
			dataset.metadata.NonMatchCount++
		default:
			return nil, fmt.Errorf("example %d has untrainable label %q", i, example.Label)
		}
		if example.Source != "" {
			dataset.metadata.Sources[example.Source]++
		}
	}
	return dataset, nil
}

// Len reports the number of examples.
func (d *TrainingDataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.examples)
}

// Examples returns a copy of the example slice.
func (d *TrainingDataset) Examples() []TrainingExample {
	return append([]TrainingExample(nil), d.examples...)
}

// Metadata returns the derived counts.
func (d *TrainingDataset) Metadata() DatasetMetadata {
	meta := d.metadata
	meta.Sources = make(map[string]int, len(d.metadata.Sources))
	for source, count := range d.metadata.Sources {
		meta.Sources[source] = count
	}
	return meta
}
