package ml

import (
	"fmt"

	"recordlink/compare"
	"recordlink/record"
)

// ExtractorKind names a similarity function applied to one field of a
// record pair. Kinds outside the built-in set must be registered in
// FeatureExtractionConfig.Custom.
type ExtractorKind string

const (
	ExtractorExact       ExtractorKind = "exact"
	ExtractorLevenshtein ExtractorKind = "levenshtein"
	ExtractorJaroWinkler ExtractorKind = "jaroWinkler"
	ExtractorSoundex     ExtractorKind = "soundex"
	ExtractorMetaphone   ExtractorKind = "metaphone"
	ExtractorNumericDiff ExtractorKind = "numericDiff"
	ExtractorDateDiff    ExtractorKind = "dateDiff"
	ExtractorMissing     ExtractorKind = "missing"
)

var builtinExtractors = map[ExtractorKind]compare.Func{
	ExtractorExact:       compare.ExactMatch,
	ExtractorLevenshtein: compare.Levenshtein,
	ExtractorJaroWinkler: compare.JaroWinkler,
	ExtractorSoundex:     compare.Soundex,
	ExtractorMetaphone:   compare.Metaphone,
	ExtractorNumericDiff: NumericDiff,
	ExtractorDateDiff:    DateDiff,
	ExtractorMissing:     missingIndicator,
}

// missingIndicator differs from the comparator convention: it flags any
// absence, so 1 whenever either side is missing.
func missingIndicator(v1, v2 interface{}) float64 {
	if record.IsMissing(v1) || record.IsMissing(v2) {
		return 1
	}
	return 0
}

// FieldFeatureConfig configures extraction for a single record field.
type FieldFeatureConfig struct {
	// Field is a dotted path into both records.
	Field string
	// Extractors are applied in order; each contributes one feature.
	Extractors []ExtractorKind
	// Weight scales every extractor value for this field. Zero means the
	// default weight of 1; negative weights are a configuration error.
	Weight float64
	// OmitMissingIndicator suppresses the automatic "<field>_missing"
	// feature. The indicator is also suppressed when the field already
	// lists the "missing" extractor explicitly.
	OmitMissingIndicator bool
}

// FeatureExtractionConfig is validated once at construction and never
// consulted again; the extractor compiles it into an immutable plan.
type FeatureExtractionConfig struct {
	Fields    []FieldFeatureConfig
	Normalize bool
	Custom    map[ExtractorKind]compare.Func
}

// FeatureVector is a fixed-length numeric encoding of one record pair.
// Values and Names are index-aligned.
type FeatureVector struct {
	Values []float64 `json:"values"`
	Names  []string  `json:"names"`
}

type featureStep struct {
	name string
	fn   compare.Func
}

type fieldPlan struct {
	field        string
	weight       float64
	steps        []featureStep
	addIndicator bool
}

// FeatureExtractor turns record pairs into feature vectors following a
// fixed field-then-extractor order. Feature names are generated once at
// construction and shared by every extracted vector.
type FeatureExtractor struct {
	plans     []fieldPlan
	names     []string
	normalize bool
}

// NewFeatureExtractor validates the configuration and compiles the
// extraction plan. All configuration problems surface here, before any
// extraction can run.
func NewFeatureExtractor(config FeatureExtractionConfig) (*FeatureExtractor, error) {
	if len(config.Fields) == 0 {
		return nil, fmt.Errorf("%w: at least one field must be configured", ErrInvalidConfig)
	}

	extractor := &FeatureExtractor{normalize: config.Normalize}
	for _, field := range config.Fields {
		if field.Field == "" {
			return nil, fmt.Errorf("%w: field name is required", ErrInvalidConfig)
		}
		if len(field.Extractors) == 0 {
			return nil, fmt.Errorf("%w: field %q names no extractors", ErrInvalidConfig, field.Field)
		}
		if field.Weight < 0 {
			return nil, fmt.Errorf("%w: field %q has negative weight %v", ErrInvalidConfig, field.Field, field.Weight)
		}

		plan := fieldPlan{field: field.Field, weight: field.Weight, addIndicator: !field.OmitMissingIndicator}
		if plan.weight == 0 {
			plan.weight = 1
		}
		for _, kind := range field.Extractors {
			fn, ok := builtinExtractors[kind]
			if !ok {
				fn, ok = config.Custom[kind]
			}
			if !ok {
				return nil, fmt.Errorf("%w: field %q references unregistered extractor %q", ErrInvalidConfig, field.Field, kind)
			}
			plan.steps = append(plan.steps, featureStep{name: field.Field + "_" + string(kind), fn: fn})
			extractor.names = append(extractor.names, field.Field+"_"+string(kind))
			if kind == ExtractorMissing {
				plan.addIndicator = false
			}
		}
		if plan.addIndicator {
			extractor.names = append(extractor.names, field.Field+"_missing")
		}
		extractor.plans = append(extractor.plans, plan)
	}
	return extractor, nil
}

// Extract computes the feature vector for one pair. Values land in the
// same order as FeatureNames; with Normalize set, each value is clamped
// into [0,1] to guard weighted outliers.
func (e *FeatureExtractor) Extract(pair record.RecordPair) FeatureVector {
	values := make([]float64, 0, len(e.names))
	for _, plan := range e.plans {
		v1 := record.ResolvePath(pair.Record1, plan.field)
		v2 := record.ResolvePath(pair.Record2, plan.field)
		for _, step := range plan.steps {
			value := step.fn(v1, v2) * plan.weight
			if e.normalize {
				value = clamp01(value)
			}
			values = append(values, value)
		}
		if plan.addIndicator {
			values = append(values, missingIndicator(v1, v2))
		}
	}
	return FeatureVector{Values: values, Names: e.names}
}

// ExtractBatch extracts vectors for every pair, preserving input order.
func (e *FeatureExtractor) ExtractBatch(pairs []record.RecordPair) []FeatureVector {
	vectors := make([]FeatureVector, len(pairs))
	for i, pair := range pairs {
		vectors[i] = e.Extract(pair)
	}
	return vectors
}

// FeatureNames returns a copy of the generated names in extraction order.
func (e *FeatureExtractor) FeatureNames() []string {
	return append([]string(nil), e.names...)
}

// FeatureCount is the fixed length of every extracted vector.
func (e *FeatureExtractor) FeatureCount() int {
	return len(e.names)
}
