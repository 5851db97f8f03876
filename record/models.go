package record

// Record is a schemaless document describing one real-world entity, e.g. a
// customer profile decoded from JSON. Field access goes through ResolvePath.
type Record map[string]interface{}

// Label is a human or deterministic verdict about a pair of records.
type Label string

const (
	LabelMatch     Label = "match"
	LabelNonMatch  Label = "nonMatch"
	LabelUncertain Label = "uncertain"
)

// RecordPair holds the two records being compared. Pairs are ephemeral:
// they are built per comparison and never stored by the core.
type RecordPair struct {
	Record1 Record `json:"record1"`
	Record2 Record `json:"record2"`
	Label   Label  `json:"label,omitempty"`
}

// MatchOutcome is the verdict of the deterministic/probabilistic matcher
// that runs before any ML scoring.
type MatchOutcome string

const (
	OutcomeNoMatch        MatchOutcome = "no-match"
	OutcomePotentialMatch MatchOutcome = "potential-match"
	OutcomeDefiniteMatch  MatchOutcome = "definite-match"
)

// FieldScore is one field's contribution to a deterministic match score.
type FieldScore struct {
	Field    string  `json:"field"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
}

// MatchScore carries the deterministic matcher's scoring breakdown.
type MatchScore struct {
	TotalScore       float64      `json:"totalScore"`
	MaxPossibleScore float64      `json:"maxPossibleScore"`
	NormalizedScore  float64      `json:"normalizedScore"`
	FieldScores      []FieldScore `json:"fieldScores,omitempty"`
}

// MatchResult is the deterministic matcher's full result for one candidate.
// The core consumes these; it never produces them.
type MatchResult struct {
	Outcome         MatchOutcome `json:"outcome"`
	CandidateRecord Record       `json:"candidateRecord,omitempty"`
	Score           MatchScore   `json:"score"`
	Explanation     string       `json:"explanation,omitempty"`
}
