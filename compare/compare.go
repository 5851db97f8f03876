// Package compare supplies the string-similarity collaborators consumed by
// feature extraction. Every comparator is a pure function mapping a value
// pair into [0,1] with a shared missing-value convention: both sides
// missing scores 1, one side missing scores 0.
package compare

import (
	"fmt"

	"github.com/antzucaro/matchr"

	"recordlink/record"
)

// Func is the comparator contract: (value1, value2) -> similarity in [0,1].
// Implementations must tolerate nil and empty inputs.
type Func func(v1, v2 interface{}) float64

// ExactMatch scores 1 when the canonicalised strings are identical.
func ExactMatch(v1, v2 interface{}) float64 {
	if score, decided := missingScore(v1, v2); decided {
		return score
	}
	if Canonical(toString(v1)) == Canonical(toString(v2)) {
		return 1
	}
	return 0
}

// Levenshtein converts edit distance into a similarity relative to the
// longer input.
func Levenshtein(v1, v2 interface{}) float64 {
	if score, decided := missingScore(v1, v2); decided {
		return score
	}
	s1, s2 := Canonical(toString(v1)), Canonical(toString(v2))
	longest := len([]rune(s1))
	if l := len([]rune(s2)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	distance := matchr.Levenshtein(s1, s2)
	similarity := 1 - float64(distance)/float64(longest)
	if similarity < 0 {
		return 0
	}
	return similarity
}

// JaroWinkler scores with prefix-boosted Jaro similarity.
func JaroWinkler(v1, v2 interface{}) float64 {
	if score, decided := missingScore(v1, v2); decided {
		return score
	}
	return matchr.JaroWinkler(Canonical(toString(v1)), Canonical(toString(v2)), false)
}

// Soundex scores 1 when both values share a Soundex code.
func Soundex(v1, v2 interface{}) float64 {
	if score, decided := missingScore(v1, v2); decided {
		return score
	}
	if matchr.Soundex(Canonical(toString(v1))) == matchr.Soundex(Canonical(toString(v2))) {
		return 1
	}
	return 0
}

// Metaphone scores on double-metaphone encodings: 1 for equal primary
// codes, 0.5 when only the alternate encodings agree.
func Metaphone(v1, v2 interface{}) float64 {
	if score, decided := missingScore(v1, v2); decided {
		return score
	}
	p1, a1 := matchr.DoubleMetaphone(Canonical(toString(v1)))
	p2, a2 := matchr.DoubleMetaphone(Canonical(toString(v2)))
	if p1 == p2 {
		return 1
	}
	if p1 == a2 || p2 == a1 || (a1 != "" && a1 == a2) {
		return 0.5
	}
	return 0
}

// missingScore applies the shared missing-value convention. The second
// return value reports whether the pair was decided without comparison.
func missingScore(v1, v2 interface{}) (float64, bool) {
	m1, m2 := record.IsMissing(v1), record.IsMissing(v2)
	switch {
	case m1 && m2:
		return 1, true
	case m1 || m2:
		return 0, true
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
