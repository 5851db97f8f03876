package record

import "strings"

// ResolvePath walks a dotted path ("address.city") through nested maps.
// A missing key, a nil value, or a non-map intermediate segment all yield
// nil, so callers can treat every lookup failure as an absent value.
func ResolvePath(r Record, path string) interface{} {
	if r == nil || path == "" {
		return nil
	}

	segments := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(r)
	for _, segment := range segments {
		node, ok := current.(map[string]interface{})
		if !ok {
			if rec, isRecord := current.(Record); isRecord {
				node = map[string]interface{}(rec)
			} else {
				return nil
			}
		}
		value, exists := node[segment]
		if !exists || value == nil {
			return nil
		}
		current = value
	}
	return current
}

// IsMissing reports whether a resolved value counts as absent for feature
// extraction: nil or an empty/whitespace-only string.
func IsMissing(value interface{}) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
