// Package truncate shrinks structured records and strings to fit size-limited sinks.
package truncate

import (
	"encoding/json"
	"fmt"
)

const (
	ellipsis              = "..."
	truncatedSuffix       = "...truncated"
	minTruncateLength     = 10  // Minimum length a string keeps after truncation (excluding ellipsis)
	maxTruncateIterations = 100 // Safety limit for truncation loop
)

// String cuts s to at most maxLen bytes, ending it with "...truncated" when
// there is room for the suffix.
func String(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncatedSuffix) {
		return s[:maxLen]
	}
	return s[:maxLen-len(truncatedSuffix)] + truncatedSuffix
}

// RecordIfNeeded checks whether the JSON form of record exceeds limit bytes. If it
// does, it repeatedly cuts the longest string value (including values nested one
// level in maps) down to minTruncateLength plus an ellipsis until the record fits.
// If strings alone cannot bring it under the limit, nested maps are dropped and
// replaced by a marker. The record is modified in place.
// Returns true if any truncation occurred.
func RecordIfNeeded(record map[string]interface{}, limit int) (bool, error) {
	if record == nil {
		return false, fmt.Errorf("input record cannot be nil")
	}
	if limit <= 0 {
		return false, fmt.Errorf("limit must be positive")
	}

	size, err := Size(record)
	if err != nil {
		return false, fmt.Errorf("failed to estimate initial size: %w", err)
	}

	truncated := false
	for i := 0; size > limit && i < maxTruncateIterations; i++ {
		if !truncateLongestString(record) && !dropLargestMap(record) {
			break
		}
		truncated = true
		if size, err = Size(record); err != nil {
			return truncated, fmt.Errorf("iter %d: failed to estimate size after truncation: %w", i, err)
		}
	}
	if size > limit {
		return truncated, fmt.Errorf("record is %d bytes after truncation, limit %d", size, limit)
	}
	return truncated, nil
}

// Size returns the length of the JSON encoding of v.
func Size(v interface{}) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func truncateLongestString(record map[string]interface{}) bool {
	var (
		target  map[string]interface{}
		key     string
		longest string
	)
	consider := func(m map[string]interface{}, k string, s string) {
		if len(s) > minTruncateLength+len(ellipsis) && len(s) > len(longest) {
			target, key, longest = m, k, s
		}
	}
	for k, v := range record {
		switch val := v.(type) {
		case string:
			consider(record, k, val)
		case map[string]interface{}:
			for nk, nv := range val {
				if s, ok := nv.(string); ok {
					consider(val, nk, s)
				}
			}
		}
	}
	if target == nil {
		return false
	}
	target[key] = longest[:minTruncateLength] + ellipsis
	return true
}

func dropLargestMap(record map[string]interface{}) bool {
	var (
		largestKey  string
		largestSize int
	)
	for k, v := range record {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if s, err := Size(m); err == nil && s > largestSize {
			largestKey, largestSize = k, s
		}
	}
	if largestKey == "" {
		return false
	}
	record[largestKey] = fmt.Sprintf("[truncated %d bytes]", largestSize)
	return true
}
