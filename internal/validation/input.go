package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultMaxSegmentLength = 128
	DefaultMaxKeyLength     = 64
	DefaultMaxValueLength   = 8192
)

// Identity segments end up in file paths and cloud log group names, so they are
// limited to characters that are safe in both.
var segmentRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ErrInputTooLong indicates the input string exceeds the maximum allowed length.
var ErrInputTooLong = errors.New("input exceeds maximum length")

// ErrInvalidChars indicates the input string contains disallowed characters.
var ErrInvalidChars = errors.New("input contains invalid characters")

// ErrEmpty indicates a required value is empty.
var ErrEmpty = errors.New("input is empty")

// IsValidSegment checks an identity tag (environment, application, service, host).
func IsValidSegment(s string, maxLength int) error {
	if s == "" {
		return ErrEmpty
	}
	if len(s) > maxLength {
		return fmt.Errorf("%w: got %d, max %d", ErrInputTooLong, len(s), maxLength)
	}
	if s == "." || s == ".." {
		return fmt.Errorf("%w: %q is a relative path element", ErrInvalidChars, s)
	}
	if !segmentRegex.MatchString(s) {
		return fmt.Errorf("%w: allowed alphanumeric, dot, underscore, hyphen", ErrInvalidChars)
	}
	return nil
}

// SanitizeHost turns an arbitrary host name into a valid segment.
// Disallowed characters become '-'; an empty result becomes "unknown".
func SanitizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-') {
			return r
		}
		return '-'
	}, host)
	if len(host) > DefaultMaxSegmentLength {
		host = host[:DefaultMaxSegmentLength]
	}
	if host == "" || host == "." || host == ".." {
		return "unknown"
	}
	return host
}

// SanitizeString removes non-printable characters (excluding space) and trims whitespace.
// It also truncates the string to maxLength.
func SanitizeString(s string, maxLength int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLength {
		s = s[:maxLength]
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' || (unicode.IsPrint(r) && r != '\uFFFD') {
			return r
		}
		return -1
	}, s)
}

// SanitizeAttributes returns a copy of attrs with keys and string values sanitized.
// Keys that are empty after sanitizing are dropped.
func SanitizeAttributes(attrs map[string]any, maxKeyLength, maxValueLength int) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for key, value := range attrs {
		k := SanitizeString(key, maxKeyLength)
		if k == "" {
			continue
		}
		if s, ok := value.(string); ok {
			out[k] = SanitizeString(s, maxValueLength)
			continue
		}
		out[k] = value
	}
	return out
}
