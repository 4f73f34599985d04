package config

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// sizeUnits is ordered so that two-letter suffixes match before one-letter ones.
var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

// parseInterval reads a tuning-file interval. Anything time.ParseDuration
// accepts is allowed, plus whole days ("7d"). Intervals must be positive.
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty interval")
	}

	if n, ok := strings.CutSuffix(strings.ToLower(s), "d"); ok {
		days, err := strconv.ParseUint(n, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%q is not a whole number of days", s)
		}
		if days == 0 {
			return 0, fmt.Errorf("interval %q must be positive", s)
		}
		if days > uint64(math.MaxInt64/int64(day)) {
			return 0, fmt.Errorf("interval %q is too long", s)
		}
		return time.Duration(days) * day, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid interval", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", s)
	}
	return d, nil
}

// parseByteSize reads a size such as "512K", "10MB" or "1g" into bytes.
// A bare number is taken as bytes. Zero is allowed.
func parseByteSize(s string) (int64, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if norm == "" {
		return 0, errors.New("empty size")
	}

	factor := uint64(1)
	for _, u := range sizeUnits {
		if n, ok := strings.CutSuffix(norm, u.suffix); ok {
			norm, factor = strings.TrimSpace(n), u.factor
			break
		}
	}

	n, err := strconv.ParseUint(norm, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid size", s)
	}
	hi, lo := bits.Mul64(n, factor)
	if hi != 0 || lo > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(lo), nil
}

// wholeMegabytes rounds a positive byte count up to at least one megabyte,
// the granularity of the rotating file writer.
func wholeMegabytes(n int64) int {
	mb := int(n >> 20)
	if n > 0 && mb == 0 {
		return 1
	}
	return mb
}

// wholeDays converts an interval to days, never less than one.
func wholeDays(d time.Duration) int {
	if days := int(d / day); days > 0 {
		return days
	}
	return 1
}
