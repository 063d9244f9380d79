package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var windowUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseWindow converts a duration spec such as "60s", "15m", "1h" or "1d" into a window length
func ParseWindow(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if len(spec) < 2 {
		return 0, fmt.Errorf("invalid window %q: expected <number><unit>", spec)
	}

	unit, ok := windowUnits[spec[len(spec)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid window %q: unit must be one of s, m, h, d, w", spec)
	}

	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", spec, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid window %q: must be positive", spec)
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("invalid window %q: too long", spec)
	}

	return time.Duration(n) * unit, nil
}
