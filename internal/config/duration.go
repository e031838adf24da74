package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string from the config, treating the
// empty string as "unset" (returns zero with no error).
func ParseDurationField(raw, field string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault parses raw and falls back to def when raw is empty.
func ParseDurationOrDefault(raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(raw, "duration")
	if err != nil {
		return 0, err
	}
	if d == 0 && strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return d, nil
}
