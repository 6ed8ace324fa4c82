package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields are plain Go duration strings ("30s",
// "5m"). They stay strings in the schema so an omitted field is
// distinguishable from an explicit zero; resolution to time.Duration
// happens here, keyed by the field's config path for error messages.

// ParseDuration resolves one duration field. Empty means unset and yields
// zero; negative values are rejected.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. \"30s\", \"5m\")", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOr resolves a duration field against its default: unset (or
// explicit zero) yields def.
func ParseDurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
