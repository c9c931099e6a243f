package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses value as a duration, falling back to
// defaultValue when value is blank. Timeouts and TTLs are configured as
// strings ("30s", "1h30m") so file, env, and flag layers can all express
// them the same way. A non-blank value that fails to parse is an error
// even when the fallback would parse.
func DurationOrDefault(value, defaultValue string) (time.Duration, error) {
	for _, raw := range []string{value, defaultValue} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", raw, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("duration value is empty")
}
