package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration with JSON and YAML support for
// human-readable strings like "5s", "1m", "2m30s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a duration string from JSON.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string (e.g. \"5s\", \"1m\"): %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	d.Duration = parsed
	return nil
}

// MarshalJSON writes the duration as a human-readable string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// MarshalYAML writes the duration as a human-readable string for
// `config dump` output.
func (d Duration) MarshalYAML() (any, error) { //nolint:unparam // yaml.Marshaler interface requires error return
	return d.Duration.String(), nil
}
