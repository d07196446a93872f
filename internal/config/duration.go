package config

import (
	"fmt"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s", "1m30s") or a bare number of seconds, for compatibility
// with configs migrated from the legacy INI format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		s := strings.TrimSpace(raw)
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		if v < 0 {
			return fmt.Errorf("duration %q must be >= 0", raw)
		}
		*d = Duration(v)
		return nil
	}

	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	if secs < 0 {
		return fmt.Errorf("duration must be >= 0, got %v", secs)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
