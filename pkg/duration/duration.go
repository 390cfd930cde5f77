// Package duration provides a Duration type that supports JSON and YAML marshaling.
//
// Forecast cadences are usually expressed in days, so in addition to the
// time.ParseDuration syntax a leading day component is accepted ("1d", "2d12h").
package duration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Day is the length of the "d" unit.
const Day = 24 * time.Hour

// Duration is a wrapper around time.Duration that supports JSON and YAML marshaling.
type Duration time.Duration

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String formats whole days with the "d" unit and the remainder with time.Duration.String.
func (d Duration) String() string {
	v := time.Duration(d)
	if v < Day || v%time.Second != 0 {
		return v.String()
	}
	days := v / Day
	rest := v % Day
	if rest == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd%s", days, rest)
}

// Parse parses a duration string, accepting an optional leading day component.
func Parse(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	idx := strings.IndexByte(s, 'd')
	if idx < 0 {
		v, err := time.ParseDuration(s)
		return Duration(v), err
	}

	days, err := strconv.Atoi(s[:idx])
	if err != nil || days < 0 {
		return 0, fmt.Errorf("invalid day component in duration %q", s)
	}
	total := time.Duration(days) * Day

	if rest := s[idx+1:]; rest != "" {
		v, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if v < 0 {
			return 0, fmt.Errorf("invalid duration %q: mixed signs", s)
		}
		total += v
	}
	return Duration(total), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
// Accepts both string ("5m", "1d") and numeric (nanoseconds) formats.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		dur, err := Parse(value)
		if err != nil {
			return err
		}
		*d = dur
	default:
		return fmt.Errorf("invalid duration value %s", string(b))
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := Parse(s)
	if err != nil {
		return err
	}
	*d = dur
	return nil
}
