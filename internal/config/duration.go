package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Every timeout in the file (dispatch.process_time, telegram.poll_timeout,
// http.*_timeout, storage.busy_timeout) is a Go duration string. The
// validator and the app mappers share parseDuration so a value accepted at
// load time never fails when the component config is built.

var errNegativeDuration = errors.New("duration must be >= 0")

// parseDuration trims raw and rejects negatives. Blank input is zero.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errNegativeDuration
	}
	return d, nil
}

// ParseDurationField parses the value at path (e.g. "http.read_timeout").
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := parseDuration(raw)
	switch {
	case errors.Is(err, errNegativeDuration):
		return 0, fmt.Errorf("%s: %w", path, err)
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when the field is blank or "0s".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
