package apiserver

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// validIDPattern matches safe resource identifiers: alphanumeric, dots,
// underscores, colons, at signs and hyphens, at most 253 characters.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:@-]{1,253}$`)

// ValidateID checks that a resource ID is safe to use as a path parameter or
// store key.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if !validIDPattern.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters (allowed: a-z A-Z 0-9 . _ : @ -)", id)
	}
	return nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// queryFloat parses an optional non-negative number query parameter.
func queryFloat(raw, name string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative number", name)
	}
	return v, nil
}

// querySince parses an optional RFC 3339 timestamp.
func querySince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be an RFC 3339 timestamp")
	}
	return t, nil
}
