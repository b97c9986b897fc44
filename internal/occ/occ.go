// Package occ implements the version tokens used for optimistic concurrency
// control on todos. Tokens are stored as strings and compared exactly; only
// this package interprets them as integers.
package occ

import (
	"fmt"
	"strconv"
)

// Initial is the version assigned to newly created rows.
const Initial = "1"

// ErrInvalidVersion is returned for tokens that are not positive integers.
var ErrInvalidVersion = fmt.Errorf("invalid version token")

// Parse returns the integer value of a version token.
func Parse(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return n, nil
}

// Next returns the token that replaces v after a successful write.
func Next(v string) (string, error) {
	n, err := Parse(v)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n+1, 10), nil
}

// Matches reports whether a stored token equals the token a writer presented.
// Comparison is exact. Unparseable tokens never match.
func Matches(stored, expected string) bool {
	if _, err := Parse(stored); err != nil {
		return false
	}
	return stored == expected
}
