// Package slug maps audited URLs to storage-safe identifiers and back.
package slug

import (
	"errors"
	"fmt"
	"strings"
)

const (
	pathSeparator = "/"
	// Sentinel replaces every path separator in an encoded identifier.
	Sentinel = "__"
)

// MaxIDLength bounds an encoded identifier; url_id columns are sized to it.
const MaxIDLength = 700

var (
	// ErrInvalidURL indicates that a URL is empty or exceeds storage bounds.
	ErrInvalidURL = errors.New("slug: invalid url")
)

// Encode replaces every "/" in rawURL with the sentinel.
func Encode(rawURL string) string {
	return strings.ReplaceAll(rawURL, pathSeparator, Sentinel)
}

// Decode is the inverse of Encode. URLs that contained the sentinel before
// encoding do not round-trip.
func Decode(id string) string {
	return strings.ReplaceAll(id, Sentinel, pathSeparator)
}

// Normalize trims the input and validates that its encoded identifier fits
// in storage.
func Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if encoded := len(Encode(trimmed)); encoded > MaxIDLength {
		return "", fmt.Errorf("%w: identifier is %d characters, limit %d", ErrInvalidURL, encoded, MaxIDLength)
	}
	return trimmed, nil
}

// RoundTrips reports whether Decode(Encode(rawURL)) yields rawURL.
func RoundTrips(rawURL string) bool {
	return !strings.Contains(rawURL, Sentinel)
}
