// Package util provides common utility functions used across the bridge.
package util

import "strings"

// NormalizeName lower-cases and trims a nickname or player name so that
// lookups keyed by it are case-insensitive.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EqualNames compares two names case-insensitively, ignoring surrounding
// whitespace.
func EqualNames(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
