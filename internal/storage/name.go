package storage

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxNameLength is the longest accepted file name in bytes, after
// normalization.
const MaxNameLength = 255

// Suffixes used for in-flight uploads. Names ending in them are reserved.
const (
	partialSuffix     = ".partial"
	partialInfoSuffix = ".partial.json"
)

// ValidateName checks a client-supplied file name and returns its NFC form.
// Only bare names are accepted: no directories, no traversal and no control
// characters.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	if containsDangerousChars(name) {
		return "", fmt.Errorf("%w: contains control characters", ErrInvalidName)
	}

	// Normalize before any structural checks so decomposed forms can't
	// slip past them.
	normalized := norm.NFC.String(name)

	if strings.ContainsAny(normalized, `/\`) {
		return "", fmt.Errorf("%w: path separators not allowed", ErrInvalidName)
	}
	if normalized == "." || normalized == ".." || strings.Contains(normalized, "..") {
		return "", fmt.Errorf("%w: directory traversal not allowed", ErrInvalidName)
	}
	if strings.TrimSpace(normalized) != normalized {
		return "", fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidName)
	}
	if len(normalized) > MaxNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	}
	if strings.HasPrefix(normalized, ".") {
		return "", fmt.Errorf("%w: hidden files not allowed", ErrInvalidName)
	}
	if strings.HasSuffix(normalized, partialSuffix) || strings.HasSuffix(normalized, partialInfoSuffix) {
		return "", fmt.Errorf("%w: reserved suffix", ErrInvalidName)
	}
	return normalized, nil
}

// containsDangerousChars reports null bytes and other control characters.
func containsDangerousChars(s string) bool {
	for _, r := range s {
		if r == 0 || unicode.IsControl(r) {
			return true
		}
		// Bidi overrides make a name display differently than it sorts.
		if r >= '\u202a' && r <= '\u202e' || r >= '\u2066' && r <= '\u2069' {
			return true
		}
	}
	return false
}
