package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count written in configuration as a human-readable
// size such as "512MiB", "10MB" or a plain number of bytes.
type ByteSize int64

// ParseSize parses a human-readable size string to bytes.
// Supported formats:
//   - Decimal units: 100B, 10KB, 1MB, 1GB (1KB = 1000 bytes)
//   - Binary units: 10KiB, 1MiB, 1GiB (1KiB = 1024 bytes)
//   - Plain number: 1024 (interpreted as bytes)
func ParseSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size '%s' out of range", s)
	}
	return ByteSize(n), nil
}

// String formats the size with IEC binary units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// UnmarshalYAML accepts a size string or an integer.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := ParseSize(s)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// MarshalYAML writes the size in its human-readable form when that form
// parses back to the same value, otherwise as a plain byte count.
func (b ByteSize) MarshalYAML() (any, error) {
	if s := b.String(); b > 0 {
		if n, err := ParseSize(s); err == nil && n == b {
			return s, nil
		}
	}
	return strconv.FormatInt(int64(b), 10), nil
}
