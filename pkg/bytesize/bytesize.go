// Package bytesize parses and formats byte sizes such as "200MB" or "1.5GiB".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches "100MB", "1.5 GB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string into bytes. Units are case-insensitive and
// binary: B, K/KB/KiB, M/MB/MiB, G/GB/GiB, T/TB/TiB. A bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}

	var multiplier int64
	switch strings.TrimSuffix(strings.ToUpper(m[2]), "IB") {
	case "", "B":
		multiplier = B
	case "K", "KB":
		multiplier = KB
	case "M", "MB":
		multiplier = MB
	case "G", "GB":
		multiplier = GB
	case "T", "TB":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format renders n bytes with two decimals in the largest fitting unit.
func Format(n int64) string {
	switch {
	case n >= TB:
		return fmt.Sprintf("%.2f TB", float64(n)/float64(TB))
	case n >= GB:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(KB))
	}
	return fmt.Sprintf("%d B", n)
}

// Size is a byte count that unmarshals from YAML as either an integer or a
// string with units.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar, got %v", node.Tag)
	}
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", node.Value, err)
		}
		*s = Size(n)
		return nil
	}
	n, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", node.Value, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return strings.ReplaceAll(s.String(), " ", ""), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }
