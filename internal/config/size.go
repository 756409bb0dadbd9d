package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// parseByteSize reads a size setting such as reconcile.large_file_size.
// "50MB" is decimal, "50MiB" binary and a bare number is bytes. Empty and
// "0" disable the threshold.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(n), nil
}

// formatByteSize renders n so parseByteSize reads it back unchanged for
// whole binary units.
func formatByteSize(n int64) string {
	if n <= 0 {
		return "0"
	}

	return humanize.IBytes(uint64(n))
}
