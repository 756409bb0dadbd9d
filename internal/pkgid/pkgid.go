// Package pkgid parses data package ID selectors given on the command line
// or in scheduled job configuration. A selector is a comma-separated list of
// single IDs and inclusive ranges, e.g. "1-5, 9, 12-14".
//
// This is a leaf package with dependencies limited to stdlib and samber/lo.
package pkgid

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ErrInvalidRange is returned for selectors that cannot be parsed. Callers
// treat it as a configuration error and abort before any work starts.
var ErrInvalidRange = errors.New("pkgid: invalid package ID range")

// maxRangeSpan caps a single "lo-hi" range so a typo like "1-1000000000"
// cannot allocate a billion IDs.
const maxRangeSpan = 100_000

// Range is an inclusive span of package IDs.
type Range struct {
	Lo int
	Hi int
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int) bool {
	return id >= r.Lo && id <= r.Hi
}

// ParseRanges parses a selector into its ranges without expanding them.
// Single IDs become one-element ranges.
func ParseRanges(selector string) ([]Range, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("%w: empty selector", ErrInvalidRange)
	}

	var ranges []Range

	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty element in %q", ErrInvalidRange, selector)
		}

		r, err := parsePart(part)
		if err != nil {
			return nil, err
		}

		ranges = append(ranges, r)
	}

	return ranges, nil
}

// Parse expands a selector into a sorted, de-duplicated ID list.
func Parse(selector string) ([]int, error) {
	ranges, err := ParseRanges(selector)
	if err != nil {
		return nil, err
	}

	var ids []int
	for _, r := range ranges {
		for id := r.Lo; id <= r.Hi; id++ {
			ids = append(ids, id)
		}
	}

	ids = lo.Uniq(ids)
	slices.Sort(ids)

	return ids, nil
}

// ParseAll parses several selectors (one per CLI argument) and merges them.
func ParseAll(selectors []string) ([]int, error) {
	var all []int

	for _, s := range selectors {
		ids, err := Parse(s)
		if err != nil {
			return nil, err
		}

		all = append(all, ids...)
	}

	all = lo.Uniq(all)
	slices.Sort(all)

	return all, nil
}

func parsePart(part string) (Range, error) {
	// A leading '-' would be a negative number, never a range separator.
	sep := strings.Index(part[1:], "-")
	if sep < 0 {
		id, err := parseID(part)
		if err != nil {
			return Range{}, err
		}

		return Range{Lo: id, Hi: id}, nil
	}

	sep++

	first, err := parseID(strings.TrimSpace(part[:sep]))
	if err != nil {
		return Range{}, err
	}

	last, err := parseID(strings.TrimSpace(part[sep+1:]))
	if err != nil {
		return Range{}, err
	}

	if last < first {
		return Range{}, fmt.Errorf("%w: %q ends before it starts", ErrInvalidRange, part)
	}

	if last-first >= maxRangeSpan {
		return Range{}, fmt.Errorf("%w: %q spans more than %d IDs", ErrInvalidRange, part, maxRangeSpan)
	}

	return Range{Lo: first, Hi: last}, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidRange, s)
	}

	if id <= 0 {
		return 0, fmt.Errorf("%w: %d must be positive", ErrInvalidRange, id)
	}

	return id, nil
}
