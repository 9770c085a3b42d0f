// Package util provides small string helpers shared by config and the
// detection log parser.
package util

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TrimQuotes removes leading and trailing double quotes from a string.
func TrimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// ParseIDList parses a marker id list such as "1, 5,7" or "[1,5,7]".
// Duplicates are removed and the result is sorted.
func ParseIDList(s string) ([]int, error) {
	s = strings.TrimSpace(TrimQuotes(strings.TrimSpace(s)))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid marker id %q: %w", part, err)
		}
		if id < 0 {
			return nil, fmt.Errorf("invalid marker id %d: must not be negative", id)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// FormatIDList is the inverse of ParseIDList.
func FormatIDList(ids []int) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String()
}
