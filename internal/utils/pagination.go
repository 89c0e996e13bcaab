// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int, returning def when the string is
// empty or not a valid integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage normalizes 1-based page/perPage query values: page floors at 1,
// perPage is clamped to [1, max].
func ClampPage(page, perPage, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	if max > 0 && perPage > max {
		perPage = max
	}
	return page, perPage
}

// PageSlice returns the half-open [lo, hi) bounds of one page over a list of
// n items. An out-of-range page yields an empty slice (lo == hi == n).
func PageSlice(n, page, perPage int) (int, int) {
	lo := (page - 1) * perPage
	if lo > n {
		return n, n
	}
	hi := lo + perPage
	if hi > n {
		hi = n
	}
	return lo, hi
}
