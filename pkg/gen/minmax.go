package gen

import (
	"cmp"
	"slices"
)

// Return a sorted copy of the unique values in 'src'
func SortedUnique[T cmp.Ordered](src []T) []T {
	seen := make(map[T]bool, len(src))
	out := make([]T, 0, len(src))
	for _, v := range src {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}
