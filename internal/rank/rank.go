// Package rank orders classifier scores.
package rank

import (
	"cmp"
	"fmt"
	"slices"
)

// TopK returns the indices of the k largest values in descending order.
// Equal values keep their original order, so the lower index wins a tie.
// NaN scores rank below every other value.
//
// k must be within [0, len(values)]; callers clamp before calling.
func TopK(values []float32, k int) []int {
	if k < 0 || k > len(values) {
		panic(fmt.Sprintf("rank: k %d out of range [0, %d]", k, len(values)))
	}

	indices := make([]int, len(values))
	for i := range indices {
		indices[i] = i
	}

	slices.SortStableFunc(indices, func(a, b int) int {
		return cmp.Compare(values[b], values[a])
	})

	return indices[:k:k]
}

// Scores picks the values at the given indices.
func Scores(values []float32, indices []int) []float32 {
	out := make([]float32, len(indices))
	for i, idx := range indices {
		out[i] = values[idx]
	}
	return out
}
