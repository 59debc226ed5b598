// Package stats provides the numeric summaries used for score trends.
package stats

import (
	"errors"
	"sort"
)

// ErrEmptyInput indicates that a summary was requested over zero values.
var ErrEmptyInput = errors.New("stats: empty input")

// Median returns the middle value of numbers. Even-length input yields the
// mean of the two middle values. The input slice is not modified.
func Median(numbers []float64) (float64, error) {
	if len(numbers) == 0 {
		return 0, ErrEmptyInput
	}
	sorted := append([]float64(nil), numbers...)
	sort.Float64s(sorted)

	middle := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[middle-1] + sorted[middle]) / 2, nil
	}
	return sorted[middle], nil
}

// Average returns the arithmetic mean of numbers.
func Average(numbers []float64) (float64, error) {
	if len(numbers) == 0 {
		return 0, ErrEmptyInput
	}
	var sum float64
	for _, value := range numbers {
		sum += value
	}
	return sum / float64(len(numbers)), nil
}
