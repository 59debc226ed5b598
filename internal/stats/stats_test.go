package stats

import (
	"errors"
	"testing"
)

func TestMedian(t *testing.T) {
	tests := []struct {
		name    string
		numbers []float64
		want    float64
	}{
		{name: "even-unsorted", numbers: []float64{3, 5, 4, 4, 1, 1, 2, 3}, want: 3},
		{name: "even-sorted", numbers: []float64{1, 2, 3, 4}, want: 2.5},
		{name: "odd", numbers: []float64{50, 90, 70}, want: 70},
		{name: "single", numbers: []float64{42}, want: 42},
		{name: "numeric-not-lexical", numbers: []float64{100, 9, 10}, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Median(tt.numbers)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("median mismatch: want %v got %v", tt.want, got)
			}
		})
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	numbers := []float64{3, 1, 2}
	if _, err := Median(numbers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if numbers[0] != 3 || numbers[1] != 1 || numbers[2] != 2 {
		t.Fatalf("input was reordered: %v", numbers)
	}
}

func TestEmptyInput(t *testing.T) {
	if _, err := Median(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error from median, got %v", err)
	}
	if _, err := Average([]float64{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error from average, got %v", err)
	}
}

func TestAverage(t *testing.T) {
	got, err := Average([]float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2.5 {
		t.Fatalf("unexpected average %v", got)
	}
}
