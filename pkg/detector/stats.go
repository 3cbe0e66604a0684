package detector

import (
	"math"
	"sort"
)

// meanStddev returns the mean and population standard deviation of the given
// values. An empty slice returns zeros.
func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var acc float64
	for _, v := range values {
		acc += v
	}
	mean := acc / float64(len(values))

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

// iqrBounds returns the lower and upper interquartile fences for the given
// values. Quartiles are computed at the 25th and 75th percentile by simple
// rank interpolation over the sorted values.
func iqrBounds(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1

	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

// percentile interpolates the value at the given fraction of the sorted
// slice's rank range.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	frac := pos - float64(lower)

	if lower+1 >= len(sorted) {
		return sorted[lower]
	}

	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}
