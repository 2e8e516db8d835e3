package align

import "fmt"

// SampleEvenly picks count points spread evenly through points, preserving
// their order. The stride is len(points)/count carried as a running fractional
// offset, so the first point is always taken and the result is deterministic
// for a given ordering.
//
// A count above len(points) is an error. A count below 1 yields an empty set.
func SampleEvenly(points PointSet, count int) (PointSet, error) {
	if count > len(points) {
		return nil, fmt.Errorf("sample count %d exceeds %d available points: %w", count, len(points), ErrInvalidInput)
	}
	if count < 1 {
		return PointSet{}, nil
	}

	step := float64(len(points)) / float64(count)
	sample := make(PointSet, 0, count)
	next := 0.0
	for i, p := range points {
		if float64(i) >= next {
			next += step
			sample = append(sample, p)
		}
	}
	return sample, nil
}
