package align

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metric selects how per-sample nearest-neighbour distances are reduced to
// a single residual
type Metric string

const (
	// MetricRMS is sqrt(mean(d²)), a root-mean-square distance in world units
	MetricRMS Metric = "rms"

	// MetricLegacy is sqrt(sum(d))/n, kept for comparing against scores
	// recorded by older tooling. It does not scale like a distance.
	MetricLegacy Metric = "legacy"
)

// DefaultSampleCount is the number of candidate points scored when no count is configured
const DefaultSampleCount = 100

// ParseMetric returns the Metric named by s. An empty name selects MetricRMS.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricRMS:
		return MetricRMS, nil
	case MetricLegacy:
		return MetricLegacy, nil
	}
	return "", fmt.Errorf("unknown metric %q (want %q or %q): %w", s, MetricRMS, MetricLegacy, ErrInvalidInput)
}

// ResidualOptions tunes ComputeResidual
type ResidualOptions struct {
	Metric  Metric // Defaults to MetricRMS
	Workers int    // Goroutines issuing nearest queries; <= 1 runs inline
}

// ResidualReport is the residual plus the distribution it was reduced from
type ResidualReport struct {
	Residual    float64
	Metric      Metric
	SampleCount int
	Distances   []float64 // Nearest-neighbour distance per sampled candidate point, in sample order
	Mean        float64
	StdDev      float64 // Population standard deviation
	Max         float64
}

// Residual scores how far the transformed candidate cloud lies from the
// transformed reference cloud using the default RMS metric. Lower is better;
// zero means every sampled candidate point coincides with a reference point.
func Residual(candidate PointSet, candidateTf Transform, reference PointSet, referenceTf Transform, sampleCount int) (float64, error) {
	report, err := ComputeResidual(context.Background(), candidate, candidateTf, reference, referenceTf, sampleCount, ResidualOptions{})
	if err != nil {
		return 0, err
	}
	return report.Residual, nil
}

// ComputeResidual transforms both clouds, indexes the reference, samples
// sampleCount candidate points evenly and reduces their nearest-neighbour
// distances with the chosen metric. The index is rebuilt on every call, so
// callers may change either cloud between calls freely.
func ComputeResidual(ctx context.Context, candidate PointSet, candidateTf Transform, reference PointSet, referenceTf Transform, sampleCount int, opts ResidualOptions) (*ResidualReport, error) {
	metric, err := ParseMetric(string(opts.Metric))
	if err != nil {
		return nil, err
	}
	if sampleCount < 1 {
		return nil, fmt.Errorf("sample count %d must be at least 1: %w", sampleCount, ErrInvalidInput)
	}
	if sampleCount > len(candidate) {
		return nil, fmt.Errorf("sample count %d exceeds %d candidate points: %w", sampleCount, len(candidate), ErrInvalidInput)
	}
	if len(reference) == 0 {
		return nil, fmt.Errorf("reference cloud is empty: %w", ErrInvalidInput)
	}

	tree, err := BuildTree(TransformPoints(reference, referenceTf))
	if err != nil {
		return nil, fmt.Errorf("indexing reference cloud: %w", err)
	}

	// Sampling is positional, so it commutes with the transform.
	sample, err := SampleEvenly(candidate, sampleCount)
	if err != nil {
		return nil, err
	}
	sample = TransformPoints(sample, candidateTf)

	distances, err := nearestDistances(ctx, tree, sample, opts.Workers)
	if err != nil {
		return nil, err
	}

	report := &ResidualReport{
		Metric:      metric,
		SampleCount: len(sample),
		Distances:   distances,
		Max:         floats.Max(distances),
	}
	var variance float64
	report.Mean, variance = stat.PopMeanVariance(distances, nil)
	report.StdDev = math.Sqrt(variance)

	n := float64(len(distances))
	switch metric {
	case MetricLegacy:
		report.Residual = math.Sqrt(floats.Sum(distances)) / n
	default:
		report.Residual = math.Sqrt(floats.Dot(distances, distances) / n)
	}
	return report, nil
}

// nearestDistances queries the tree for every point, splitting the work into
// contiguous chunks across workers. The tree is read-only, so the workers
// share it without locking; each writes only its own slice range.
func nearestDistances(ctx context.Context, tree *Tree, points PointSet, workers int) ([]float64, error) {
	distances := make([]float64, len(points))
	if workers <= 1 {
		for i, p := range points {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("nearest-neighbour queries: %w", err)
			}
			_, d, err := tree.Nearest(p)
			if err != nil {
				return nil, err
			}
			distances[i] = d
		}
		return distances, nil
	}

	if workers > len(points) {
		workers = len(points)
	}
	chunk := (len(points) + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(points); start += chunk {
		end := min(start+chunk, len(points))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				_, d, err := tree.Nearest(points[i])
				if err != nil {
					return err
				}
				distances[i] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("nearest-neighbour queries: %w", err)
	}
	return distances, nil
}
