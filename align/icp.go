package align

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ICPConfig holds configuration for the ICP refinement.
// Distance thresholds are in the units of the point clouds.
type ICPConfig struct {
	MaxIterations     int     // Maximum number of iterations
	ConvergenceThresh float64 // Stop when the RMS error improves by less than this
	MaxCorrespondDist float64 // Maximum distance for point correspondence; 0 disables the cut
	SamplePoints      int     // Candidate points used per iteration
	OutlierPercentile float64 // Keep correspondences up to this distance quantile (0-1); 0 or 1 keeps all
	Workers           int     // Parallel nearest-neighbour workers for the error evaluation
}

// DefaultICPConfig returns sensible defaults for ICP
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:     30,
		ConvergenceThresh: 1e-9,
		SamplePoints:      DefaultSampleCount,
		OutlierPercentile: 0.9, // Keep 90% closest correspondences
		Workers:           1,
	}
}

// ICPConfig combines the refine and scoring settings into an ICPConfig
func (c *Config) ICPConfig() ICPConfig {
	config := DefaultICPConfig()
	if c.Refine.MaxIterations > 0 {
		config.MaxIterations = c.Refine.MaxIterations
	}
	if c.Refine.OutlierPercentile > 0 {
		config.OutlierPercentile = c.Refine.OutlierPercentile
	}
	config.MaxCorrespondDist = c.Refine.MaxCorrespondDist
	if c.Scoring.SampleCount > 0 {
		config.SamplePoints = c.Scoring.SampleCount
	}
	if c.Scoring.Workers > 0 {
		config.Workers = c.Scoring.Workers
	}
	return config
}

// ICPResult contains the result of ICP refinement
type ICPResult struct {
	Transform    Transform // Refined candidate transform
	InitialError float64   // RMS nearest-neighbour distance before refinement
	Error        float64   // RMS nearest-neighbour distance after refinement
	Iterations   int       // Number of iterations performed
	Converged    bool      // Whether the error settled below ConvergenceThresh
}

// Refine runs point-to-point ICP, moving the candidate transform so the
// sampled candidate points settle onto the reference cloud. Only Position and
// Rotation change; Scale and Offset are kept. A step that increases the RMS
// error is rejected and ends the refinement.
func Refine(ctx context.Context, candidate PointSet, candidateTf Transform, reference PointSet, referenceTf Transform, config ICPConfig) (*ICPResult, error) {
	if len(candidate) == 0 {
		return nil, fmt.Errorf("refine: candidate cloud is empty: %w", ErrInvalidInput)
	}
	if len(reference) == 0 {
		return nil, fmt.Errorf("refine: reference cloud is empty: %w", ErrInvalidInput)
	}
	defaults := DefaultICPConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.SamplePoints <= 0 {
		config.SamplePoints = defaults.SamplePoints
	}

	placed := TransformPoints(reference, referenceTf)
	tree, err := BuildTree(placed)
	if err != nil {
		return nil, fmt.Errorf("refine: indexing reference cloud: %w", err)
	}
	sample, err := SampleEvenly(candidate, min(config.SamplePoints, len(candidate)))
	if err != nil {
		return nil, err
	}

	current := candidateTf
	prevError, err := rmsError(ctx, tree, TransformPoints(sample, current), config.Workers)
	if err != nil {
		return nil, err
	}
	result := &ICPResult{
		Transform:    current,
		InitialError: prevError,
		Error:        prevError,
	}

	for iter := 0; iter < config.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prevError <= config.ConvergenceThresh {
			result.Converged = true
			break
		}
		result.Iterations = iter + 1

		transformed := TransformPoints(sample, current)
		srcCorr, tgtCorr, distances := findCorrespondences(tree, placed, transformed, config.MaxCorrespondDist)
		srcCorr, tgtCorr = rejectOutliers(srcCorr, tgtCorr, distances, config.OutlierPercentile)
		if len(srcCorr) < 3 {
			break
		}

		rot, trans, ok := rigidTransform(srcCorr, tgtCorr)
		if !ok {
			break
		}
		next := composeRigid(rot, trans, current)

		newError, err := rmsError(ctx, tree, TransformPoints(sample, next), config.Workers)
		if err != nil {
			return nil, err
		}
		if newError > prevError {
			break
		}

		improvement := prevError - newError
		current = next
		prevError = newError
		result.Transform = current
		result.Error = newError

		if improvement < config.ConvergenceThresh {
			result.Converged = true
			break
		}
	}

	return result, nil
}

func rmsError(ctx context.Context, tree *Tree, points PointSet, workers int) (float64, error) {
	distances, err := nearestDistances(ctx, tree, points, workers)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(floats.Dot(distances, distances) / float64(len(distances))), nil
}

// findCorrespondences pairs each source point with its nearest reference
// point, dropping pairs farther apart than maxDist when maxDist > 0
func findCorrespondences(tree *Tree, reference, source PointSet, maxDist float64) (srcCorr, tgtCorr PointSet, distances []float64) {
	for _, sp := range source {
		idx, d, err := tree.Nearest(sp)
		if err != nil {
			continue
		}
		if maxDist > 0 && d > maxDist {
			continue
		}
		srcCorr = append(srcCorr, sp)
		tgtCorr = append(tgtCorr, reference[idx])
		distances = append(distances, d)
	}
	return
}

// rejectOutliers removes correspondences with distances above the given percentile
func rejectOutliers(srcCorr, tgtCorr PointSet, distances []float64, percentile float64) (PointSet, PointSet) {
	if len(distances) == 0 || percentile <= 0 || percentile >= 1 {
		return srcCorr, tgtCorr
	}

	sorted := make([]float64, len(distances))
	copy(sorted, distances)
	sort.Float64s(sorted)
	threshold := stat.Quantile(percentile, stat.Empirical, sorted, nil)

	var filteredSrc, filteredTgt PointSet
	for i, d := range distances {
		if d <= threshold {
			filteredSrc = append(filteredSrc, srcCorr[i])
			filteredTgt = append(filteredTgt, tgtCorr[i])
		}
	}
	return filteredSrc, filteredTgt
}

// rigidTransform returns the least-squares rotation and translation taking
// src onto tgt (Kabsch). ok is false when the SVD fails.
func rigidTransform(src, tgt PointSet) (rot mgl64.Quat, trans mgl64.Vec3, ok bool) {
	cs, ct := centroid(src), centroid(tgt)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := vec3(src[i]).Sub(cs)
		b := vec3(tgt[i]).Sub(ct)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+a[r]*b[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return mgl64.Quat{}, mgl64.Vec3{}, false
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: flip the axis of the smallest singular value
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var m mgl64.Mat3
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Set(row, col, r.At(row, col))
		}
	}
	rot = mgl64.Mat4ToQuat(m.Mat4()).Normalize()
	trans = ct.Sub(rot.Rotate(cs))
	return rot, trans, true
}

// composeRigid applies rot and trans after tf. Offset is kept, so the new
// translation Position - Offset is rot*(old translation) + trans.
func composeRigid(rot mgl64.Quat, trans mgl64.Vec3, tf Transform) Transform {
	offset := vec3(tf.Offset)
	pos := rot.Rotate(vec3(tf.Position).Sub(offset)).Add(trans).Add(offset)
	tf.Position = Point{X: pos[0], Y: pos[1], Z: pos[2]}
	tf.Rotation = rot.Mul(tf.Rotation.Normalize()).Normalize()
	return tf
}

func centroid(points PointSet) mgl64.Vec3 {
	var sum mgl64.Vec3
	for _, p := range points {
		sum = sum.Add(vec3(p))
	}
	return sum.Mul(1 / float64(len(points)))
}
