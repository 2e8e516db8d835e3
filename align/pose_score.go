package align

import "github.com/go-gl/mathgl/mgl64"

// Pose is the placement part of a Transform. The cloud's translation is
// Position - Offset.
type Pose struct {
	Position Point
	Rotation mgl64.Quat
	Offset   Point
}

// PoseScore is a cheap alignment proxy that compares placements directly
// instead of point clouds. It is zero when both placements translate their
// clouds identically, and the angular term is scaled by
// the positional error so rotation only matters once the clouds are apart.
//
//	posDiff   = |ref.Position - cand.Position + (cand.Offset - ref.Offset)|
//	angleDiff = angle between the rotations, in degrees
//	score     = posDiff + posDiff*angleDiff
func PoseScore(reference, candidate Pose) float64 {
	offsetDiff := vec3(candidate.Offset).Sub(vec3(reference.Offset))
	posDiff := vec3(reference.Position).Sub(vec3(candidate.Position)).Add(offsetDiff).Len()
	angleDiff := QuatAngleDeg(reference.Rotation, candidate.Rotation)
	return posDiff + posDiff*angleDiff
}

// DisplayScore maps a non-negative score onto (0, 100], 100 being a perfect fit
func DisplayScore(score float64) float64 {
	return 100 / (score + 1)
}

func vec3(p Point) mgl64.Vec3 {
	return mgl64.Vec3{p.X, p.Y, p.Z}
}
