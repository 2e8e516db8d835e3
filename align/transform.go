package align

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Transform is a rigid-plus-scale placement of a point cloud.
// A point p maps to (Position - Offset) + R*S*p. Offset is subtracted from the
// translation only, so two placements land a cloud in the same spot exactly
// when their rotations, scales and Position - Offset agree.
type Transform struct {
	Position Point
	Rotation mgl64.Quat
	Scale    Point
	Offset   Point
}

// IdentityTransform returns a transform that leaves points unchanged
func IdentityTransform() Transform {
	return Transform{
		Rotation: mgl64.QuatIdent(),
		Scale:    Point{X: 1, Y: 1, Z: 1},
	}
}

// Matrix returns the 4x4 homogeneous TRS matrix for the transform
func (t Transform) Matrix() mgl64.Mat4 {
	tr := mgl64.Translate3D(t.Position.X-t.Offset.X, t.Position.Y-t.Offset.Y, t.Position.Z-t.Offset.Z)
	rot := t.Rotation.Normalize().Mat4()
	scale := mgl64.Scale3D(t.Scale.X, t.Scale.Y, t.Scale.Z)
	return tr.Mul4(rot).Mul4(scale)
}

// Apply transforms a single point
func (t Transform) Apply(p Point) Point {
	return applyMatrix(t.Matrix(), p)
}

// Pose returns the placement part of the transform used by PoseScore
func (t Transform) Pose() Pose {
	return Pose{Position: t.Position, Rotation: t.Rotation, Offset: t.Offset}
}

// TransformPoints applies a transform to every point and returns a new set.
// The input is not modified.
func TransformPoints(points PointSet, t Transform) PointSet {
	m := t.Matrix()
	result := make(PointSet, len(points))
	for i, p := range points {
		result[i] = applyMatrix(m, p)
	}
	return result
}

// applyMatrix treats p as a position (w=1) and drops the projective row
func applyMatrix(m mgl64.Mat4, p Point) Point {
	v := m.Mul4x1(mgl64.Vec4{p.X, p.Y, p.Z, 1})
	return Point{X: v[0], Y: v[1], Z: v[2]}
}

// ToTransform converts the YAML form into a Transform.
// Zero scale components are treated as 1 so an omitted scale is identity.
func (tc TransformConfig) ToTransform() Transform {
	tf := IdentityTransform()
	tf.Position = Point{X: tc.Position[0], Y: tc.Position[1], Z: tc.Position[2]}
	tf.Rotation = mgl64.AnglesToQuat(
		mgl64.DegToRad(tc.Rotation[0]),
		mgl64.DegToRad(tc.Rotation[1]),
		mgl64.DegToRad(tc.Rotation[2]),
		mgl64.XYZ,
	)
	scale := [3]float64{1, 1, 1}
	for i, s := range tc.Scale {
		if s != 0 {
			scale[i] = s
		}
	}
	tf.Scale = Point{X: scale[0], Y: scale[1], Z: scale[2]}
	return tf
}

// quatFromWXYZ builds a unit quaternion from its components.
// A zero quaternion normalizes to identity.
func quatFromWXYZ(w, x, y, z float64) mgl64.Quat {
	return mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}.Normalize()
}

// QuatAngleDeg returns the angle in degrees of the rotation taking a to b,
// in [0, 180]. q and -q describe the same rotation and give 0.
func QuatAngleDeg(a, b mgl64.Quat) float64 {
	dot := math.Abs(a.Normalize().Dot(b.Normalize()))
	if dot > 1 {
		dot = 1
	}
	return mgl64.RadToDeg(2 * math.Acos(dot))
}

// BoundsCenter returns the center of the axis-aligned bounding box of points.
// An empty set has its center at the origin.
func BoundsCenter(points PointSet) Point {
	if len(points) == 0 {
		return Point{}
	}
	return midpoint(bounds(points))
}

// bounds returns the per-axis minimum and maximum of a non-empty set
func bounds(points PointSet) (lo, hi Point) {
	lo, hi = points[0], points[0]
	for _, p := range points[1:] {
		lo.X = min(lo.X, p.X)
		lo.Y = min(lo.Y, p.Y)
		lo.Z = min(lo.Z, p.Z)
		hi.X = max(hi.X, p.X)
		hi.Y = max(hi.Y, p.Y)
		hi.Z = max(hi.Z, p.Z)
	}
	return lo, hi
}

func midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2, Z: (a.Z + b.Z) / 2}
}
