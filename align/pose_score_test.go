package align

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoseScore(t *testing.T) {
	ident := mgl64.QuatIdent()
	rotZ90 := mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 0, 1})

	tests := []struct {
		name      string
		reference Pose
		candidate Pose
		want      float64
	}{
		{
			name:      "identical poses",
			reference: Pose{Rotation: ident},
			candidate: Pose{Rotation: ident},
			want:      0,
		},
		{
			name:      "position only",
			reference: Pose{Position: Point{X: 3, Y: 4}, Rotation: ident},
			candidate: Pose{Rotation: ident},
			want:      5,
		},
		{
			name:      "rotation scaled by position error",
			reference: Pose{Position: Point{X: 1}, Rotation: ident},
			candidate: Pose{Rotation: rotZ90},
			want:      1 + 90,
		},
		{
			name:      "rotation alone scores zero",
			reference: Pose{Rotation: ident},
			candidate: Pose{Rotation: rotZ90},
			want:      0,
		},
		{
			name:      "offsets cancel position difference",
			reference: Pose{Rotation: ident, Offset: Point{X: 1}},
			candidate: Pose{Position: Point{X: 1}, Rotation: ident, Offset: Point{X: 2}},
			want:      0,
		},
		{
			name:      "zero quaternions read as identity",
			reference: Pose{Position: Point{Z: 2}},
			candidate: Pose{},
			want:      2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PoseScore(tt.reference, tt.candidate), 1e-4)
		})
	}
}

func TestDisplayScore(t *testing.T) {
	assert.Equal(t, 100.0, DisplayScore(0))
	assert.Equal(t, 50.0, DisplayScore(1))
	assert.InDelta(t, 1.0, DisplayScore(99), 1e-12)
	assert.Less(t, DisplayScore(10), DisplayScore(5))
}

func TestTransform_Pose(t *testing.T) {
	tf := TransformConfig{Position: [3]float64{1, 2, 3}}.ToTransform()
	tf.Offset = Point{X: 4}

	pose := tf.Pose()
	assert.Equal(t, tf.Position, pose.Position)
	assert.Equal(t, tf.Offset, pose.Offset)
	assert.Equal(t, tf.Rotation, pose.Rotation)
}

func TestPoseScore_AgreesWithResidualUnderOffsetAndRotation(t *testing.T) {
	// 5x5x5 lattice; the candidate is its x <= 2 slab, so the two clouds have
	// different bounds centers
	var reference, candidate PointSet
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 5; z++ {
				p := Point{X: float64(x), Y: float64(y), Z: float64(z)}
				reference = append(reference, p)
				if x <= 2 {
					candidate = append(candidate, p)
				}
			}
		}
	}

	referenceTf := TransformConfig{
		Position: [3]float64{1, 2, 3},
		Rotation: [3]float64{0, 0, 90},
	}.ToTransform()
	referenceTf.Offset = BoundsCenter(reference)

	candidateTf := TransformConfig{
		Position: [3]float64{0, 2, 3},
		Rotation: [3]float64{0, 0, 90},
	}.ToTransform()
	candidateTf.Offset = BoundsCenter(candidate)
	require.NotEqual(t, referenceTf.Offset, candidateTf.Offset)

	score := PoseScore(referenceTf.Pose(), candidateTf.Pose())
	residual, err := Residual(candidate, candidateTf, reference, referenceTf, len(candidate))
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.InDelta(t, 0.0, residual, 1e-12)

	// Moving the candidate half a cell shows up in both
	candidateTf.Position.X += 0.5
	score = PoseScore(referenceTf.Pose(), candidateTf.Pose())
	residual, err = Residual(candidate, candidateTf, reference, referenceTf, len(candidate))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-4)
	assert.InDelta(t, 0.5, residual, 1e-9)
}
