package align

import (
	"context"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRigidTransform_RecoversKnownMotion(t *testing.T) {
	src := PointSet{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 2, Z: 0},
		{X: 0, Y: 0, Z: 3},
		{X: 1, Y: 1, Z: 1},
	}
	want := TransformConfig{
		Position: [3]float64{5, -2, 1},
		Rotation: [3]float64{10, -20, 30},
	}.ToTransform()
	tgt := TransformPoints(src, want)

	rot, trans, ok := rigidTransform(src, tgt)
	require.True(t, ok)

	assert.Less(t, QuatAngleDeg(want.Rotation, rot), 1e-4)
	assert.InDelta(t, 5.0, trans[0], 1e-9)
	assert.InDelta(t, -2.0, trans[1], 1e-9)
	assert.InDelta(t, 1.0, trans[2], 1e-9)
}

func TestRigidTransform_NeverReflects(t *testing.T) {
	// A mirrored target has no proper rotation that fits exactly; the result
	// must still be a rotation, not a reflection.
	src := PointSet{{X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 1}}
	tgt := make(PointSet, len(src))
	for i, p := range src {
		tgt[i] = Point{X: -p.X, Y: p.Y, Z: p.Z}
	}

	rot, _, ok := rigidTransform(src, tgt)
	require.True(t, ok)
	m := rot.Mat4().Mat3()
	assert.InDelta(t, 1.0, m.Det(), 1e-9)
}

func TestComposeRigid_KeepsScaleAndOffset(t *testing.T) {
	tf := TransformConfig{
		Position: [3]float64{1, 2, 3},
		Scale:    [3]float64{2, 2, 2},
	}.ToTransform()
	tf.Offset = Point{X: 4, Y: 5, Z: 6}

	rot := mgl64.QuatRotate(mgl64.DegToRad(90), mgl64.Vec3{0, 0, 1})
	trans := mgl64.Vec3{10, 0, 0}
	got := composeRigid(rot, trans, tf)

	assert.Equal(t, tf.Scale, got.Scale)
	assert.Equal(t, tf.Offset, got.Offset)

	// Composing must equal applying tf and then the rigid motion
	p := Point{X: 7, Y: -1, Z: 0.5}
	world := vec3(tf.Apply(p))
	expected := rot.Rotate(world).Add(trans)
	assertPointNear(t, Point{X: expected[0], Y: expected[1], Z: expected[2]}, got.Apply(p))
}

func TestRejectOutliers(t *testing.T) {
	src := PointSet{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 4}}
	tgt := src.Clone()
	distances := []float64{0.1, 5, 0.2, 0.3, 9}

	gotSrc, gotTgt := rejectOutliers(src, tgt, distances, 0.6)
	assert.Equal(t, PointSet{{X: 0}, {X: 2}, {X: 3}}, gotSrc)
	assert.Equal(t, gotSrc, gotTgt)

	allSrc, _ := rejectOutliers(src, tgt, distances, 1)
	assert.Len(t, allSrc, 5)
	allSrc, _ = rejectOutliers(src, tgt, distances, 0)
	assert.Len(t, allSrc, 5)
}

func TestRefine_RecoversSmallMisalignment(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	reference := createRandomPoints(300, 10, rng)
	candidate := reference.Clone()
	misplaced := TransformConfig{
		Position: [3]float64{0.1, -0.05, 0.05},
		Rotation: [3]float64{0, 0, 2},
	}.ToTransform()

	config := DefaultICPConfig()
	config.SamplePoints = len(candidate)
	config.OutlierPercentile = 1
	config.MaxIterations = 100

	result, err := Refine(context.Background(), candidate, misplaced, reference, IdentityTransform(), config)
	require.NoError(t, err)

	assert.Greater(t, result.InitialError, 0.01)
	assert.Less(t, result.Error, 1e-6)
	assert.True(t, result.Converged)
	assert.Less(t, QuatAngleDeg(mgl64.QuatIdent(), result.Transform.Rotation), 1e-4)
	assert.InDelta(t, 0.0, result.Transform.Position.X, 1e-6)
	assert.InDelta(t, 0.0, result.Transform.Position.Y, 1e-6)
	assert.InDelta(t, 0.0, result.Transform.Position.Z, 1e-6)

	// The refined pose also scores well on the residual
	residual, err := Residual(candidate, result.Transform, reference, IdentityTransform(), 50)
	require.NoError(t, err)
	assert.Less(t, residual, 1e-6)
}

func TestRefine_AlreadyAligned(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reference := createRandomPoints(100, 10, rng)
	tf := translated(3, 4, 5)

	result, err := Refine(context.Background(), reference, tf, reference, tf, DefaultICPConfig())
	require.NoError(t, err)

	assert.True(t, result.Converged)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, 0.0, result.Error)
	assertPointNear(t, tf.Position, result.Transform.Position)
}

func TestRefine_NoCorrespondencesKeepsTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reference := createRandomPoints(100, 10, rng)
	far := translated(100, 0, 0)

	config := DefaultICPConfig()
	config.MaxCorrespondDist = 1

	result, err := Refine(context.Background(), reference, far, reference, IdentityTransform(), config)
	require.NoError(t, err)

	assert.False(t, result.Converged)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, far, result.Transform)
	assert.Equal(t, result.InitialError, result.Error)
}

func TestRefine_InvalidInput(t *testing.T) {
	cloud := PointSet{{X: 1}, {Y: 1}, {Z: 1}}
	ctx := context.Background()

	_, err := Refine(ctx, nil, IdentityTransform(), cloud, IdentityTransform(), DefaultICPConfig())
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Refine(ctx, cloud, IdentityTransform(), nil, IdentityTransform(), DefaultICPConfig())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRefine_CanceledContext(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reference := createRandomPoints(50, 10, rng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Refine(ctx, reference, translated(0.5, 0, 0), reference, IdentityTransform(), DefaultICPConfig())
	assert.ErrorIs(t, err, context.Canceled)
}
