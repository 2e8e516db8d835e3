package align

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScoreTracker(t *testing.T) {
	st := NewScoreTracker("s1", ScoringConfig{})
	assert.Equal(t, "s1", st.Session())
	assert.False(t, st.Ready())

	_, ok := st.Latest()
	assert.False(t, ok)
}

func TestScoreTracker_RescoreNeedsBothClouds(t *testing.T) {
	st := NewScoreTracker("s", ScoringConfig{})
	_, err := st.Rescore(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInput)

	st.SetReference(PointSet{{}}, IdentityTransform())
	_, err = st.Rescore(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestScoreTracker_Rescore(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	reference := createRandomPoints(300, 10, rng)
	candidate := everyNth(reference, 3)

	st := NewScoreTracker("bunny", ScoringConfig{SampleCount: 50, Workers: 2})
	st.SetReference(reference, IdentityTransform())
	st.SetCandidate(candidate, IdentityTransform())
	require.True(t, st.Ready())

	report, err := st.Rescore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bunny", report.Session)
	assert.Equal(t, "rms", report.Metric)
	assert.Equal(t, 50, report.SampleCount)
	assert.InDelta(t, 0, report.Residual, 1e-12)
	assert.InDelta(t, 0, report.PoseScore, 1e-9)
	assert.InDelta(t, 100, report.DisplayScore, 1e-6)
	assert.NotZero(t, report.Timestamp)

	st.UpdateCandidatePose(translated(50, 0, 0))
	moved, err := st.Rescore(context.Background())
	require.NoError(t, err)
	assert.Greater(t, moved.Residual, report.Residual)
	assert.InDelta(t, 50, moved.PoseScore, 1e-6)
	assert.Less(t, moved.DisplayScore, report.DisplayScore)

	latest, ok := st.Latest()
	require.True(t, ok)
	assert.Equal(t, moved.Residual, latest.Residual)
}

func TestScoreTracker_ClampsSampleCount(t *testing.T) {
	st := NewScoreTracker("s", ScoringConfig{SampleCount: 1000})
	st.SetReference(PointSet{{}, {X: 1}}, IdentityTransform())
	st.SetCandidate(PointSet{{}, {X: 1}, {X: 2}}, IdentityTransform())

	report, err := st.Rescore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.SampleCount)
}

func TestScoreTracker_DefaultSampleCount(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cloud := createRandomPoints(250, 5, rng)

	st := NewScoreTracker("s", ScoringConfig{})
	st.SetReference(cloud, IdentityTransform())
	st.SetCandidate(cloud, IdentityTransform())

	report, err := st.Rescore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleCount, report.SampleCount)
}

func TestScoreTracker_UpdateCandidatePoseKeepsOffset(t *testing.T) {
	st := NewScoreTracker("s", ScoringConfig{})
	tf := IdentityTransform()
	tf.Offset = Point{X: 5}
	st.SetCandidate(PointSet{{X: 5}}, tf)

	st.UpdateCandidatePose(translated(1, 2, 3))

	st.mu.RLock()
	defer st.mu.RUnlock()
	assert.Equal(t, Point{X: 5}, st.candidateTf.Offset)
	assert.Equal(t, Point{X: 1, Y: 2, Z: 3}, st.candidateTf.Position)
}

func TestScoreTracker_SetReferencePointsKeepsTransform(t *testing.T) {
	st := NewScoreTracker("s", ScoringConfig{})
	st.SetReference(PointSet{{}}, translated(1, 1, 1))
	st.SetReferencePoints(PointSet{{X: 2}, {X: 3}})

	st.mu.RLock()
	defer st.mu.RUnlock()
	assert.Len(t, st.reference, 2)
	assert.Equal(t, Point{X: 1, Y: 1, Z: 1}, st.referenceTf.Position)
}

func TestScoreTracker_ConcurrentUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cloud := createRandomPoints(200, 5, rng)

	st := NewScoreTracker("s", ScoringConfig{SampleCount: 20})
	st.SetReference(cloud, IdentityTransform())
	st.SetCandidate(cloud, IdentityTransform())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			st.UpdateCandidatePose(translated(float64(i), 0, 0))
		}(i)
		go func() {
			defer wg.Done()
			if _, err := st.Rescore(context.Background()); err != nil {
				assert.ErrorIs(t, err, ErrStaleScore)
			}
		}()
	}
	wg.Wait()

	// Once updates stop, a rescore always lands
	_, err := st.Rescore(context.Background())
	require.NoError(t, err)
	_, ok := st.Latest()
	assert.True(t, ok)
}

func TestScoreTracker_PoseChangeDuringScoringIsStale(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cloud := createRandomPoints(50, 5, rng)
	cachePath := filepath.Join(t.TempDir(), "score.json")

	st := NewScoreTrackerWithCache("s", ScoringConfig{SampleCount: 10}, cachePath)
	st.SetReference(cloud, IdentityTransform())
	st.SetCandidate(cloud, IdentityTransform())

	var emitted []*ScoreReport
	st.SetOnScore(func(r *ScoreReport) { emitted = append(emitted, r) })

	// A newer pose arrives while the identity pose is still being scored
	st.scored = func() {
		st.scored = nil
		st.UpdateCandidatePose(translated(0, 0, 3))
	}
	_, err := st.Rescore(context.Background())
	require.ErrorIs(t, err, ErrStaleScore)

	_, ok := st.Latest()
	assert.False(t, ok, "a superseded score must not be stored")
	assert.Empty(t, emitted)
	_, err = os.Stat(cachePath)
	assert.True(t, os.IsNotExist(err), "a superseded score must not be cached")

	report, err := st.Rescore(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, report.PoseScore, 1e-9)
	require.Len(t, emitted, 1)
	assert.InDelta(t, 3.0, emitted[0].PoseScore, 1e-9)

	cached, err := LoadScoreReport(cachePath)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, cached.PoseScore, 1e-9)
}

func TestScoreTracker_EmitSkipsReplacedReport(t *testing.T) {
	st := NewScoreTracker("s", ScoringConfig{})
	var emitted []*ScoreReport
	st.SetOnScore(func(r *ScoreReport) { emitted = append(emitted, r) })

	older := &ScoreReport{Session: "s", PoseScore: 1}
	newer := &ScoreReport{Session: "s", PoseScore: 2}
	st.latest = newer
	st.emit(older)
	assert.Empty(t, emitted)

	st.emit(newer)
	require.Len(t, emitted, 1)
	assert.Equal(t, 2.0, emitted[0].PoseScore)
}

func TestScoreTracker_Cache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache", "score.json")

	st := NewScoreTrackerWithCache("s", ScoringConfig{}, cachePath)
	st.SetReference(PointSet{{}}, IdentityTransform())
	st.SetCandidate(PointSet{{X: 2}}, IdentityTransform())
	first, err := st.Rescore(context.Background())
	require.NoError(t, err)

	reloaded := NewScoreTrackerWithCache("s", ScoringConfig{}, cachePath)
	latest, ok := reloaded.Latest()
	require.True(t, ok, "cached report should load on creation")
	assert.Equal(t, first.Residual, latest.Residual)
	assert.Equal(t, first.Session, latest.Session)
}

func TestLoadScoreReport_Missing(t *testing.T) {
	_, err := LoadScoreReport(filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}
