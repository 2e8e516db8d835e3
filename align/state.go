package align

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ScoreTracker holds the live reference and candidate clouds for one
// session and the most recent score computed from them
type ScoreTracker struct {
	mu          sync.RWMutex
	session     string
	scoring     ScoringConfig
	reference   PointSet
	referenceTf Transform
	candidate   PointSet
	candidateTf Transform
	latest      *ScoreReport
	generation  uint64 // bumped on every cloud or transform change
	cachePath   string // path to the last-score JSON cache; empty disables persistence
	onScore     func(*ScoreReport)

	emitMu sync.Mutex // orders cache writes and onScore calls
	scored func()     // runs between scoring and storing; set by tests
}

// NewScoreTracker creates a tracker with identity transforms and no clouds
func NewScoreTracker(session string, scoring ScoringConfig) *ScoreTracker {
	return &ScoreTracker{
		session:     session,
		scoring:     scoring,
		referenceTf: IdentityTransform(),
		candidateTf: IdentityTransform(),
	}
}

// NewScoreTrackerWithCache creates a tracker that persists every new score to
// cachePath. If the file exists, the cached report is loaded as the latest.
func NewScoreTrackerWithCache(session string, scoring ScoringConfig, cachePath string) *ScoreTracker {
	st := NewScoreTracker(session, scoring)
	st.cachePath = cachePath
	if cachePath != "" {
		if r, err := LoadScoreReport(cachePath); err == nil {
			st.latest = r
		}
	}
	return st
}

// Session returns the session name reports are tagged with
func (st *ScoreTracker) Session() string {
	return st.session
}

// SetReference replaces the reference cloud and its transform
func (st *ScoreTracker) SetReference(points PointSet, tf Transform) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reference = points
	st.referenceTf = tf
	st.generation++
}

// SetReferencePoints replaces the reference cloud, keeping its transform
func (st *ScoreTracker) SetReferencePoints(points PointSet) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reference = points
	st.generation++
}

// SetCandidate replaces the candidate cloud and its transform
func (st *ScoreTracker) SetCandidate(points PointSet, tf Transform) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.candidate = points
	st.candidateTf = tf
	st.generation++
}

// UpdateCandidatePose moves the candidate cloud. The cloud's offset is
// kept, since pose messages carry no offset.
func (st *ScoreTracker) UpdateCandidatePose(tf Transform) {
	st.mu.Lock()
	defer st.mu.Unlock()
	tf.Offset = st.candidateTf.Offset
	st.candidateTf = tf
	st.generation++
}

// SetOnScore registers a callback for every stored report, called in the
// order the reports were stored. Reports superseded before the callback
// runs are skipped.
func (st *ScoreTracker) SetOnScore(fn func(*ScoreReport)) {
	st.emitMu.Lock()
	defer st.emitMu.Unlock()
	st.onScore = fn
}

// Ready returns true once both clouds are present
func (st *ScoreTracker) Ready() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.reference) > 0 && len(st.candidate) > 0
}

// Latest returns a copy of the most recent report
func (st *ScoreTracker) Latest() (*ScoreReport, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.latest == nil {
		return nil, false
	}
	r := *st.latest
	return &r, true
}

// Rescore recomputes the residual and pose score from the current state.
// The clouds are snapshotted under the read lock and scored without holding
// it, so pose updates are never blocked behind a residual computation.
// If the state changed meanwhile the report is dropped with ErrStaleScore.
// A configured sample count larger than the candidate cloud is clamped.
func (st *ScoreTracker) Rescore(ctx context.Context) (*ScoreReport, error) {
	st.mu.RLock()
	reference, referenceTf := st.reference, st.referenceTf
	candidate, candidateTf := st.candidate, st.candidateTf
	scoring := st.scoring
	generation := st.generation
	st.mu.RUnlock()

	if len(reference) == 0 || len(candidate) == 0 {
		return nil, fmt.Errorf("scoring session %s: both clouds are required: %w", st.session, ErrInvalidInput)
	}

	sampleCount := scoring.SampleCount
	if sampleCount <= 0 {
		sampleCount = DefaultSampleCount
	}
	if sampleCount > len(candidate) {
		sampleCount = len(candidate)
	}

	residual, err := ComputeResidual(ctx, candidate, candidateTf, reference, referenceTf, sampleCount, ResidualOptions{
		Metric:  Metric(scoring.Metric),
		Workers: scoring.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring session %s: %w", st.session, err)
	}

	report := NewScoreReport(st.session, residual, referenceTf, candidateTf)
	if st.scored != nil {
		st.scored()
	}

	st.mu.Lock()
	if st.generation != generation {
		st.mu.Unlock()
		return nil, fmt.Errorf("scoring session %s: %w", st.session, ErrStaleScore)
	}
	st.latest = report
	st.mu.Unlock()

	st.emit(report)

	r := *report
	return &r, nil
}

// emit writes the cache and runs the callback for report unless a newer
// report was stored first
func (st *ScoreTracker) emit(report *ScoreReport) {
	st.emitMu.Lock()
	defer st.emitMu.Unlock()

	st.mu.RLock()
	current := st.latest == report
	st.mu.RUnlock()
	if !current {
		return
	}

	if st.cachePath != "" {
		if err := SaveScoreReport(report, st.cachePath); err != nil {
			log.Printf("warning: failed to save score cache: %v", err)
		}
	}
	if st.onScore != nil {
		r := *report
		st.onScore(&r)
	}
}

// NewScoreReport combines a residual with the pose proxy score of the two
// transforms that produced it
func NewScoreReport(session string, residual *ResidualReport, referenceTf, candidateTf Transform) *ScoreReport {
	poseScore := PoseScore(referenceTf.Pose(), candidateTf.Pose())
	return &ScoreReport{
		Session:      session,
		Residual:     residual.Residual,
		Metric:       string(residual.Metric),
		SampleCount:  residual.SampleCount,
		MeanDistance: residual.Mean,
		StdDev:       residual.StdDev,
		MaxDistance:  residual.Max,
		PoseScore:    poseScore,
		DisplayScore: DisplayScore(poseScore),
		Timestamp:    time.Now().Unix(),
	}
}

// SaveScoreReport writes a ScoreReport to disk as JSON.
func SaveScoreReport(r *ScoreReport, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal score report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write score cache: %w", err)
	}
	return nil
}

// LoadScoreReport reads a ScoreReport from a JSON file on disk.
func LoadScoreReport(path string) (*ScoreReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read score cache: %w", err)
	}
	var r ScoreReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal score cache: %w", err)
	}
	return &r, nil
}
