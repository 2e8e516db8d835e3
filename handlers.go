package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kwv/fragalign/align"
)

// maxRequestBytes bounds posted clouds
const maxRequestBytes = 64 << 20

// cloudRequest is a point set posted with the transform that places it
type cloudRequest struct {
	Points    align.PointSet        `json:"points"`
	Center    bool                  `json:"center,omitempty"`
	Transform align.TransformConfig `json:"transform"`
}

func (c cloudRequest) placement() align.Transform {
	tf := c.Transform.ToTransform()
	if c.Center && len(c.Points) > 0 {
		tf.Offset = align.BoundsCenter(c.Points)
	}
	return tf
}

type residualRequest struct {
	Session     string       `json:"session,omitempty"`
	Reference   cloudRequest `json:"reference"`
	Candidate   cloudRequest `json:"candidate"`
	SampleCount int          `json:"sampleCount,omitempty"`
	Metric      string       `json:"metric,omitempty"`
	Workers     int          `json:"workers,omitempty"`
}

type refineRequest struct {
	residualRequest
	Refine align.RefineConfig `json:"refine"`
}

type refineResponse struct {
	Pose         align.PoseMessage  `json:"pose"`
	InitialError float64            `json:"initialError"`
	Error        float64            `json:"error"`
	Iterations   int                `json:"iterations"`
	Converged    bool               `json:"converged"`
	Score        *align.ScoreReport `json:"score"`
}

type nearestRequest struct {
	cloudRequest
	Query align.Point `json:"query"`
	K     int         `json:"k,omitempty"`
}

type nearestResponse struct {
	Indices   []int     `json:"indices"`
	Distances []float64 `json:"distances"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *align.ScoreTracker, config *align.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Ready     bool      `json:"ready"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Ready:     tracker.Ready(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Latest score of the live session
	mux.HandleFunc("GET /score", func(w http.ResponseWriter, r *http.Request) {
		report, ok := tracker.Latest()
		if !ok {
			http.Error(w, "No score available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	// Score two posted clouds
	mux.HandleFunc("POST /residual", func(w http.ResponseWriter, r *http.Request) {
		var req residualRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		report, err := req.score(r.Context(), config.Scoring, req.Candidate.placement())
		if err != nil {
			writeError(w, "residual", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	// Fit the candidate onto the reference with ICP, then score the result
	mux.HandleFunc("POST /refine", func(w http.ResponseWriter, r *http.Request) {
		var req refineRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		icp := (&align.Config{Scoring: req.scoring(config.Scoring), Refine: req.Refine}).ICPConfig()
		if req.SampleCount > 0 {
			icp.SamplePoints = req.SampleCount
		}
		result, err := align.Refine(r.Context(),
			req.Candidate.Points, req.Candidate.placement(),
			req.Reference.Points, req.Reference.placement(), icp)
		if err != nil {
			writeError(w, "refine", err)
			return
		}

		report, err := req.score(r.Context(), config.Scoring, result.Transform)
		if err != nil {
			writeError(w, "refine", err)
			return
		}
		writeJSON(w, http.StatusOK, refineResponse{
			Pose:         align.NewPoseMessage(result.Transform),
			InitialError: result.InitialError,
			Error:        result.Error,
			Iterations:   result.Iterations,
			Converged:    result.Converged,
			Score:        report,
		})
	})

	// Nearest neighbours of a query in a posted cloud
	mux.HandleFunc("POST /nearest", func(w http.ResponseWriter, r *http.Request) {
		var req nearestRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if req.K == 0 {
			req.K = 1
		}

		tree, err := align.BuildTree(align.TransformPoints(req.Points, req.placement()))
		if err != nil {
			writeError(w, "nearest", err)
			return
		}
		indices, distances, err := tree.KNearest(req.Query, req.K)
		if err != nil {
			writeError(w, "nearest", err)
			return
		}

		writeJSON(w, http.StatusOK, nearestResponse{Indices: indices, Distances: distances})
	})

	return mux
}

// scoring applies the request's overrides to the configured settings
func (req residualRequest) scoring(base align.ScoringConfig) align.ScoringConfig {
	if req.Metric != "" {
		base.Metric = req.Metric
	}
	if req.Workers > 0 {
		base.Workers = req.Workers
	}
	return base
}

// score computes the residual report with the candidate placed by
// candidateTf. Without a sample count, the configured count is clamped to
// the candidate size.
func (req residualRequest) score(ctx context.Context, base align.ScoringConfig, candidateTf align.Transform) (*align.ScoreReport, error) {
	scoring := req.scoring(base)
	sampleCount := req.SampleCount
	if sampleCount == 0 {
		sampleCount = scoring.SampleCount
		if sampleCount == 0 {
			sampleCount = align.DefaultSampleCount
		}
		sampleCount = min(sampleCount, len(req.Candidate.Points))
	}
	session := req.Session
	if session == "" {
		session = "http"
	}

	referenceTf := req.Reference.placement()
	residual, err := align.ComputeResidual(ctx,
		req.Candidate.Points, candidateTf,
		req.Reference.Points, referenceTf,
		sampleCount, align.ResidualOptions{
			Metric:  align.Metric(scoring.Metric),
			Workers: scoring.Workers,
		})
	if err != nil {
		return nil, err
	}
	return align.NewScoreReport(session, residual, referenceTf, candidateTf), nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps contract violations to 400 and everything else to 500
func writeError(w http.ResponseWriter, endpoint string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, align.ErrInvalidInput), errors.Is(err, align.ErrEmptyIndex):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response
		return
	default:
		log.Printf("[HTTP] /%s failed: %v", endpoint, err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
