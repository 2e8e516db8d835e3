package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/fragalign/align"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *align.Config
	Tracker    *align.ScoreTracker
	MQTTClient *align.MQTTClient
	Publisher  *align.Publisher

	// CLI Flags (effectively dependencies)
	DataDir    string
	ConfigFile string
	ScoreCache string
	K          int
	Samples    int
	Metric     string
	Workers    int
	HttpPort   int
	MqttMode   bool
	HttpMode   bool

	out io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.ScoreCache = opts.ScoreCache
	a.K = opts.K
	a.Samples = opts.Samples
	a.Metric = opts.Metric
	a.Workers = opts.Workers
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// resolvePaths returns the config and cache paths. Paths still pointing at
// their defaults resolve relative to data-dir.
func (a *App) resolvePaths() (configPath, cachePath string) {
	configPath, cachePath = a.ConfigFile, a.ScoreCache
	if a.DataDir != "" && a.DataDir != "." {
		if configPath == "config.yaml" {
			configPath = filepath.Join(a.DataDir, "config.yaml")
		}
		if cachePath == ".score-cache.json" {
			cachePath = filepath.Join(a.DataDir, ".score-cache.json")
		}
	}
	return configPath, cachePath
}

// loadConfig reads the config file and applies the command line overrides
func (a *App) loadConfig() (*align.Config, error) {
	configPath, _ := a.resolvePaths()
	config, err := align.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w (looked at %s)", err, configPath)
	}

	if a.Samples > 0 {
		config.Scoring.SampleCount = a.Samples
	}
	if a.Metric != "" {
		if _, err := align.ParseMetric(a.Metric); err != nil {
			return nil, fmt.Errorf("--metric: %w", err)
		}
		config.Scoring.Metric = a.Metric
	}
	if a.Workers > 0 {
		config.Scoring.Workers = a.Workers
	}

	a.Config = config
	return config, nil
}

func (a *App) baseDir() string {
	if a.DataDir == "" {
		return "."
	}
	return a.DataDir
}

// loadTracker builds a score tracker holding the configured clouds.
// A missing reference path is allowed when the reference arrives over MQTT.
func (a *App) loadTracker(config *align.Config, cachePath string) (*align.ScoreTracker, error) {
	tracker := align.NewScoreTrackerWithCache(config.GetSession(), config.Scoring, cachePath)

	candidate, candidateTf, err := align.LoadCloud(config.Candidate, a.baseDir())
	if err != nil {
		return nil, err
	}
	tracker.SetCandidate(candidate, candidateTf)
	log.Printf("Loaded candidate cloud: %d points", len(candidate))

	if config.Reference.Path != "" {
		reference, referenceTf, err := align.LoadCloud(config.Reference, a.baseDir())
		if err != nil {
			return nil, err
		}
		tracker.SetReference(reference, referenceTf)
		log.Printf("Loaded reference cloud: %d points", len(reference))
	}

	a.Tracker = tracker
	return tracker, nil
}

// RunScore scores the configured candidate against the reference once
func (a *App) RunScore() {
	if err := a.score(context.Background()); err != nil {
		log.Fatalf("Scoring failed: %v", err)
	}
}

func (a *App) score(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	tracker, err := a.loadTracker(config, "")
	if err != nil {
		return err
	}
	if !tracker.Ready() {
		return fmt.Errorf("reference.path is required for --score: %w", align.ErrInvalidInput)
	}

	report, err := tracker.Rescore(ctx)
	if err != nil {
		return err
	}

	printReport(a.out, report)
	return nil
}

func printReport(w io.Writer, r *align.ScoreReport) {
	fmt.Fprintf(w, "=== %s ===\n", r.Session)
	fmt.Fprintf(w, "Residual (%s, %d samples): %.6f\n", r.Metric, r.SampleCount, r.Residual)
	fmt.Fprintf(w, "Distances: mean=%.6f stddev=%.6f max=%.6f\n", r.MeanDistance, r.StdDev, r.MaxDistance)
	fmt.Fprintf(w, "Pose score: %.4f (display %.1f)\n", r.PoseScore, r.DisplayScore)
}

// RunNearest queries the transformed reference cloud for the k nearest
// points to query, given as "x,y,z"
func (a *App) RunNearest(query string) {
	if err := a.nearest(query); err != nil {
		log.Fatalf("Nearest query failed: %v", err)
	}
}

func (a *App) nearest(query string) error {
	q, err := parseQuery(query)
	if err != nil {
		return err
	}
	k := a.K
	if k == 0 {
		k = 1
	}

	tree, _, err := a.referenceTree()
	if err != nil {
		return err
	}

	indices, distances, err := tree.KNearest(q, k)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Query (%g, %g, %g), k=%d\n", q.X, q.Y, q.Z, k)
	for i, idx := range indices {
		fmt.Fprintf(a.out, "%d: index %d distance %.6f\n", i+1, idx, distances[i])
	}
	return nil
}

// referenceTree loads the reference cloud in its configured placement and
// indexes it
func (a *App) referenceTree() (*align.Tree, align.PointSet, error) {
	config, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if config.Reference.Path == "" {
		return nil, nil, fmt.Errorf("reference.path is not configured: %w", align.ErrInvalidInput)
	}
	points, tf, err := align.LoadCloud(config.Reference, a.baseDir())
	if err != nil {
		return nil, nil, err
	}
	placed := align.TransformPoints(points, tf)
	tree, err := align.BuildTree(placed)
	if err != nil {
		return nil, nil, err
	}
	return tree, placed, nil
}

func parseQuery(s string) (align.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return align.Point{}, fmt.Errorf("query %q: want x,y,z", s)
	}
	var xyz [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return align.Point{}, fmt.Errorf("query %q: %w", s, err)
		}
		xyz[i] = v
	}
	return align.Point{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

// RunDump prints the transformed reference cloud's summary and tree shape
func (a *App) RunDump() {
	if err := a.dump(); err != nil {
		log.Fatalf("Dump failed: %v", err)
	}
}

func (a *App) dump() error {
	tree, placed, err := a.referenceTree()
	if err != nil {
		return err
	}
	summary := align.Summarize(placed)
	fmt.Fprintf(a.out, "Points: %d\n", summary.Count)
	fmt.Fprintf(a.out, "Bounds: (%.3f, %.3f, %.3f) - (%.3f, %.3f, %.3f)\n",
		summary.Min.X, summary.Min.Y, summary.Min.Z, summary.Max.X, summary.Max.Y, summary.Max.Z)
	fmt.Fprintf(a.out, "Center: (%.3f, %.3f, %.3f)\n", summary.Center.X, summary.Center.Y, summary.Center.Z)
	fmt.Fprintf(a.out, "Height: %d\n\n", tree.Height())
	fmt.Fprint(a.out, tree.Dump())
	return nil
}

// RunRefine fits the candidate pose to the reference with ICP and prints
// the refined pose with its score
func (a *App) RunRefine() {
	if err := a.refine(context.Background()); err != nil {
		log.Fatalf("Refinement failed: %v", err)
	}
}

func (a *App) refine(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	if config.Reference.Path == "" {
		return fmt.Errorf("reference.path is required for --refine: %w", align.ErrInvalidInput)
	}
	candidate, candidateTf, err := align.LoadCloud(config.Candidate, a.baseDir())
	if err != nil {
		return err
	}
	reference, referenceTf, err := align.LoadCloud(config.Reference, a.baseDir())
	if err != nil {
		return err
	}

	result, err := align.Refine(ctx, candidate, candidateTf, reference, referenceTf, config.ICPConfig())
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "ICP: %d iterations, converged=%v\n", result.Iterations, result.Converged)
	fmt.Fprintf(a.out, "RMS error: %.6f -> %.6f\n", result.InitialError, result.Error)
	pose := align.NewPoseMessage(result.Transform)
	fmt.Fprintf(a.out, "Refined position: (%.6f, %.6f, %.6f)\n", pose.Position[0], pose.Position[1], pose.Position[2])
	fmt.Fprintf(a.out, "Refined rotation (w, x, y, z): (%.6f, %.6f, %.6f, %.6f)\n",
		pose.Quaternion[0], pose.Quaternion[1], pose.Quaternion[2], pose.Quaternion[3])

	tracker := align.NewScoreTracker(config.GetSession(), config.Scoring)
	tracker.SetReference(reference, referenceTf)
	tracker.SetCandidate(candidate, result.Transform)
	report, err := tracker.Rescore(ctx)
	if err != nil {
		return err
	}
	printReport(a.out, report)
	return nil
}

// poseHandler moves the candidate to each received pose and rescores
func (a *App) poseHandler(ctx context.Context) align.PoseHandler {
	return func(tf align.Transform, err error) {
		if err != nil {
			log.Printf("Error receiving pose: %v", err)
			return
		}
		a.Tracker.UpdateCandidatePose(tf)
		a.rescoreAndPublish(ctx)
	}
}

// cloudHandler replaces the reference cloud and rescores
func (a *App) cloudHandler(ctx context.Context) align.CloudHandler {
	return func(points align.PointSet, err error) {
		if err != nil {
			log.Printf("Error receiving reference cloud: %v", err)
			return
		}
		if len(points) == 0 {
			log.Printf("Ignoring empty reference cloud")
			return
		}
		a.Tracker.SetReferencePoints(points)
		log.Printf("Reference cloud replaced: %d points", len(points))
		a.rescoreAndPublish(ctx)
	}
}

// rescoreAndPublish rescores the tracker. Publishing happens through the
// tracker's score callback, which skips reports that a newer pose superseded.
func (a *App) rescoreAndPublish(ctx context.Context) {
	if !a.Tracker.Ready() {
		log.Printf("Waiting for reference cloud before scoring")
		return
	}
	if _, err := a.Tracker.Rescore(ctx); err != nil {
		if errors.Is(err, align.ErrStaleScore) {
			return
		}
		log.Printf("Error scoring: %v", err)
	}
}

// attachPublisher publishes every score the tracker stores from now on
func (a *App) attachPublisher(p *align.Publisher) {
	a.Publisher = p
	a.Tracker.SetOnScore(a.publishScore)
}

func (a *App) publishScore(report *align.ScoreReport) {
	if err := a.Publisher.PublishScore(*report); err != nil {
		log.Printf("Error publishing score for %s: %v", report.Session, err)
	}
}

// RunService runs MQTT and/or HTTP service mode until interrupted
func (a *App) RunService() {
	fmt.Fprintln(a.out, "Starting fragalign service...")

	config, err := a.loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	_, cachePath := a.resolvePaths()

	tracker, err := a.loadTracker(config, cachePath)
	if err != nil {
		log.Fatalf("Failed to load clouds: %v", err)
	}
	if cached, ok := tracker.Latest(); ok {
		log.Printf("Loaded cached score from %s (residual %.4f)", cachePath, cached.Residual)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.MqttMode {
		mqttClient, err := align.InitMQTT(config, a.poseHandler(ctx), a.cloudHandler(ctx))
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient

		settings := align.ResolveMQTTConfig(config)
		a.attachPublisher(align.NewPublisherFromConfig(mqttClient.GetClient(), settings))
		fmt.Fprintln(a.out, "MQTT score publisher initialized")
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(tracker, config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MqttMode {
		settings := align.ResolveMQTTConfig(config)
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Pose topic: %s\n", config.MQTT.PoseTopic)
		if config.MQTT.CloudTopic != "" {
			fmt.Fprintf(a.out, "  Reference cloud topic: %s\n", config.MQTT.CloudTopic)
		}
		fmt.Fprintf(a.out, "  Publishing to: %s/%s/score\n", settings.PublishPrefix, config.GetSession())
		fmt.Fprintf(a.out, "  Combined scores: %s/scores\n", settings.PublishPrefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.out, "  GET  /health   - Health check")
		fmt.Fprintln(a.out, "  GET  /score    - Latest score")
		fmt.Fprintln(a.out, "  POST /residual - Score two posted clouds")
		fmt.Fprintln(a.out, "  POST /refine   - Fit a posted candidate to a posted reference with ICP")
		fmt.Fprintln(a.out, "  POST /nearest  - Nearest neighbours in a posted cloud")
	}

	// Score whatever was loaded from disk so the first report is available
	if tracker.Ready() {
		a.rescoreAndPublish(ctx)
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Fprintln(a.out, "\nShutting down service...")
	cancel()
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
		done()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.out, "Service stopped")
}
