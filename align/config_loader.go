package align

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file, validates it and
// fills in scoring defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Candidate.Path == "" {
		return fmt.Errorf("candidate.path is required")
	}
	if c.Reference.Path == "" && c.MQTT.CloudTopic == "" {
		return fmt.Errorf("reference.path is required unless mqtt.cloudTopic is set")
	}
	if c.Scoring.SampleCount < 0 {
		return fmt.Errorf("scoring.sampleCount must not be negative, got %d", c.Scoring.SampleCount)
	}
	if c.Scoring.Workers < 0 {
		return fmt.Errorf("scoring.workers must not be negative, got %d", c.Scoring.Workers)
	}
	if _, err := ParseMetric(c.Scoring.Metric); err != nil {
		return fmt.Errorf("scoring.metric: %w", err)
	}
	if c.Refine.MaxIterations < 0 {
		return fmt.Errorf("refine.maxIterations must not be negative, got %d", c.Refine.MaxIterations)
	}
	if c.Refine.MaxCorrespondDist < 0 {
		return fmt.Errorf("refine.maxCorrespondDist must not be negative, got %g", c.Refine.MaxCorrespondDist)
	}
	if c.Refine.OutlierPercentile < 0 || c.Refine.OutlierPercentile > 1 {
		return fmt.Errorf("refine.outlierPercentile must be within [0, 1], got %g", c.Refine.OutlierPercentile)
	}
	if c.MQTT.PublishQoS > 2 {
		return fmt.Errorf("mqtt.publishQos must be 0, 1 or 2, got %d", c.MQTT.PublishQoS)
	}
	if c.MQTT.Broker != "" && c.MQTT.PoseTopic == "" {
		return fmt.Errorf("mqtt.poseTopic is required when mqtt.broker is set")
	}
	return nil
}

// ApplyDefaults fills zero-valued scoring settings
func (c *Config) ApplyDefaults() {
	if c.Scoring.SampleCount == 0 {
		c.Scoring.SampleCount = DefaultSampleCount
	}
	if c.Scoring.Metric == "" {
		c.Scoring.Metric = string(MetricRMS)
	}
	if c.Scoring.Workers == 0 {
		c.Scoring.Workers = 1
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// LoadCloud reads the point set named by cc and builds its transform.
// Relative paths are resolved against baseDir. With Center set, the cloud's
// bounds center becomes the transform offset and is subtracted from
// Position.
func LoadCloud(cc CloudConfig, baseDir string) (PointSet, Transform, error) {
	path := cc.Path
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}

	points, err := ParsePointsFile(path)
	if err != nil {
		return nil, Transform{}, fmt.Errorf("loading cloud %s: %w", path, err)
	}
	if len(points) == 0 {
		return nil, Transform{}, fmt.Errorf("loading cloud %s: no points: %w", path, ErrInvalidInput)
	}

	tf := cc.Transform.ToTransform()
	if cc.Center {
		tf.Offset = BoundsCenter(points)
	}
	return points, tf, nil
}
