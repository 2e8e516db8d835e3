package align

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Point represents a 3D coordinate
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Coord returns the coordinate on the given axis (0=X, 1=Y, 2=Z).
// It panics on any other axis, which is a programming error in the caller.
func (p Point) Coord(axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	case 2:
		return p.Z
	}
	panic(fmt.Sprintf("align: axis %d out of range", axis))
}

// UnmarshalJSON accepts either an object {"x":..,"y":..,"z":..} or a
// bare [x, y, z] triple, the two layouts point exporters commonly emit.
func (p *Point) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var xyz []float64
		if err := json.Unmarshal(trimmed, &xyz); err != nil {
			return err
		}
		if len(xyz) != 3 {
			return fmt.Errorf("point triple has %d components, want 3", len(xyz))
		}
		p.X, p.Y, p.Z = xyz[0], xyz[1], xyz[2]
		return nil
	}

	type plain Point
	var v plain
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*p = Point(v)
	return nil
}

// PointSet is an ordered, fixed-length sequence of points. Indices into a
// PointSet are the identity returned by tree queries.
type PointSet []Point

// Clone returns an independent copy of the set
func (ps PointSet) Clone() PointSet {
	if ps == nil {
		return nil
	}
	out := make(PointSet, len(ps))
	copy(out, ps)
	return out
}

// ScoreReport is the result of scoring a candidate cloud against a reference
type ScoreReport struct {
	Session      string  `json:"session"`
	Residual     float64 `json:"residual"`
	Metric       string  `json:"metric"`
	SampleCount  int     `json:"sampleCount"`
	MeanDistance float64 `json:"meanDistance"`
	StdDev       float64 `json:"stdDev"`
	MaxDistance  float64 `json:"maxDistance"`
	PoseScore    float64 `json:"poseScore"`
	DisplayScore float64 `json:"displayScore"`
	Timestamp    int64   `json:"timestamp"`
}

// PoseMessage is the wire form of a candidate pose update.
// Rotation may be given as a quaternion or as Euler angles in degrees;
// the quaternion wins when both are present.
type PoseMessage struct {
	Position   [3]float64  `json:"position"`
	Quaternion *[4]float64 `json:"quaternion,omitempty"` // w, x, y, z
	EulerDeg   *[3]float64 `json:"euler,omitempty"`
	Scale      *[3]float64 `json:"scale,omitempty"`
}

// Transform converts the message into a Transform
func (m PoseMessage) Transform() Transform {
	tc := TransformConfig{Position: m.Position}
	if m.EulerDeg != nil {
		tc.Rotation = *m.EulerDeg
	}
	if m.Scale != nil {
		tc.Scale = *m.Scale
	}
	tf := tc.ToTransform()
	if m.Quaternion != nil {
		q := *m.Quaternion
		tf.Rotation = quatFromWXYZ(q[0], q[1], q[2], q[3])
	}
	return tf
}

// NewPoseMessage returns the wire form of a transform's placement, with the
// rotation as a quaternion
func NewPoseMessage(tf Transform) PoseMessage {
	q := tf.Rotation.Normalize()
	return PoseMessage{
		Position:   [3]float64{tf.Position.X, tf.Position.Y, tf.Position.Z},
		Quaternion: &[4]float64{q.W, q.V[0], q.V[1], q.V[2]},
		Scale:      &[3]float64{tf.Scale.X, tf.Scale.Y, tf.Scale.Z},
	}
}

// CloudConfig names a point set file and the transform applied to it
type CloudConfig struct {
	Path      string          `yaml:"path" json:"path"`
	Center    bool            `yaml:"center,omitempty" json:"center,omitempty"` // Use the bounds center as the transform Offset
	Transform TransformConfig `yaml:"transform" json:"transform"`
}

// TransformConfig is the YAML form of a Transform
type TransformConfig struct {
	Position [3]float64 `yaml:"position" json:"position"`
	Rotation [3]float64 `yaml:"rotation" json:"rotation"`                 // Euler angles in degrees, applied X then Y then Z
	Scale    [3]float64 `yaml:"scale,omitempty" json:"scale,omitempty"` // Zero components mean 1
}

// ScoringConfig holds residual scoring settings
type ScoringConfig struct {
	SampleCount int    `yaml:"sampleCount,omitempty" json:"sampleCount,omitempty"` // Candidate points to sample (default 100)
	Metric      string `yaml:"metric,omitempty" json:"metric,omitempty"`           // "rms" (default) or "legacy"
	Workers     int    `yaml:"workers,omitempty" json:"workers,omitempty"`         // Parallel nearest-neighbour workers (default 1)
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	PoseTopic     string `yaml:"poseTopic" json:"poseTopic"`
	CloudTopic    string `yaml:"cloudTopic,omitempty" json:"cloudTopic,omitempty"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	PublishQoS    byte   `yaml:"publishQos,omitempty" json:"publishQos,omitempty"` // 0, 1 or 2
	Retain        *bool  `yaml:"retain,omitempty" json:"retain,omitempty"`         // Retain score messages (default true)
}

// RefineConfig holds ICP refinement settings. Zero values take the
// DefaultICPConfig values.
type RefineConfig struct {
	MaxIterations     int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	MaxCorrespondDist float64 `yaml:"maxCorrespondDist,omitempty" json:"maxCorrespondDist,omitempty"`
	OutlierPercentile float64 `yaml:"outlierPercentile,omitempty" json:"outlierPercentile,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	Session   string        `yaml:"session,omitempty" json:"session,omitempty"`
	Reference CloudConfig   `yaml:"reference" json:"reference"`
	Candidate CloudConfig   `yaml:"candidate" json:"candidate"`
	Scoring   ScoringConfig `yaml:"scoring" json:"scoring"`
	Refine    RefineConfig  `yaml:"refine,omitempty" json:"refine,omitempty"`
	MQTT      MQTTConfig    `yaml:"mqtt" json:"mqtt"`
}

// GetSession returns the session name or "default" if not set
func (c *Config) GetSession() string {
	if c.Session != "" {
		return c.Session
	}
	return "default"
}
