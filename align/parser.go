package align

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// pointFile is the object layout of a point set file. A bare JSON array of
// points is accepted as well.
type pointFile struct {
	Points PointSet `json:"points"`
}

// ParsePointsFile reads and decodes a point set file
func ParsePointsFile(path string) (PointSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return DecodePointSet(data)
}

// ParsePointsJSON parses point set JSON, either [[x,y,z], ...] or
// {"points": [...]}. Points may be triples or {"x","y","z"} objects.
func ParsePointsJSON(data []byte) (PointSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var f pointFile
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		return f.Points, nil
	}

	var points PointSet
	if err := json.Unmarshal(trimmed, &points); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return points, nil
}

// PointSetSummary provides a summary of a point set
type PointSetSummary struct {
	Count  int   `json:"count"`
	Min    Point `json:"min"`
	Max    Point `json:"max"`
	Center Point `json:"center"`
}

// Summarize computes the count and axis-aligned bounds of points
func Summarize(points PointSet) PointSetSummary {
	summary := PointSetSummary{Count: len(points)}
	if len(points) == 0 {
		return summary
	}
	summary.Min, summary.Max = bounds(points)
	summary.Center = midpoint(summary.Min, summary.Max)
	return summary
}

// marshalTriples encodes points in the compact [[x,y,z], ...] layout
func marshalTriples(points PointSet) ([]byte, error) {
	triples := make([][3]float64, len(points))
	for i, p := range points {
		triples[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return json.Marshal(triples)
}
