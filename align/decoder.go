package align

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// DecodePointSet decodes point set data from either format:
// - Raw JSON (array or {"points": [...]})
// - Zlib-compressed JSON, as sent over MQTT to keep large clouds small
func DecodePointSet(data []byte) (PointSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	var jsonBytes []byte
	var err error

	if trimmed[0] == '[' || trimmed[0] == '{' {
		jsonBytes = trimmed
	} else {
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON or zlib-compressed JSON")
		}
	}

	if len(bytes.TrimSpace(jsonBytes)) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}

	return ParsePointsJSON(jsonBytes)
}

// EncodePointSet serializes points as zlib-compressed JSON, the inverse of
// DecodePointSet for the compressed format
func EncodePointSet(points PointSet) ([]byte, error) {
	raw, err := marshalTriples(points)
	if err != nil {
		return nil, fmt.Errorf("marshaling points: %w", err)
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing points: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing points: %w", err)
	}
	return buf.Bytes(), nil
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}
