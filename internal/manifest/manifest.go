// Package manifest defines the canonical description of one ingested camera
// frame and the normalizer that decodes it from a raw stream entry.
package manifest

import (
	"encoding/json"
	"strings"

	apperrors "github.com/apirutv/server-vision-pipeline/pkg/errors"
)

// PayloadField is the single stream-entry field carrying the serialized
// manifest.
const PayloadField = "json"

// Manifest is immutable once received; the engine only derives documents
// from it. Decoding is loose: unknown fields are ignored and missing
// optional fields stay zero.
type Manifest struct {
	FrameID         string            `json:"frame_id"`
	CameraID        string            `json:"camera_id"`
	TS              string            `json:"ts"`
	Scene           string            `json:"scene"`
	PersonPresent   *bool             `json:"person_present"`
	PetPresent      *bool             `json:"pet_present"`
	VehiclesPresent *bool             `json:"vehicles_present"`
	Activities      []string          `json:"activities"`
	Hashes          map[string]string `json:"hashes"`
	SavedBytes      map[string]int64  `json:"saved_bytes"`
	Ingest          Ingest            `json:"ingest"`
}

// Ingest locates the landing directory holding the frame's sibling
// artifacts (description.json, detections.json, images).
type Ingest struct {
	Dir string `json:"dir"`
}

// Decode extracts and parses the manifest payload from one stream entry's
// field mapping. A missing or undecodable payload yields ErrSchemaMismatch;
// the producer will never resend the same entry differently, so the caller
// treats this as terminal.
func Decode(fields map[string]string) (*Manifest, error) {
	raw, ok := fields[PayloadField]
	if !ok || raw == "" {
		return nil, apperrors.New(apperrors.ErrSchemaMismatch, "missing payload field")
	}
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apperrors.New(apperrors.ErrSchemaMismatch, "payload is not a JSON object")
	}
	var m Manifest
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchemaMismatch, "undecodable payload: %v", err)
	}
	return &m, nil
}
