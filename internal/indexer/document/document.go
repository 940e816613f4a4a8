// Package document builds the flattened, search-friendly record persisted
// for every indexed frame. The builder combines the manifest with optional
// enrichment files found in the frame's landing directory; missing or
// corrupt enrichment degrades to empty fields and never fails the build.
package document

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apirutv/server-vision-pipeline/internal/manifest"
)

// Document is the flat index record, one per line in the sink. Absent
// scalar values are omitted rather than written as null; derived list
// fields are always present, possibly empty.
type Document struct {
	FrameID         string            `json:"frame_id,omitempty"`
	CameraID        string            `json:"camera_id,omitempty"`
	TS              string            `json:"ts,omitempty"`
	Scene           string            `json:"scene,omitempty"`
	PersonPresent   *bool             `json:"person_present,omitempty"`
	PetPresent      *bool             `json:"pet_present,omitempty"`
	VehiclesPresent *bool             `json:"vehicles_present,omitempty"`
	Activities      []string          `json:"activities"`
	IngestDir       string            `json:"ingest_dir,omitempty"`
	Files           *Files            `json:"files,omitempty"`
	Hashes          map[string]string `json:"hashes"`
	SavedBytes      map[string]int64  `json:"saved_bytes"`
	Objects         []string          `json:"objects"`
	People          []string          `json:"people"`
	Pets            []string          `json:"pets"`
	Vehicles        []string          `json:"vehicles"`
	SceneText       string            `json:"scene_text"`
	IndexedAt       string            `json:"indexed_at"`
}

// Files points at the sibling artifacts in the landing directory.
type Files struct {
	Frame       string `json:"frame"`
	Tagged      string `json:"tagged"`
	Detections  string `json:"detections"`
	Description string `json:"description"`
}

// Builder converts manifests into documents.
type Builder struct {
	enrichFromFiles bool
	logger          *slog.Logger
	now             func() time.Time
}

// NewBuilder creates a Builder. When enrichFromFiles is false the landing
// directory is never read and all enrichment fields stay empty.
func NewBuilder(enrichFromFiles bool) *Builder {
	return &Builder{
		enrichFromFiles: enrichFromFiles,
		logger:          slog.Default().With("component", "document-builder"),
		now:             time.Now,
	}
}

// description.json as written by the vision reasoner.
type description struct {
	Scene      string       `json:"scene"`
	Objects    []string     `json:"objects"`
	Activities []string     `json:"activities"`
	People     []descriptor `json:"people"`
	Pets       []descriptor `json:"pets"`
	Vehicles   []descriptor `json:"vehicles"`
}

type descriptor struct {
	Description string `json:"description"`
}

// detections.json as written by the detector.
type detections struct {
	Objects []detection `json:"objects"`
}

type detection struct {
	Label string `json:"label"`
}

// sceneSummary is the compact JSON blob embedded as scene_text for
// downstream full-text and embedding search.
type sceneSummary struct {
	Scene      string   `json:"scene"`
	Objects    []string `json:"objects"`
	Activities []string `json:"activities"`
}

// Build derives a Document from a manifest. It never fails: enrichment file
// problems degrade to empty enrichment, and every manifest-derived field is
// carried through regardless.
func (b *Builder) Build(m *manifest.Manifest) *Document {
	doc := &Document{
		FrameID:         m.FrameID,
		CameraID:        m.CameraID,
		TS:              m.TS,
		Scene:           m.Scene,
		PersonPresent:   m.PersonPresent,
		PetPresent:      m.PetPresent,
		VehiclesPresent: m.VehiclesPresent,
		Activities:      orEmpty(m.Activities),
		Hashes:          m.Hashes,
		SavedBytes:      m.SavedBytes,
		Objects:         []string{},
		People:          []string{},
		Pets:            []string{},
		Vehicles:        []string{},
		IndexedAt:       b.now().UTC().Format(time.RFC3339),
	}
	if doc.Hashes == nil {
		doc.Hashes = map[string]string{}
	}
	if doc.SavedBytes == nil {
		doc.SavedBytes = map[string]int64{}
	}

	var desc description
	dir := m.Ingest.Dir
	if dir != "" {
		doc.IngestDir = dir
		doc.Files = &Files{
			Frame:       filepath.Join(dir, "frame.jpg"),
			Tagged:      filepath.Join(dir, "tagged.jpg"),
			Detections:  filepath.Join(dir, "detections.json"),
			Description: filepath.Join(dir, "description.json"),
		}
		if b.enrichFromFiles {
			var dets detections
			if loadJSON(filepath.Join(dir, "description.json"), &desc) {
				for _, p := range desc.People {
					doc.People = append(doc.People, p.Description)
				}
				for _, p := range desc.Pets {
					doc.Pets = append(doc.Pets, p.Description)
				}
				for _, v := range desc.Vehicles {
					doc.Vehicles = append(doc.Vehicles, v.Description)
				}
			} else {
				b.logger.Debug("description enrichment unavailable", "dir", dir, "frame_id", m.FrameID)
			}
			if loadJSON(filepath.Join(dir, "detections.json"), &dets) {
				for _, o := range dets.Objects {
					doc.Objects = append(doc.Objects, o.Label)
				}
			} else {
				b.logger.Debug("detections enrichment unavailable", "dir", dir, "frame_id", m.FrameID)
			}
		}
	}

	summary, err := json.Marshal(sceneSummary{
		Scene:      desc.Scene,
		Objects:    orEmpty(desc.Objects),
		Activities: orEmpty(desc.Activities),
	})
	if err == nil {
		doc.SceneText = string(summary)
	}
	return doc
}

// loadJSON reads and decodes path into v, reporting success. Absent or
// corrupt files are not errors.
func loadJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
