package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalsfoundry/autoscope/model"
)

// TargetDocument is the current-target file read by the external solver and
// pipeline tools. Field names are part of that contract.
type TargetDocument struct {
	TICID           string   `json:"tic_id"`
	RAHours         float64  `json:"ra_j2000_hours"`
	DecDeg          float64  `json:"dec_j2000_deg"`
	GaiaGMag        *float64 `json:"gaia_g_mag"`
	MagnitudeSource string   `json:"magnitude_source"`
	SessionID       string   `json:"session_id"`
	Timestamp       string   `json:"timestamp"`
	ObjectType      string   `json:"object_type"`
	FilterCode      string   `json:"filter_code"`
	CameraName      string   `json:"camera_name,omitempty"`
	CameraDeviceID  int      `json:"camera_device_id"`
	RawImagesDir    string   `json:"raw_images_directory,omitempty"`
	Telescope       string   `json:"tel,omitempty"`
}

// TargetInfo is the input to WriteTargetJSON.
type TargetInfo struct {
	Target         model.Target
	SessionID      string
	FilterCode     string
	CameraName     string
	CameraDeviceID int
	ImageDir       string
	Telescope      string
	At             time.Time
}

// NewTargetDocument converts a resolved target to its published form.
func NewTargetDocument(info TargetInfo) TargetDocument {
	t := info.Target
	doc := TargetDocument{
		TICID:          strings.TrimPrefix(t.ID, "TIC-"),
		RAHours:        t.RAHours(),
		DecDeg:         t.DecDeg,
		GaiaGMag:       t.Magnitude,
		SessionID:      info.SessionID,
		Timestamp:      info.At.UTC().Format(time.RFC3339),
		FilterCode:     info.FilterCode,
		CameraName:     info.CameraName,
		CameraDeviceID: info.CameraDeviceID,
		RawImagesDir:   info.ImageDir,
		Telescope:      info.Telescope,
	}
	switch t.Provenance {
	case model.ProvenanceCatalog:
		doc.ObjectType = "star"
		doc.MagnitudeSource = "catalog"
	case model.ProvenanceMirror:
		doc.ObjectType = "mirror"
		doc.MagnitudeSource = "default"
	default:
		doc.ObjectType = "coordinates"
		doc.MagnitudeSource = "default"
	}
	if t.Magnitude == nil {
		doc.MagnitudeSource = "none"
	}
	return doc
}

// WriteTargetJSON replaces the file at path with the document for info. The
// write goes through a temporary file in the same directory and a rename, so
// readers never observe a partial document.
func WriteTargetJSON(path string, info TargetInfo) error {
	data, err := json.MarshalIndent(NewTargetDocument(info), "", "  ")
	if err != nil {
		return fmt.Errorf("encode target json: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create target json directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".target-*.json")
	if err != nil {
		return fmt.Errorf("create temp target json: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write target json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close target json: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace target json: %w", err)
	}
	return nil
}

// ReadTargetJSON loads a previously written document.
func ReadTargetJSON(path string) (TargetDocument, error) {
	var doc TargetDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
