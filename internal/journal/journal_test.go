package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/autoscope/model"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	start := time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)
	id := uuid.NewString()
	target := model.Target{ID: "TIC 123", RADeg: 150, DecDeg: -20, Magnitude: model.Magnitude(10.5), Provenance: model.ProvenanceCatalog}

	if err := j.StartSession(ctx, Session{ID: id, Mode: model.ModeSpectroscopy, Target: target, StartedAt: start}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 1; i <= 3; i++ {
		f := model.Frame{Name: "f.fits", TargetID: target.ID, Filter: "V", Exposure: 10 * time.Second,
			Start: start.Add(time.Duration(i) * time.Minute), Phase: model.PhaseScience, Sequence: i}
		if err := j.RecordFrame(ctx, id, f); err != nil {
			t.Fatalf("RecordFrame(%d): %v", i, err)
		}
	}
	if err := j.RecordCorrection(ctx, id, Correction{TargetID: target.ID, FrameName: "f.fits", OffsetArcsec: 5.2,
		Applied: true, SubPhase: "acquiring", At: start}); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}
	if err := j.EndSession(ctx, id, model.PhaseParked, "duration", start.Add(time.Hour)); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := j.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.Mode != model.ModeSpectroscopy || got.Target.ID != "TIC 123" || got.FinalPhase != "parked" || got.Reason != "duration" {
		t.Fatalf("Session = %+v", got)
	}
	if !got.StartedAt.Equal(start) || !got.EndedAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("times = %v..%v", got.StartedAt, got.EndedAt)
	}
	if n, err := j.FrameCount(ctx, id); err != nil || n != 3 {
		t.Fatalf("FrameCount = %d, %v, want 3", n, err)
	}
}

func TestMirrorStatusesInOrder(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	id := uuid.NewString()
	if err := j.StartSession(ctx, Session{ID: id, Mode: model.ModePhotometry, StartedAt: time.Now()}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	ts := time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)
	for _, st := range []model.RecordStatus{model.RecordValidated, model.RecordImaging, model.RecordFailed} {
		if err := j.RecordMirror(ctx, id, model.MirrorRecord{Timestamp: ts, RADeg: 165, DecDeg: -21, Status: st, Source: "file"}); err != nil {
			t.Fatalf("RecordMirror: %v", err)
		}
	}
	got, err := j.MirrorStatuses(ctx, id)
	if err != nil {
		t.Fatalf("MirrorStatuses: %v", err)
	}
	want := []string{"validated", "imaging", "failed"}
	if len(got) != len(want) {
		t.Fatalf("MirrorStatuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MirrorStatuses = %v, want %v", got, want)
		}
	}
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	if _, err := j.Session(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Session err = %v, want ErrNotFound", err)
	}
	if err := j.EndSession(ctx, "missing", model.PhaseAborted, "", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EndSession err = %v, want ErrNotFound", err)
	}
}

func TestFramesRequireSession(t *testing.T) {
	j := openTemp(t)
	err := j.RecordFrame(context.Background(), "nope", model.Frame{Name: "x.fits", Sequence: 1})
	if err == nil {
		t.Fatalf("RecordFrame without session succeeded, want foreign key error")
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := uuid.NewString()
	if err := j.StartSession(ctx, Session{ID: id, StartedAt: time.Now()}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_ = j.Close()

	j, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	if _, err := j.Session(ctx, id); err != nil {
		t.Fatalf("Session after reopen: %v", err)
	}
}

func TestWriteTargetJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets", "current_target.json")
	info := TargetInfo{
		Target:     model.Target{ID: "TIC-261136679", RADeg: 84.29, DecDeg: -80.47, Magnitude: model.Magnitude(5.1), Provenance: model.ProvenanceCatalog},
		SessionID:  "abc",
		FilterCode: "V",
		At:         time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC),
	}
	if err := WriteTargetJSON(path, info); err != nil {
		t.Fatalf("WriteTargetJSON: %v", err)
	}
	doc, err := ReadTargetJSON(path)
	if err != nil {
		t.Fatalf("ReadTargetJSON: %v", err)
	}
	if doc.TICID != "261136679" || doc.SessionID != "abc" || doc.MagnitudeSource != "catalog" {
		t.Fatalf("doc = %+v", doc)
	}
	if diff := doc.RAHours - 84.29/15; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("RAHours = %v, want %v", doc.RAHours, 84.29/15)
	}

	info.Target = model.Target{ID: "RADEC_1", RADeg: 10, DecDeg: 5, Provenance: model.ProvenanceCoordinates}
	if err := WriteTargetJSON(path, info); err != nil {
		t.Fatalf("second WriteTargetJSON: %v", err)
	}
	doc, _ = ReadTargetJSON(path)
	if doc.TICID != "RADEC_1" || doc.GaiaGMag != nil || doc.MagnitudeSource != "none" {
		t.Fatalf("replaced doc = %+v", doc)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want only the target file", len(entries))
	}
}
