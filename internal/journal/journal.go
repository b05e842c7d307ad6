// Package journal persists session history to SQLite and publishes the
// current target for external tools.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/autoscope/model"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("journal: not found")

const timeLayout = time.RFC3339Nano

// Session is one row of the sessions table.
type Session struct {
	ID         string
	Mode       model.Mode
	Target     model.Target
	StartedAt  time.Time
	EndedAt    time.Time
	FinalPhase string
	Reason     string
}

// Correction is one corrector decision.
type Correction struct {
	TargetID     string
	FrameName    string
	OffsetArcsec float64
	Applied      bool
	Rotated      bool
	SubPhase     string
	At           time.Time
}

// Journal is a SQLite-backed session log.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path and applies migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the database.
func (j *Journal) Close() error { return j.db.Close() }

// StartSession inserts a session row.
func (j *Journal) StartSession(ctx context.Context, s Session) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO sessions
		(session_id, mode, target_id, provenance, ra_deg, dec_deg, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Mode.String(), s.Target.ID, string(s.Target.Provenance),
		s.Target.RADeg, s.Target.DecDeg, s.StartedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// EndSession records the final phase of a session.
func (j *Journal) EndSession(ctx context.Context, id string, phase model.Phase, reason string, at time.Time) error {
	res, err := j.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, final_phase = ?, reason = ? WHERE session_id = ?`,
		at.UTC().Format(timeLayout), phase.String(), reason, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTarget points the session row at a new target (mirror mode).
func (j *Journal) UpdateTarget(ctx context.Context, id string, t model.Target) error {
	_, err := j.db.ExecContext(ctx, `UPDATE sessions SET target_id = ?, provenance = ?, ra_deg = ?, dec_deg = ? WHERE session_id = ?`,
		t.ID, string(t.Provenance), t.RADeg, t.DecDeg, id)
	if err != nil {
		return fmt.Errorf("update session target %s: %w", id, err)
	}
	return nil
}

// RecordFrame appends a frame.
func (j *Journal) RecordFrame(ctx context.Context, sessionID string, f model.Frame) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO frames
		(session_id, sequence, name, target_id, filter, exposure_seconds, phase, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, f.Sequence, f.Name, f.TargetID, f.Filter, f.Exposure.Seconds(), f.Phase.String(),
		f.Start.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert frame %s: %w", f.Name, err)
	}
	return nil
}

// RecordCorrection appends a corrector decision.
func (j *Journal) RecordCorrection(ctx context.Context, sessionID string, c Correction) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO corrections
		(session_id, target_id, frame_name, offset_arcsec, applied, rotated, subphase, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, c.TargetID, c.FrameName, c.OffsetArcsec, boolToInt(c.Applied), boolToInt(c.Rotated),
		c.SubPhase, c.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

// RecordMirror appends a mirror record status change.
func (j *Journal) RecordMirror(ctx context.Context, sessionID string, r model.MirrorRecord) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO mirror_records
		(session_id, remote_at, ra_deg, dec_deg, fingerprint, status, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.Timestamp.UTC().Format(timeLayout), r.RADeg, r.DecDeg, r.Fingerprint(), r.Status.String(), r.Source)
	if err != nil {
		return fmt.Errorf("insert mirror record: %w", err)
	}
	return nil
}

// Session loads one session.
func (j *Journal) Session(ctx context.Context, id string) (Session, error) {
	var (
		s                         Session
		mode, provenance, started string
		ended, finalPhase, reason sql.NullString
	)
	err := j.db.QueryRowContext(ctx, `SELECT session_id, mode, target_id, provenance, ra_deg, dec_deg,
		started_at, ended_at, final_phase, reason FROM sessions WHERE session_id = ?`, id).
		Scan(&s.ID, &mode, &s.Target.ID, &provenance, &s.Target.RADeg, &s.Target.DecDeg,
			&started, &ended, &finalPhase, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	s.Mode, _ = model.ParseMode(mode)
	s.Target.Provenance = model.Provenance(provenance)
	s.StartedAt, _ = time.Parse(timeLayout, started)
	if ended.Valid {
		s.EndedAt, _ = time.Parse(timeLayout, ended.String)
	}
	s.FinalPhase = finalPhase.String
	s.Reason = reason.String
	return s, nil
}

// FrameCount returns the number of frames recorded for a session.
func (j *Journal) FrameCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// MirrorStatuses returns the mirror record statuses of a session in insert
// order.
func (j *Journal) MirrorStatuses(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status FROM mirror_records WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
