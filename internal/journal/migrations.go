package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version int
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	target_id TEXT NOT NULL,
	provenance TEXT NOT NULL,
	ra_deg REAL NOT NULL,
	dec_deg REAL NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	final_phase TEXT,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS frames (
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	name TEXT NOT NULL,
	target_id TEXT NOT NULL,
	filter TEXT NOT NULL,
	exposure_seconds REAL NOT NULL,
	phase TEXT NOT NULL,
	started_at TEXT NOT NULL,
	PRIMARY KEY(session_id, sequence),
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS corrections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	frame_name TEXT NOT NULL,
	offset_arcsec REAL NOT NULL,
	applied INTEGER NOT NULL,
	rotated INTEGER NOT NULL,
	subphase TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS mirror_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	remote_at TEXT NOT NULL,
	ra_deg REAL NOT NULL,
	dec_deg REAL NOT NULL,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS mirror_records_fingerprint ON mirror_records(fingerprint);
`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if n > 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
