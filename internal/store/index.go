package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed width so lexical order matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ReportIndex is a SQLite projection of finalized reports
type ReportIndex struct {
	db *sql.DB
}

// OpenReportIndex opens or creates the index database at dbPath
func OpenReportIndex(ctx context.Context, dbPath string) (*ReportIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer
	db.SetMaxOpenConns(1)

	idx := &ReportIndex{db: db}
	if err := idx.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *ReportIndex) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS reports (
  session_id TEXT PRIMARY KEY,
  meeting_id TEXT,
  finalized_at TEXT NOT NULL,
  turns INTEGER NOT NULL,
  summary_points INTEGER NOT NULL,
  speakers INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_finalized_at ON reports(finalized_at);
`
	if _, err := x.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create reports table: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the row for a report
func (x *ReportIndex) Upsert(ctx context.Context, r ReportSummary) error {
	return upsert(ctx, x.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, r ReportSummary) error {
	const stmt = `
INSERT INTO reports (session_id, meeting_id, finalized_at, turns, summary_points, speakers)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  meeting_id=excluded.meeting_id,
  finalized_at=excluded.finalized_at,
  turns=excluded.turns,
  summary_points=excluded.summary_points,
  speakers=excluded.speakers;
`
	_, err := db.ExecContext(ctx, stmt,
		r.SessionID,
		r.MeetingID,
		r.FinalizedAt.UTC().Format(timeLayout),
		r.Turns,
		r.SummaryPoints,
		r.Speakers,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// Rebuild replaces the whole index with rows
func (x *ReportIndex) Rebuild(ctx context.Context, rows []ReportSummary) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM reports`); err != nil {
		return fmt.Errorf("reset reports: %w", err)
	}
	for _, r := range rows {
		if err := upsert(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// List returns up to limit rows, newest first. limit <= 0 returns all rows.
func (x *ReportIndex) List(ctx context.Context, limit int) ([]ReportSummary, error) {
	query := `SELECT session_id, COALESCE(meeting_id, ''), finalized_at, turns, summary_points, speakers
FROM reports ORDER BY finalized_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	out := []ReportSummary{}
	for rows.Next() {
		var (
			r           ReportSummary
			finalizedAt string
		)
		if err := rows.Scan(&r.SessionID, &r.MeetingID, &finalizedAt, &r.Turns, &r.SummaryPoints, &r.Speakers); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.FinalizedAt, err = time.Parse(timeLayout, finalizedAt)
		if err != nil {
			return nil, fmt.Errorf("parse finalized_at %q: %w", finalizedAt, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// Close closes the database
func (x *ReportIndex) Close() error {
	return x.db.Close()
}
