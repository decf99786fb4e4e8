package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lowaak/treadmill-bridge/internal/session"
)

// SQLiteLocal is the durable local log of session records
type SQLiteLocal struct {
	db *sql.DB
}

// NewSQLiteLocal opens (or creates) the database at dbPath and runs the migration
func NewSQLiteLocal(dbPath string) (*SQLiteLocal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// one connection serializes the link, dashboard, HTTP and sync writers
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteLocal{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			datetime   TEXT NOT NULL,
			km         INTEGER NOT NULL DEFAULT 0,
			elapsed    INTEGER NOT NULL DEFAULT 0,
			avg_speed  REAL NOT NULL DEFAULT 0,
			avg_bpm    REAL NOT NULL DEFAULT 0,
			kcal       INTEGER NOT NULL DEFAULT 0,
			needs_sync INTEGER NOT NULL DEFAULT 1
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_needs_sync ON sessions (needs_sync)`)
	return err
}

func (s *SQLiteLocal) Close() error {
	return s.db.Close()
}

// Put writes rec and flags it for sync. A record with the same id is replaced.
func (s *SQLiteLocal) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, datetime, km, elapsed, avg_speed, avg_bpm, kcal, needs_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			datetime = excluded.datetime,
			km = excluded.km,
			elapsed = excluded.elapsed,
			avg_speed = excluded.avg_speed,
			avg_bpm = excluded.avg_bpm,
			kcal = excluded.kcal,
			needs_sync = 1`,
		rec.ID, string(rec.Kind), rec.DateTime, rec.Km, rec.ElapsedS, rec.AvgSpeedKmh, rec.AvgBpm, rec.EnergyKcal,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = "SELECT id, kind, datetime, km, elapsed, avg_speed, avg_bpm, kcal, needs_sync FROM sessions"

func (s *SQLiteLocal) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List returns every record, oldest first
func (s *SQLiteLocal) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, selectColumns+" ORDER BY rowid")
}

// Pending returns the records still flagged for sync, oldest first
func (s *SQLiteLocal) Pending(ctx context.Context) ([]Record, error) {
	return s.query(ctx, selectColumns+" WHERE needs_sync = 1 ORDER BY rowid")
}

func (s *SQLiteLocal) MarkSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET needs_sync = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("clear sync flag for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteLocal) query(ctx context.Context, query string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var kind string
	var needsSync int
	err := row.Scan(&rec.ID, &kind, &rec.DateTime, &rec.Km, &rec.ElapsedS, &rec.AvgSpeedKmh, &rec.AvgBpm, &rec.EnergyKcal, &needsSync)
	if err != nil {
		return Record{}, err
	}
	rec.Kind = session.RecordKind(kind)
	rec.NeedsSync = needsSync != 0
	return rec, nil
}
