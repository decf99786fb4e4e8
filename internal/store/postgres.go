package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lowaak/treadmill-bridge/internal/session"
)

// Querier represents the minimal database operations used by the remote store.
// Both *pgxpool.Pool and pgxmock pools satisfy this interface.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Remote is where flagged records are pushed
type Remote interface {
	Upsert(ctx context.Context, rec Record) error
}

func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PostgresRemote keeps the sessions table in the remote database
type PostgresRemote struct {
	db       Querier
	location *time.Location
}

var _ Remote = (*PostgresRemote)(nil)

// NewPostgresRemote reads record datetimes as wall clock time in loc (time.Local when nil)
func NewPostgresRemote(db Querier, loc *time.Location) *PostgresRemote {
	if loc == nil {
		loc = time.Local
	}
	return &PostgresRemote{db: db, location: loc}
}

func (p *PostgresRemote) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id        TEXT PRIMARY KEY,
			datetime  TIMESTAMP NOT NULL,
			km        INT NOT NULL,
			elapsed   INT NOT NULL,
			avg_speed DOUBLE PRECISION NOT NULL,
			avg_bpm   DOUBLE PRECISION NOT NULL,
			kcal      INT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create remote sessions table: %w", err)
	}
	return nil
}

// Upsert writes rec keyed on its id, so pushing the same record twice leaves one row
func (p *PostgresRemote) Upsert(ctx context.Context, rec Record) error {
	dt, err := time.ParseInLocation(session.DateTimeLayout, rec.DateTime, p.location)
	if err != nil {
		return fmt.Errorf("parse datetime %q: %w", rec.DateTime, err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO sessions (id, datetime, km, elapsed, avg_speed, avg_bpm, kcal)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			datetime = EXCLUDED.datetime,
			km = EXCLUDED.km,
			elapsed = EXCLUDED.elapsed,
			avg_speed = EXCLUDED.avg_speed,
			avg_bpm = EXCLUDED.avg_bpm,
			kcal = EXCLUDED.kcal
	`, rec.ID, dt, rec.Km, rec.ElapsedS, rec.AvgSpeedKmh, rec.AvgBpm, rec.EnergyKcal)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}
