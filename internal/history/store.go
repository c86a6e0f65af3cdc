// Package history provides PostgreSQL-backed storage for session summaries.
// Each record captures who was paired with whom, the interest and mode, and
// how the session ended. Only pair metadata is stored — never message text.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store manages session summaries in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Record represents one completed (or torn-down) session.
type Record struct {
	RoomID       string
	ParticipantA string // stable session identity
	ParticipantB string
	Interest     string
	Mode         string
	EndReason    string // timeout | skipped | disconnect | ended
	StartedAt    time.Time
	Duration     time.Duration
}

// Open connects to PostgreSQL, verifies the connection, and runs any pending
// schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// runMigrations applies the embedded migrations against the database.
func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: apply migrations: %w", err)
	}
	return nil
}

// Create inserts a session summary. Callers treat this as best-effort; a
// failed insert must never block session teardown.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO session_history (room_id, participant_a, participant_b, interest, mode, end_reason, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RoomID,
		rec.ParticipantA,
		rec.ParticipantB,
		rec.Interest,
		rec.Mode,
		rec.EndReason,
		rec.StartedAt,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of sessions a stable identity participated
// in within the given window. Useful for abuse analysis and capacity review.
func (s *Store) CountRecent(ctx context.Context, stableID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM session_history
		WHERE (participant_a = $1 OR participant_b = $1)
		  AND created_at >= NOW() - make_interval(secs => $2)`

	var count int
	err := s.db.QueryRowContext(ctx, query, stableID, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("history: count recent: %w", err)
	}
	return count, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
