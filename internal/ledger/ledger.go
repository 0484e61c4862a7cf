// Package ledger is a SQLite-backed store for the dead-letter list, conflict
// records, and refresh-cycle history — forensic/crash-recovery bookkeeping
// around the synchronization core. Rows are appended; the one update is
// ResolveConflict marking a conflict row resolved. It is never the
// live Replica, which stays in memory and is rebuilt by the Scanners on
// every startup.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a *sql.DB against the embedded migration set.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// any pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("ledger: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("ledger: applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDeadLetter appends a permanently-failed action to the dead-letter
// list (spec §4.F "Failure handling").
func (s *Store) RecordDeadLetter(actionType, side, path, errMsg string) error {
	_, err := s.db.Exec(
		`INSERT INTO dead_letters (id, action_type, side, path, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), actionType, side, path, errMsg, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording dead letter: %w", err)
	}

	return nil
}

// DeadLetter mirrors a dead_letters row.
type DeadLetter struct {
	ID         string
	ActionType string
	Side       string
	Path       string
	Error      string
	CreatedAt  time.Time
}

// ListDeadLetters returns every recorded dead letter, newest first.
func (s *Store) ListDeadLetters() ([]DeadLetter, error) {
	rows, err := s.db.Query(`SELECT id, action_type, side, path, error, created_at FROM dead_letters ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter

	for rows.Next() {
		var d DeadLetter

		var createdAt int64

		if err := rows.Scan(&d.ID, &d.ActionType, &d.Side, &d.Path, &d.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning dead letter row: %w", err)
		}

		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, d)
	}

	return out, rows.Err()
}

// Conflict mirrors a conflicts row.
type Conflict struct {
	ID           string
	Path         string
	ConflictType string
	DetectedAt   time.Time
	Resolved     bool
	Resolution   string
}

// RecordConflict appends a standoff or kind-mismatch record (spec §7).
func (s *Store) RecordConflict(path, conflictType string) error {
	_, err := s.db.Exec(
		`INSERT INTO conflicts (id, path, conflict_type, detected_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), path, conflictType, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording conflict: %w", err)
	}

	return nil
}

// ListUnresolvedConflicts returns every conflict not yet resolved.
func (s *Store) ListUnresolvedConflicts() ([]Conflict, error) {
	rows, err := s.db.Query(`SELECT id, path, conflict_type, detected_at, resolved, resolution FROM conflicts WHERE resolved = 0 ORDER BY detected_at`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict

	for rows.Next() {
		var c Conflict

		var detectedAt int64

		var resolved int

		var resolution sql.NullString

		if err := rows.Scan(&c.ID, &c.Path, &c.ConflictType, &detectedAt, &resolved, &resolution); err != nil {
			return nil, fmt.Errorf("ledger: scanning conflict row: %w", err)
		}

		c.DetectedAt = time.Unix(detectedAt, 0).UTC()
		c.Resolved = resolved != 0
		c.Resolution = resolution.String
		out = append(out, c)
	}

	return out, rows.Err()
}

// ResolveConflict marks a conflict resolved with the given strategy
// (keep_local / keep_remote / keep_both).
func (s *Store) ResolveConflict(id, resolution string) error {
	res, err := s.db.Exec(`UPDATE conflicts SET resolved = 1, resolution = ? WHERE id = ?`, resolution, id)
	if err != nil {
		return fmt.Errorf("ledger: resolving conflict: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: checking resolve result: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("ledger: no conflict with id %q", id)
	}

	return nil
}

// RecordRefreshCycle appends a row to refresh_history for operator
// forensics (supplemented feature, SPEC_FULL.md §3).
func (s *Store) RecordRefreshCycle(startedAt time.Time, duration time.Duration, outcome, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO refresh_history (id, started_at, duration_ms, outcome, detail) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), startedAt.Unix(), duration.Milliseconds(), outcome, detail,
	)
	if err != nil {
		return fmt.Errorf("ledger: recording refresh cycle: %w", err)
	}

	return nil
}
