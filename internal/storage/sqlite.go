package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile is the ledger file name inside the data directory.
const DBFile = "threadcorpus.db"

// Store is the run ledger: one row per parse run plus the flushes and
// shards it produced.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, DBFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps :memory: databases shared and avoids
	// "database is locked" between the parser and the status server.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been recorded in
// schema_version yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Runs ---

// StartRun inserts r with status running and returns its id, generating
// one when r.ID is empty.
func (s *Store) StartRun(r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Settings == "" {
		r.Settings = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status, input, output_dir, compression, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(time.RFC3339), RunRunning,
		r.Input, r.OutputDir, r.Compression, r.Settings,
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return r.ID, nil
}

// FinishRun records the final status and totals of a run. errMsg is stored
// for failed runs and may be empty.
func (s *Store) FinishRun(id string, status RunStatus, totals RunTotals, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, records = ?, qualified = ?, chains = ?, turns = ?, shards = ?, error = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), status,
		totals.Records, totals.Qualified, totals.Chains, totals.Turns, totals.Shards, errMsg, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, input, output_dir, compression, settings,
	records, qualified, chains, turns, shards, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r          Run
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.Input, &r.OutputDir, &r.Compression, &r.Settings,
		&r.Records, &r.Qualified, &r.Chains, &r.Turns, &r.Shards, &r.Error); err != nil {
		return Run{}, err
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing finished_at: %w", err)
		}
		r.FinishedAt = t
	}
	return r, nil
}

func (s *Store) GetRun(id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneRuns deletes all but the newest keep runs, together with their
// flushes and shards, and returns how many runs were removed. Running runs
// are never pruned.
func (s *Store) PruneRuns(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`
		DELETE FROM runs
		WHERE status != ? AND id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, RunRunning, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Flushes ---

func (s *Store) RecordFlush(f Flush) error {
	if f.FlushedAt.IsZero() {
		f.FlushedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO flushes (run_id, seq, reason, lines, demoted, chains, turns, dropped, bytes, flushed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RunID, f.Seq, f.Reason, f.Lines, f.Demoted, f.Chains, f.Turns, f.Dropped, f.Bytes,
		f.FlushedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListFlushes returns the flushes of a run in sequence order.
func (s *Store) ListFlushes(runID string) ([]Flush, error) {
	rows, err := s.db.Query(`
		SELECT run_id, seq, reason, lines, demoted, chains, turns, dropped, bytes, flushed_at
		FROM flushes WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Flush
	for rows.Next() {
		var f Flush
		var flushedAt string
		if err := rows.Scan(&f.RunID, &f.Seq, &f.Reason, &f.Lines, &f.Demoted, &f.Chains, &f.Turns, &f.Dropped, &f.Bytes, &flushedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, flushedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing flushed_at: %w", err)
		}
		f.FlushedAt = t
		results = append(results, f)
	}
	return results, rows.Err()
}

// --- Shards ---

func (s *Store) RecordShard(sh Shard) error {
	if sh.ClosedAt.IsZero() {
		sh.ClosedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO shards (path, run_id, bytes, compressed_bytes, closed_at)
		VALUES (?, ?, ?, ?, ?)`,
		sh.Path, sh.RunID, sh.Bytes, sh.CompressedBytes, sh.ClosedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListShards returns the shards of a run in the order they were closed.
func (s *Store) ListShards(runID string) ([]Shard, error) {
	rows, err := s.db.Query(`
		SELECT run_id, path, bytes, compressed_bytes, closed_at
		FROM shards WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Shard
	for rows.Next() {
		var sh Shard
		var closedAt string
		if err := rows.Scan(&sh.RunID, &sh.Path, &sh.Bytes, &sh.CompressedBytes, &closedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, closedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		sh.ClosedAt = t
		results = append(results, sh)
	}
	return results, rows.Err()
}
