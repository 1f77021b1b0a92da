package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the run log, the retry job queue and
// small pieces of persisted state.
type Store struct {
	db *sql.DB
}

// pragmas are applied to every connection before migrations run. The
// store holds a single connection, so busy_timeout only matters for other
// processes opening the same file.
var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
}

// Open opens the run log in dataDir, creating it if needed, and applies
// pending migrations. ":memory:" opens a throwaway database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "papermill.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the embedded migrations/NNN_name.sql files not yet
// recorded in schema_version, lowest version first, each in its own
// transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	applied, err := s.AppliedMigrations()
	if err != nil {
		return err
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	pending := make(map[int]string, len(names))
	for _, name := range names {
		v, err := parseMigrationVersion(path.Base(name))
		if err != nil {
			return err
		}
		if prev, dup := pending[v]; dup {
			return fmt.Errorf("migrations %s and %s share version %d", prev, name, v)
		}
		if !slices.Contains(applied, v) {
			pending[v] = name
		}
	}

	for _, v := range slices.Sorted(maps.Keys(pending)) {
		if err := s.applyMigration(v, pending[v]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	body, err := fs.ReadFile(migrationsFS, name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	return tx.Commit()
}

// parseMigrationVersion reads the numeric prefix of "001_init.sql".
func parseMigrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	v, err := strconv.Atoi(prefix)
	if !ok || err != nil {
		return 0, fmt.Errorf("migration %q: name must start with a version number", name)
	}
	return v, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_version ORDER BY version`)
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

const runColumns = `id, work_item_id, title, topic, language, target_length, status, archive_id, archive_link,
	document, error, pool_exhausted, attempts, created_at, updated_at`

// AppendRun adds a run to the log. Runs are never deleted.
func (s *Store) AppendRun(r Run) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkItemID, r.Title, r.Topic, r.Language, r.TargetLength, r.Status, r.ArchiveID, r.ArchiveLink,
		r.Document, r.Error, r.PoolExhausted, r.Attempts,
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetRun(id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs first. An empty status matches all.
func (s *Store) ListRuns(limit int, status string) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
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

// UpdateRunAfterRetry rewrites a failed run with the outcome of a retry.
// Only failed runs can be rewritten; a published run is final.
func (s *Store) UpdateRunAfterRetry(r Run) error {
	if err := r.Validate(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM runs WHERE id = ?`, r.ID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusPublished {
		return fmt.Errorf("run %s is already published: %w", r.ID, ErrInvalidTransition)
	}

	_, err = tx.Exec(`
		UPDATE runs SET title = ?, status = ?, archive_id = ?, archive_link = ?, document = ?, error = ?,
			pool_exhausted = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?`,
		r.Title, r.Status, r.ArchiveID, r.ArchiveLink, r.Document, r.Error, r.PoolExhausted,
		time.Now().UTC().Format(time.RFC3339), r.ID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CountRunsByStatus returns the number of runs per status.
func (s *Store) CountRunsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.WorkItemID, &r.Title, &r.Topic, &r.Language, &r.TargetLength, &r.Status,
		&r.ArchiveID, &r.ArchiveLink, &r.Document, &r.Error, &r.PoolExhausted, &r.Attempts, &createdAt, &updatedAt)
	if err != nil {
		return Run{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Run{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// --- State ---

const cursorKey = "credential_cursor"

func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SaveCursor persists the last-known-good credential cursor.
func (s *Store) SaveCursor(cursor int) error {
	return s.SetState(cursorKey, strconv.Itoa(cursor))
}

// LoadCursor returns the persisted cursor, or ErrNotFound.
func (s *Store) LoadCursor() (int, error) {
	v, err := s.GetState(cursorKey)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing cursor %q: %w", v, err)
	}
	return n, nil
}
