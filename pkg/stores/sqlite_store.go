package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openrig/openrig/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteTimeFormat is the datetime layout SQLite parses natively.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// SQLiteStore implements the Store interface using SQLite. Identity
// mutations are staged in memory and become durable only when Commit
// flushes them in a single transaction. Reads observe staged mutations
// before falling back to committed rows. The action log is append-only
// and written immediately, outside the staging overlay.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config

	mu               sync.Mutex
	stagedNamespaces map[string]struct{}
	staged           map[string]map[string]*string // nil value marks a staged deletion
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path:             cfg.Path,
		cfg:              cfg,
		stagedNamespaces: make(map[string]struct{}),
		staged:           make(map[string]map[string]*string),
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection. Staged mutations that were never
// committed are discarded.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get returns the identifier stored under (namespace, name). Staged
// mutations shadow committed rows; a staged deletion reports absence.
// A missing namespace or name is not an error.
func (s *SQLiteStore) Get(ctx context.Context, namespace, name string) (string, bool, error) {
	s.mu.Lock()
	if entries, ok := s.staged[namespace]; ok {
		if value, ok := entries[name]; ok {
			s.mu.Unlock()
			if value == nil {
				return "", false, nil
			}
			return *value, true, nil
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return "", false, fmt.Errorf("database not initialized")
	}

	query := `SELECT identifier FROM identifiers WHERE namespace = ? AND name = ?`

	var identifier string
	err := s.db.QueryRowContext(ctx, query, namespace, name).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get identifier: %w", err)
	}

	return identifier, true, nil
}

// Set stages an identifier write. The mutation is visible to Get and List
// immediately but durable only after Commit.
func (s *SQLiteStore) Set(ctx context.Context, namespace, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged[namespace] == nil {
		s.staged[namespace] = make(map[string]*string)
	}
	s.staged[namespace][name] = &value
	return nil
}

// Delete stages an identifier removal. Deleting an absent entry is not an
// error.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged[namespace] == nil {
		s.staged[namespace] = make(map[string]*string)
	}
	s.staged[namespace][name] = nil
	return nil
}

// EnsureNamespace stages namespace creation. Ensuring an existing namespace
// is a no-op.
func (s *SQLiteStore) EnsureNamespace(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stagedNamespaces[namespace] = struct{}{}
	return nil
}

// List returns all entries in a namespace with staged mutations applied.
// A missing namespace yields an empty map.
func (s *SQLiteStore) List(ctx context.Context, namespace string) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `SELECT name, identifier FROM identifiers WHERE namespace = ?`

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, identifier string
		if err := rows.Scan(&name, &identifier); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		out[name] = identifier
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identifiers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range s.staged[namespace] {
		if value == nil {
			delete(out, name)
			continue
		}
		out[name] = *value
	}

	return out, nil
}

// Commit flushes all staged mutations in a single transaction. On success
// the staging overlay is cleared; on failure it is left intact so the
// caller can retry. Commit with nothing staged is a successful no-op.
func (s *SQLiteStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) == 0 && len(s.stagedNamespaces) == 0 {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := s.flushStaged(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.stagedNamespaces = make(map[string]struct{})
	s.staged = make(map[string]map[string]*string)
	return nil
}

// flushStaged applies staged namespaces, writes, and deletions to the
// transaction. Caller holds s.mu.
func (s *SQLiteStore) flushStaged(ctx context.Context, tx *sql.Tx) error {
	nsQuery := `INSERT INTO namespaces (name) VALUES (?) ON CONFLICT(name) DO NOTHING`

	for namespace := range s.stagedNamespaces {
		if _, err := tx.ExecContext(ctx, nsQuery, namespace); err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
		}
	}
	// Namespaces are also created for staged writes so a Set without a
	// prior EnsureNamespace does not trip the foreign key.
	for namespace := range s.staged {
		if _, err := tx.ExecContext(ctx, nsQuery, namespace); err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
		}
	}

	setQuery := `
		INSERT INTO identifiers (namespace, name, identifier)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace, name) DO UPDATE SET
			identifier = excluded.identifier,
			updated_at = CURRENT_TIMESTAMP
	`
	deleteQuery := `DELETE FROM identifiers WHERE namespace = ? AND name = ?`

	for namespace, entries := range s.staged {
		for name, value := range entries {
			if value == nil {
				if _, err := tx.ExecContext(ctx, deleteQuery, namespace, name); err != nil {
					return fmt.Errorf("failed to delete identifier %s/%s: %w", namespace, name, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, setQuery, namespace, name, *value); err != nil {
				return fmt.Errorf("failed to set identifier %s/%s: %w", namespace, name, err)
			}
		}
	}

	return nil
}

// RecordAction appends a dispatch record to the action log. Records are
// written immediately, outside the identity staging overlay.
func (s *SQLiteStore) RecordAction(ctx context.Context, record *engine.ActionRecord) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if record == nil {
		return fmt.Errorf("action record is required")
	}

	query := `
		INSERT INTO action_log (run_id, machine, machine_id, action, status, error, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var machineID *string
	if record.MachineID != "" {
		machineID = &record.MachineID
	}
	var errMsg *string
	if record.Error != "" {
		errMsg = &record.Error
	}

	_, err := s.db.ExecContext(ctx, query,
		record.RunID,
		record.Machine,
		machineID,
		record.Action,
		string(record.Status),
		errMsg,
		record.StartedAt.UTC().Format(sqliteTimeFormat),
		record.CompletedAt.UTC().Format(sqliteTimeFormat),
		record.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}

	return nil
}

// ListNamespaces lists all committed namespaces.
func (s *SQLiteStore) ListNamespaces(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `SELECT name FROM namespaces ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	namespaces := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		namespaces = append(namespaces, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespaces: %w", err)
	}

	return namespaces, nil
}

// ListIdentifiers lists committed identifier rows in a namespace. Staged
// mutations are not reflected; use List for the read-your-writes view.
func (s *SQLiteStore) ListIdentifiers(ctx context.Context, namespace string) ([]*IdentityEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT namespace, name, identifier, created_at, updated_at
		FROM identifiers
		WHERE namespace = ?
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	defer rows.Close()

	entries := []*IdentityEntry{}
	for rows.Next() {
		entry := &IdentityEntry{}
		err := rows.Scan(
			&entry.Namespace,
			&entry.Name,
			&entry.Identifier,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identifiers: %w", err)
	}

	return entries, nil
}

// ListActions lists action log records, newest first, with pagination.
// An empty machine filter matches all machines.
func (s *SQLiteStore) ListActions(ctx context.Context, machine string, limit, offset int) ([]*engine.ActionRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT run_id, machine, machine_id, action, status, error, started_at, completed_at, duration_ms
		FROM action_log
		WHERE (? = '' OR machine = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, machine, machine, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	records := []*engine.ActionRecord{}
	for rows.Next() {
		record := &engine.ActionRecord{}
		var machineID, errMsg sql.NullString
		var status string
		var durationMs int64
		err := rows.Scan(
			&record.RunID,
			&record.Machine,
			&machineID,
			&record.Action,
			&status,
			&errMsg,
			&record.StartedAt,
			&record.CompletedAt,
			&durationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		record.MachineID = machineID.String
		record.Status = engine.RunStatus(status)
		record.Error = errMsg.String
		record.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action records: %w", err)
	}

	return records, nil
}

// PruneActions deletes action log records completed before the given time
// and returns the number of rows removed.
func (s *SQLiteStore) PruneActions(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `DELETE FROM action_log WHERE datetime(completed_at) < datetime(?)`

	result, err := s.db.ExecContext(ctx, query, before.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune actions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
