package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	_ "github.com/mattn/go-sqlite3"

	quarklog "github.com/quarkrt/quark/internal/log"
)

var log = quarklog.NewSubLogger("PSTD")

const (
	defaultMaxConns        = 25
	defaultConnMaxLifetime = 10 * time.Minute

	// latestMigrationVersion MUST be bumped whenever a migration file is
	// added under migrations/.
	latestMigrationVersion uint = 1
)

// SqliteConfig holds the arguments needed to open a Quark sqlite database.
type SqliteConfig struct {
	// SkipMigrations, if true, leaves the schema as-is on open instead of
	// applying pending migrations. Intended for read-only diagnostic
	// tools, not normal operation.
	SkipMigrations bool

	// DatabaseFileName is the full path to the database file.
	DatabaseFileName string
}

// DefaultDBPath returns the default path for a Quark silo's local
// database.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".quark", "silo.db"), nil
}

// SqliteStore owns the *sql.DB connection shared by SqliteClusterStore,
// SqliteStateStore, and SqliteReminderTable: WAL mode, pragma tuning, and
// a golang-migrate-driven schema over cluster_kv/actor_state/reminders.
type SqliteStore struct {
	cfg *SqliteConfig
	db  *sql.DB
	tx  *txExecutor
}

// NewSqliteStore opens (creating if necessary) the sqlite database named
// by cfg.DatabaseFileName, configures WAL mode and pragmas, and applies
// pending migrations unless cfg.SkipMigrations is set.
func NewSqliteStore(cfg *SqliteConfig) (*SqliteStore, error) {
	dir := filepath.Dir(cfg.DatabaseFileName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		cfg.DatabaseFileName,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxConns)
	db.SetMaxIdleConns(defaultMaxConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &SqliteStore{
		cfg: cfg,
		db:  db,
		tx:  newTxExecutor(db),
	}

	if !cfg.SkipMigrations {
		if err := s.runMigrations(); err != nil {
			db.Close()
			return nil, fmt.Errorf("error executing migrations: %w", err)
		}
	}

	return s, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA temp_store = MEMORY",
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}

	return nil
}

func (s *SqliteStore) runMigrations() error {
	driver, err := sqlite_migrate.WithInstance(s.db, &sqlite_migrate.Config{})
	if err != nil {
		return fmt.Errorf("error creating sqlite migration driver: %w", err)
	}

	return applyMigrations(driver)
}

func applyMigrations(driver database.Driver) error {
	fileServer, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("migrations", fileServer, "sqlite", driver)
	if err != nil {
		return err
	}

	m.Log = &migrationLogger{}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// migrationLogger adapts golang-migrate's Logger interface to btclog.
type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	format = strings.TrimRight(format, "\n")
	log.InfoS(context.Background(), fmt.Sprintf(format, v...))
}

func (migrationLogger) Verbose() bool { return true }

// Close closes the underlying database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// ClusterStore returns the ClusterStore view of this database.
func (s *SqliteStore) ClusterStore() *SqliteClusterStore {
	return &SqliteClusterStore{store: s}
}

// StateStore returns the StateStore view of this database.
func (s *SqliteStore) StateStore() *SqliteStateStore {
	return &SqliteStateStore{store: s}
}

// ReminderTable returns the ReminderTable view of this database.
func (s *SqliteStore) ReminderTable() *SqliteReminderTable {
	return &SqliteReminderTable{store: s}
}
