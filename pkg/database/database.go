// Package database opens the PostgreSQL pool that backs the chat transcript
// store and applies per-component schema migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/instantcocoa/dorastudio/pkg/config"
	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// PingAttempts is how many times Connect pings before giving up.
	PingAttempts int
	PingBackoff  time.Duration
}

// DefaultConfig returns the pool settings used for the transcript store.
// Transcript writes are small and infrequent, so the pool stays narrow.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "studio",
		Database:        "studio",
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingAttempts:    3,
		PingBackoff:     200 * time.Millisecond,
	}
}

// FromConfig maps the STUDIO_DB_* settings onto a pool configuration.
func FromConfig(cfg *config.Config) *Config {
	c := DefaultConfig()
	c.Host = cfg.DBHost
	c.Port = cfg.DBPort
	c.User = cfg.DBUser
	c.Password = cfg.DBPassword
	c.Database = cfg.DBName
	c.SSLMode = cfg.DBSSLMode
	return c
}

// Validate reports settings that would never produce a connection.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("database port %d out of range", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

// DSN returns the lib/pq keyword/value connection string. Values are quoted
// when they are empty or contain spaces, quotes or backslashes.
func (c *Config) DSN() string {
	pairs := []struct{ k, v string }{
		{"host", c.Host},
		{"port", strconv.Itoa(c.Port)},
		{"user", c.User},
		{"password", c.Password},
		{"dbname", c.Database},
		{"sslmode", c.SSLMode},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.k+"="+dsnValue(p.v))
	}
	return strings.Join(parts, " ")
}

func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// DB wraps sql.DB with a logger.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Connect opens the pool and pings it, retrying with a doubling backoff.
// Failures are classified as Unreachable or Timeout.
func Connect(ctx context.Context, cfg *Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := ping(ctx, db, cfg.PingAttempts, cfg.PingBackoff); err != nil {
		db.Close()
		return nil, fault.Classify(err, fmt.Sprintf("ping postgres at %s:%d", cfg.Host, cfg.Port))
	}

	return &DB{DB: db, logger: slog.Default()}, nil
}

func ping(ctx context.Context, db *sql.DB, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << i):
		}
	}
	return err
}

// WithLogger sets the logger for the database.
func (db *DB) WithLogger(logger *slog.Logger) *DB {
	db.logger = logger
	return db
}

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

var componentPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Migrator applies the migrations of one component. Each component records
// its applied versions in its own <component>_schema_migrations table.
type Migrator struct {
	db         *DB
	component  string
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrator creates a migrator for component, which must be a lower-case
// SQL identifier.
func NewMigrator(db *DB, component string) *Migrator {
	return &Migrator{
		db:        db,
		component: component,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the migrator.
func (m *Migrator) WithLogger(logger *slog.Logger) *Migrator {
	m.logger = logger
	return m
}

// Add appends migrations and keeps them ordered by version.
func (m *Migrator) Add(migs ...Migration) {
	m.migrations = append(m.migrations, migs...)
	sort.SliceStable(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// Migrations returns the loaded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

// parseMigrationFile splits "001_create_messages.up.sql" into its version,
// name and direction.
func parseMigrationFile(file string) (version int, name string, up bool, ok bool) {
	prefix, rest, found := strings.Cut(file, "_")
	if !found {
		return 0, "", false, false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", false, false
	}
	switch {
	case strings.HasSuffix(rest, ".up.sql"):
		return version, strings.TrimSuffix(rest, ".up.sql"), true, true
	case strings.HasSuffix(rest, ".down.sql"):
		return version, strings.TrimSuffix(rest, ".down.sql"), false, true
	}
	return 0, "", false, false
}

// LoadMigrations replaces the migration set with the files in dir, usually
// of an embed.FS. Files that do not follow the naming scheme are skipped. Two
// names for one version, or a version without an up file, is an error.
func (m *Migrator) LoadMigrations(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, ok := parseMigrationFile(entry.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		mig, seen := byVersion[version]
		if !seen {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		} else if mig.Name != name {
			return fmt.Errorf("migration %d has two names: %s and %s", version, mig.Name, name)
		}
		if up {
			mig.Up = string(content)
		} else {
			mig.Down = string(content)
		}
	}

	m.migrations = m.migrations[:0]
	for _, mig := range byVersion {
		if mig.Up == "" {
			return fmt.Errorf("migration %d (%s) has no up file", mig.Version, mig.Name)
		}
		m.migrations = append(m.migrations, *mig)
	}
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

func (m *Migrator) table() string {
	return m.component + "_schema_migrations"
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	if !componentPattern.MatchString(m.component) {
		return fmt.Errorf("invalid migration component %q", m.component)
	}
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+m.table()+` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("failed to ensure %s: %w", m.table(), err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM "+m.table())
	if err != nil {
		return nil, fmt.Errorf("failed to read applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// inTx runs fn in a transaction and commits when it returns nil.
func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Pending returns the loaded migrations not yet applied, in version order.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Up applies every pending migration, each in its own transaction, and
// returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}

	for i, mig := range pending {
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
				return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO "+m.table()+" (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return i, err
		}
		m.logger.InfoContext(ctx, "applied migration", "component", m.component, "version", mig.Version, "name", mig.Name)
	}
	return len(pending), nil
}

// Down rolls back the highest applied migration. It is a no-op when nothing
// is applied.
func (m *Migrator) Down(ctx context.Context) error {
	version, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		m.logger.InfoContext(ctx, "no migrations to roll back", "component", m.component)
		return nil
	}

	idx := sort.Search(len(m.migrations), func(i int) bool { return m.migrations[i].Version >= version })
	if idx == len(m.migrations) || m.migrations[idx].Version != version {
		return fmt.Errorf("migration %d not found", version)
	}
	mig := m.migrations[idx]

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
			return fmt.Errorf("failed to roll back migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM "+m.table()+" WHERE version = $1", mig.Version)
		return err
	})
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "rolled back migration", "component", m.component, "version", mig.Version, "name", mig.Name)
	return nil
}

// Version returns the highest applied version, 0 when none.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+m.table()).Scan(&version)
	return version, err
}
