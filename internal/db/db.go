package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

const migrationsTable = "beehive_schema_migrations"

// ConnInfo describes one database endpoint. The engine never builds
// connection strings itself; Open does it per driver.
type ConnInfo struct {
	Driver   string            `yaml:"driver"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	Path     string            `yaml:"path"`
	Params   map[string]string `yaml:"params"`
}

// Label returns a printable identifier without credentials.
func (c ConnInfo) Label() string {
	switch normalizeDriver(c.Driver) {
	case DialectSQLite:
		return "sqlite:" + c.Path
	default:
		return fmt.Sprintf("%s://%s/%s", normalizeDriver(c.Driver), net.JoinHostPort(c.Host, strconv.Itoa(c.port())), c.Database)
	}
}

func (c ConnInfo) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if normalizeDriver(c.Driver) == DialectPostgres {
		return 5432
	}
	return 3306
}

// Executor is the query surface shared by *sql.DB, *sql.Tx and *sql.Conn.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Handle pairs an executor with the dialect generated SQL must follow.
type Handle interface {
	Executor() Executor
	Dialect() Dialect
}

// DB wraps a database pool together with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
	label   string
}

// Open connects to the endpoint described by info.
func Open(info ConnInfo) (*DB, error) {
	dialect := Dialect{name: normalizeDriver(info.Driver)}

	var (
		driverName string
		dsn        string
	)
	switch dialect.name {
	case DialectMySQL:
		cfg := mysql.NewConfig()
		cfg.User = info.User
		cfg.Passwd = info.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(info.Host, strconv.Itoa(info.port()))
		cfg.DBName = info.Database
		if len(info.Params) > 0 {
			cfg.Params = info.Params
		}
		driverName, dsn = "mysql", cfg.FormatDSN()
	case DialectPostgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(info.Host, strconv.Itoa(info.port())),
			Path:   "/" + info.Database,
		}
		if info.User != "" {
			u.User = url.UserPassword(info.User, info.Password)
		}
		q := url.Values{}
		for k, v := range info.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		driverName, dsn = "pgx", u.String()
	case DialectSQLite:
		if info.Path == "" {
			return nil, fmt.Errorf("sqlite database path not specified")
		}
		if err := os.MkdirAll(filepath.Dir(info.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// Pragmas go in the DSN so every pooled connection gets them.
		driverName, dsn = "sqlite3", "file:"+info.Path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate"
	default:
		return nil, fmt.Errorf("unsupported driver %q", info.Driver)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", info.Label(), err)
	}

	return &DB{DB: conn, dialect: dialect, label: info.Label()}, nil
}

// Executor implements Handle.
func (db *DB) Executor() Executor {
	return db.DB
}

// Dialect implements Handle.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Label returns the credential-free endpoint name.
func (db *DB) Label() string {
	return db.label
}

// Conn is a dedicated connection taken out of the pool.
type Conn struct {
	*sql.Conn
	dialect Dialect
}

// Dedicated reserves one connection for exclusive use by the caller.
func (db *DB) Dedicated(ctx context.Context) (*Conn, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	return &Conn{Conn: c, dialect: db.dialect}, nil
}

// Executor implements Handle.
func (c *Conn) Executor() Executor {
	return c.Conn
}

// Dialect implements Handle.
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

// Tx is a transaction that remembers its dialect.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// NewTx wraps an open transaction.
func NewTx(tx *sql.Tx, dialect Dialect) *Tx {
	return &Tx{Tx: tx, dialect: dialect}
}

// Executor implements Handle.
func (t *Tx) Executor() Executor {
	return t.Tx
}

// Dialect implements Handle.
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// Migrate applies pending engine state migrations for this dialect.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	migrations, err := db.migrationFiles()
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version VARCHAR(255) PRIMARY KEY,
		applied_at VARCHAR(64) NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", migrationsTable, err)
	}

	var applied []string
	for _, migration := range migrations {
		var count int
		q := db.dialect.Rebind("SELECT COUNT(*) FROM " + migrationsTable + " WHERE version = ?")
		if err := db.QueryRowContext(ctx, q, migration).Scan(&count); err != nil {
			return applied, fmt.Errorf("failed to check migration status for %s: %w", migration, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", db.dialect.name, migration))
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", migration, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("failed to begin transaction for %s: %w", migration, err)
		}
		for _, stmt := range SplitStatements(string(content)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("failed to execute migration %s: %w", migration, err)
			}
		}
		q = db.dialect.Rebind("INSERT INTO " + migrationsTable + " (version, applied_at) VALUES (?, ?)")
		if _, err := tx.ExecContext(ctx, q, migration, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %s: %w", migration, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %s: %w", migration, err)
		}
		applied = append(applied, migration)
	}

	return applied, nil
}

// MigrationStatus returns lists of applied and pending migrations.
func (db *DB) MigrationStatus(ctx context.Context) (applied []string, pending []string, err error) {
	all, err := db.migrationFiles()
	if err != nil {
		return nil, nil, err
	}

	exists, err := db.dialect.TableExists(ctx, db, migrationsTable)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check for %s table: %w", migrationsTable, err)
	}
	if !exists {
		return nil, all, nil
	}

	appliedSet := make(map[string]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM "+migrationsTable+" ORDER BY version")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query %s: %w", migrationsTable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedSet[version] = true
		applied = append(applied, version)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	for _, m := range all {
		if !appliedSet[m] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

// RequiresMigrationError returns a descriptive error when state migrations are pending.
func (db *DB) RequiresMigrationError(ctx context.Context) error {
	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	currentVersion := "none"
	if len(applied) > 0 {
		currentVersion = applied[len(applied)-1]
	}
	return fmt.Errorf("database at %s (version: %s) requires migration: %d pending migration(s). Run 'beehive migrate' to update",
		db.label, currentVersion, len(pending))
}

func (db *DB) migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir(path.Join("migrations", db.dialect.name))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)
	return migrations, nil
}

// SplitStatements splits a migration script on statement terminators.
// Scripts must not contain semicolons inside literals.
func SplitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		lines := strings.Split(part, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			kept = append(kept, line)
		}
		stmt := strings.TrimSpace(strings.Join(kept, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql", "mariadb":
		return DialectMySQL
	case "postgres", "postgresql", "pgx":
		return DialectPostgres
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return strings.ToLower(driver)
	}
}
