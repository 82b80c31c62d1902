// Package dbhost performs the administrative operations the provisioner needs on the
// server that hosts tenant databases: existence checks, CREATE/DROP DATABASE, loading a
// seed script into a new database and rewriting rows of its options table.
//
// Every operation opens its own connection and closes it before returning. Database,
// table and column names are checked against a strict pattern and quoted by the dialect;
// all values travel as bind parameters.
package dbhost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"
	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/seed"
)

var (
	// ErrDatabaseExists is returned by CreateDatabase when the database is already present.
	ErrDatabaseExists = errors.New("database already exists")
	// ErrInvalidName is returned for names that do not match the allowed pattern.
	ErrInvalidName = errors.New("invalid name")
)

var (
	databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	sqlNamePattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ScriptError reports the seed statement that failed. Index is 1-based.
type ScriptError struct {
	Index int
	Err   error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("statement %d: %v", e.Index, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Option is one row of a tenant's options table.
type Option struct {
	Name  string
	Value string
}

// OptionsTable names the table and columns holding site options.
type OptionsTable struct {
	Table       string
	NameColumn  string
	ValueColumn string
}

func (t OptionsTable) validate() error {
	for _, n := range []string{t.Table, t.NameColumn, t.ValueColumn} {
		if !sqlNamePattern.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidName, n)
		}
	}
	return nil
}

// Host is the set of administrative operations on the tenant database server.
type Host interface {
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	ExecScript(ctx context.Context, database string, statements []string) error
	SetOptions(ctx context.Context, database string, table OptionsTable, options []Option) error
	Ping(ctx context.Context) error
	MaxNameLength() int
	SplitOptions() seed.SplitOptions
}

// Conn is an open connection to the host.
type Conn interface {
	sqlx.ExtContext
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// ConnectFunc opens a connection to database; "" selects the administrative database.
type ConnectFunc func(ctx context.Context, database string) (Conn, error)

// SQLHost implements Host over database/sql
type SQLHost struct {
	dialect Dialect
	adminDB string
	connect ConnectFunc
}

// New creates a host for the configured tenant database server
func New(cfg config.TenantHostConfig) (*SQLHost, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return NewWithConnector(dialect, cfg.AdminDatabase, dialConnector(cfg, dialect)), nil
}

// NewWithConnector creates a host that obtains connections from connect
func NewWithConnector(dialect Dialect, adminDB string, connect ConnectFunc) *SQLHost {
	return &SQLHost{dialect: dialect, adminDB: adminDB, connect: connect}
}

func dialConnector(cfg config.TenantHostConfig, dialect Dialect) ConnectFunc {
	return func(ctx context.Context, database string) (Conn, error) {
		db, err := sqlx.Open(dialect.DriverName(), dialect.DSN(cfg, database))
		if err != nil {
			return nil, fmt.Errorf("failed to open tenant host connection: %w", err)
		}
		// One session per operation so session settings in the seed apply to later statements.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to tenant host: %w", err)
		}
		return db, nil
	}
}

// Dialect returns the host's dialect
func (h *SQLHost) Dialect() Dialect {
	return h.dialect
}

// MaxNameLength returns the longest database name the host accepts
func (h *SQLHost) MaxNameLength() int {
	return h.dialect.MaxNameLength()
}

// SplitOptions returns the statement splitting rules for the host's dialect
func (h *SQLHost) SplitOptions() seed.SplitOptions {
	return h.dialect.SplitOptions()
}

func (h *SQLHost) checkDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) || len(name) > h.dialect.MaxNameLength() {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Ping verifies the host is reachable
func (h *SQLHost) Ping(ctx context.Context) error {
	conn, err := h.connect(ctx, h.adminDB)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.PingContext(ctx)
}

// DatabaseExists reports whether a database with the given name exists
func (h *SQLHost) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if err := h.checkDatabaseName(name); err != nil {
		return false, err
	}

	conn, err := h.connect(ctx, h.adminDB)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var count int
	if err := sqlx.GetContext(ctx, conn, &count, conn.Rebind(h.dialect.ExistsQuery()), name); err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	return count > 0, nil
}

// CreateDatabase creates an empty database. It returns ErrDatabaseExists when the
// engine reports the name as taken.
func (h *SQLHost) CreateDatabase(ctx context.Context, name string) error {
	if err := h.checkDatabaseName(name); err != nil {
		return err
	}

	conn, err := h.connect(ctx, h.adminDB)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "CREATE DATABASE "+h.dialect.QuoteIdentifier(name)); err != nil {
		if h.dialect.IsDatabaseExists(err) {
			return ErrDatabaseExists
		}
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// DropDatabase drops a database if it exists
func (h *SQLHost) DropDatabase(ctx context.Context, name string) error {
	if err := h.checkDatabaseName(name); err != nil {
		return err
	}

	conn, err := h.connect(ctx, h.adminDB)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DROP DATABASE IF EXISTS "+h.dialect.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}
	return nil
}

// ExecScript runs statements in order against database and stops at the first failure
func (h *SQLHost) ExecScript(ctx context.Context, database string, statements []string) error {
	if err := h.checkDatabaseName(database); err != nil {
		return err
	}

	conn, err := h.connect(ctx, database)
	if err != nil {
		return err
	}
	defer conn.Close()

	for i, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return &ScriptError{Index: i + 1, Err: err}
		}
	}
	return nil
}

// SetOptions overwrites the given option rows in one transaction. An option missing from
// the table is inserted.
func (h *SQLHost) SetOptions(ctx context.Context, database string, table OptionsTable, options []Option) error {
	if err := h.checkDatabaseName(database); err != nil {
		return err
	}
	if err := table.validate(); err != nil {
		return err
	}

	conn, err := h.connect(ctx, database)
	if err != nil {
		return err
	}
	defer conn.Close()

	q := h.dialect.QuoteIdentifier
	updateQuery := conn.Rebind(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
		q(table.Table), q(table.ValueColumn), q(table.NameColumn)))
	insertQuery := conn.Rebind(fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)",
		q(table.Table), q(table.NameColumn), q(table.ValueColumn)))

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin options transaction: %w", err)
	}
	defer tx.Rollback()

	for _, opt := range options {
		result, err := tx.ExecContext(ctx, updateQuery, opt.Value, opt.Name)
		if err != nil {
			return fmt.Errorf("failed to update option %s: %w", opt.Name, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update option %s: %w", opt.Name, err)
		}
		if rows > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, insertQuery, opt.Name, opt.Value); err != nil {
			return fmt.Errorf("failed to insert option %s: %w", opt.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit options: %w", err)
	}
	return nil
}
