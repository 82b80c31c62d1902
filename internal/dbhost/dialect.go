package dbhost

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/seed"
)

// Dialect captures everything that differs between the supported tenant host engines.
type Dialect interface {
	// Name is the configuration value selecting the dialect
	Name() string
	// DriverName is the database/sql driver name
	DriverName() string
	// DSN builds a connection string for database on the configured host; an empty
	// database connects without a default schema
	DSN(cfg config.TenantHostConfig, database string) string
	QuoteIdentifier(name string) string
	// MaxNameLength is the longest database name the engine accepts
	MaxNameLength() int
	// ExistsQuery counts databases with the given name, using ? placeholders
	ExistsQuery() string
	// IsDatabaseExists reports whether err is the engine's "database already exists" error
	IsDatabaseExists(err error) bool
	SplitOptions() seed.SplitOptions
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "mysql":
		return MySQL{}, nil
	case "postgres":
		return Postgres{}, nil
	default:
		return nil, errors.New("unsupported tenant host driver: " + name)
	}
}

// MySQL is the MySQL / MariaDB dialect
type MySQL struct{}

const mysqlErrDBCreateExists = 1007

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }
func (MySQL) MaxNameLength() int { return 64 }

func (MySQL) DSN(cfg config.TenantHostConfig, database string) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = database
	c.Timeout = cfg.ConnectTimeout
	c.ParseTime = true
	// UPDATE must report matched rows, not changed rows, for option upserts
	c.ClientFoundRows = true
	c.TLSConfig = mysqlTLS(cfg.SSLMode)
	return c.FormatDSN()
}

// mysqlTLS maps libpq-style ssl modes onto the driver's tls parameter. Driver values
// (true, skip-verify, preferred, registered config names) pass through.
func mysqlTLS(mode string) string {
	switch mode {
	case "", "disable", "false":
		return ""
	case "require", "verify-ca", "verify-full":
		return "true"
	case "allow", "prefer":
		return "preferred"
	default:
		return mode
	}
}

func (MySQL) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) ExistsQuery() string {
	return `SELECT COUNT(*) FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?`
}

func (MySQL) IsDatabaseExists(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDBCreateExists
}

func (MySQL) SplitOptions() seed.SplitOptions { return seed.MySQLSplit }

// Postgres is the PostgreSQL dialect
type Postgres struct{}

const pqDuplicateDatabase = "42P04"

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "postgres" }
func (Postgres) MaxNameLength() int { return 63 }

func (Postgres) DSN(cfg config.TenantHostConfig, database string) string {
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (Postgres) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (Postgres) ExistsQuery() string {
	return `SELECT COUNT(*) FROM pg_database WHERE datname = ?`
}

func (Postgres) IsDatabaseExists(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqDuplicateDatabase
}

func (Postgres) SplitOptions() seed.SplitOptions { return seed.PostgresSplit }
