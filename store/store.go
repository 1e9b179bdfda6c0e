// Package store persists accounts and sessions in a relational database.
//
// SQLite (github.com/mattn/go-sqlite3) is the default backend. PostgreSQL is
// supported through the pgx stdlib driver. Both share the same embedded goose
// migrations, every query is written with $N placeholders and rewritten for
// SQLite at execution time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andrebq/openx/internal/logutil"
	"github.com/andrebq/openx/store/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type (
	Store struct {
		db     *sql.DB
		driver string
	}

	gooseLogger struct {
		ctx context.Context
	}
)

var (
	// goose keeps its configuration in package globals
	migrateLock sync.Mutex
)

// Open connects to the database and applies any pending migration.
//
// For SQLite, dsn may be a plain file path, in which case the parent directory
// is created and the connection is opened in WAL mode with foreign keys on.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var err error
	switch driver {
	case "", DriverSQLite, "sqlite":
		driver = DriverSQLite
		dsn, err = sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
	case DriverPostgres, "postgres":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("database driver %q is not supported", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v database, cause %w", driver, err)
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY on lock upgrades
		db.SetMaxOpenConns(1)
	}
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping %v database, cause %w", driver, err)
	}
	s := &Store{db: db, driver: driver}
	err = s.migrate(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	if dsn == "" {
		dsn = filepath.Join(".data", "openx.db")
	}
	err := os.MkdirAll(filepath.Dir(dsn), 0755)
	if err != nil {
		return "", fmt.Errorf("unable to create directory to store %v, cause %w", dsn, err)
	}
	return fmt.Sprintf("file:%v?_journal=wal&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&mode=rwc", dsn), nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrateLock.Lock()
	defer migrateLock.Unlock()

	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(gooseLogger{ctx: ctx})
	err := goose.SetDialect(dialect)
	if err != nil {
		return fmt.Errorf("unable to configure migrations for %v, cause %w", dialect, err)
	}
	err = goose.UpContext(ctx, s.db, ".")
	if err != nil {
		return fmt.Errorf("unable to apply migrations, cause %w", err)
	}
	return nil
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	if s.driver == DriverSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	log := logutil.GetOrDefault(g.ctx)
	log.Debug().Str("component", "migrations").Msgf(strings.TrimSpace(format), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	log := logutil.GetOrDefault(g.ctx)
	log.Error().Str("component", "migrations").Msgf(strings.TrimSpace(format), v...)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
