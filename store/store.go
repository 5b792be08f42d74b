// Package store persists the killmail graph. It supports SQLite (modernc) and
// PostgreSQL (pgx) behind sqlx, with the schema managed by embedded goose
// migrations.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"killstory"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations
var migrations embed.FS

var ErrNotFound = errors.New("not found")

func init() {
	sqlx.BindDriver(killstory.DriverSQLite, sqlx.QUESTION)
}

type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database. SQLite DSNs may be a plain path or
// ":memory:"; foreign keys and a busy timeout are always enabled.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	memory := false

	switch driver {
	case killstory.DriverSQLite:
		memory = strings.Contains(dsn, ":memory:")
		dsn = sqliteDSN(dsn)
	case killstory.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

func sqliteDSN(dsn string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_time_format=sqlite"
	if !strings.Contains(dsn, ":memory:") {
		pragmas += "&_pragma=journal_mode(WAL)"
	}

	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

// Migrate applies all pending migrations of the store's dialect.
func (s *Store) Migrate(ctx context.Context, logger zerolog.Logger) error {
	dir := "migrations/sqlite"
	dialect := goose.DialectSQLite3
	if s.driver == killstory.DriverPostgres {
		dir = "migrations/postgres"
		dialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, s.db.DB, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	for _, result := range results {
		logger.Info().Str("migration", result.Source.Path).Dur("duration", result.Duration).Msg("applied migration")
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsIntegrityConflict reports whether err is a constraint violation such as a
// duplicate primary key.
func IsIntegrityConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}

	return false
}

// Tx is a write transaction. Isolate scopes a group of writes to a savepoint so
// a failing record can be abandoned without aborting the transaction.
type Tx struct {
	tx         *sqlx.Tx
	savepoints int
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Isolate runs fn inside a savepoint. When fn fails, the writes it made are
// rolled back and its error is returned; the transaction stays usable.
func (t *Tx) Isolate(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("killstory_record_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
		}

		if _, relErr := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("failed to release savepoint: %w", relErr))
		}

		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}

	return nil
}

func (t *Tx) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
