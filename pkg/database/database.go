package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dbos-go/dbos/pkg/database/migration"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Common errors
var (
	ErrUnsupportedDriver     = errors.New("unsupported database driver: must be postgres or mysql")
	ErrInvalidDatabaseConfig = errors.New("invalid database configuration: missing required fields")
	ErrNotFound              = errors.New("record not found")
	ErrDuplicateKey          = errors.New("duplicate key violation")
)

// sanitizeDSN removes sensitive information from a DSN for safe logging.
func sanitizeDSN(dsn string) string {
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		var sanitized []string
		for _, part := range parts {
			if strings.HasPrefix(part, "password=") {
				sanitized = append(sanitized, "password=***")
			} else {
				sanitized = append(sanitized, part)
			}
		}
		return strings.Join(sanitized, " ")
	}
	if strings.Contains(dsn, "@") {
		if idx := strings.Index(dsn, "://"); idx != -1 {
			if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
				prefix := dsn[:idx+3]
				suffix := dsn[idx+atIdx:]
				return prefix + "***:***" + suffix
			}
		}
	}
	return dsn
}

// Database wraps a pooled sqlx connection to either the system database or
// the application database, plus whatever statements the caller has prepared.
type Database struct {
	db         *sqlx.DB
	config     Config
	statements map[string]*sqlx.Stmt
}

// NewDatabase opens a pooled connection, optionally running migrations
// from cfg.MigrationsPath against the dbos schema before returning.
func NewDatabase(ctx context.Context, cfg Config) (*Database, error) {
	dsn := cfg.GetDSN()
	if dsn == "" {
		return nil, ErrInvalidDatabaseConfig
	}
	log.Printf("Connecting to database %s using DSN: %s", cfg.Database, sanitizeDSN(dsn))

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	database := &Database{
		db:         db,
		config:     cfg,
		statements: make(map[string]*sqlx.Stmt),
	}

	if cfg.AutoMigrate {
		log.Println("Running automatic database migrations...")
		migrationOpts := migration.DefaultOptions()
		migrationOpts.Path = cfg.MigrationsPath
		migrationOpts.FailOnError = cfg.FailOnMigrationError

		if err := migration.AutoMigrate(ctx, db, cfg.Driver, migrationOpts); err != nil {
			if migrationOpts.FailOnError {
				if closeErr := db.Close(); closeErr != nil {
					log.Printf("Failed to close database after migration error: %v", closeErr)
				}
				return nil, fmt.Errorf("database migration failed: %w", err)
			}
			log.Printf("Warning: database migration had errors but continuing: %v", err)
		} else {
			log.Println("Database migrations completed successfully")
		}
	}

	return database, nil
}

// Transaction executes fn within a database transaction, rolling back on
// error or panic and re-raising the panic after rollback.
func (d *Database) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if d == nil || d.db == nil {
		panic("[database.Transaction] FATAL: Database or underlying *sqlx.DB is nil. Check initialization and connection setup.")
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("Failed to rollback transaction: %v (original error: %v)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// prepareStatementsWithRetry prepares statements with exponential backoff,
// tolerating a brief window where migrations have not finished creating tables.
func (d *Database) prepareStatementsWithRetry(ctx context.Context, queries map[string]string) error {
	maxRetries := 5
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := d.prepareStatements(ctx, queries)
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "does not exist") {
			if i < maxRetries-1 {
				delay := baseDelay * (1 << uint(i))
				if delay > 2*time.Second {
					delay = 2 * time.Second
				}
				log.Printf("Failed to prepare statements (attempt %d/%d), retrying in %v: %v",
					i+1, maxRetries, delay, err)

				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		} else {
			return err
		}
	}

	return fmt.Errorf("failed to prepare statements after %d attempts", maxRetries)
}

// prepareStatements prepares the given named queries for reuse.
func (d *Database) prepareStatements(ctx context.Context, queries map[string]string) error {
	for name, query := range queries {
		stmt, err := d.db.PreparexContext(ctx, query)
		if err != nil {
			return err
		}
		d.statements[name] = stmt
	}
	return nil
}

// PrepareStatements is the exported entry point callers use once migrations
// have created the tables a set of named queries depends on.
func (d *Database) PrepareStatements(ctx context.Context, queries map[string]string) error {
	return d.prepareStatementsWithRetry(ctx, queries)
}

// Statement returns a previously prepared statement by name, if any.
func (d *Database) Statement(name string) (*sqlx.Stmt, bool) {
	stmt, ok := d.statements[name]
	return stmt, ok
}

// Close closes all prepared statements and the underlying connection.
func (d *Database) Close() error {
	for _, stmt := range d.statements {
		_ = stmt.Close()
	}
	d.statements = make(map[string]*sqlx.Stmt)
	return d.db.Close()
}

// Ping checks if the database connection is alive.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// DB returns the underlying sqlx.DB instance.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// GetDB returns the underlying sqlx.DB instance.
func (d *Database) GetDB() *sqlx.DB {
	return d.db
}

// NewDatabaseWithConnection wraps an already-open sqlx.DB, used by tests
// that inject a sqlmock connection.
func NewDatabaseWithConnection(db *sqlx.DB) *Database {
	return &Database{
		db:         db,
		statements: make(map[string]*sqlx.Stmt),
	}
}
