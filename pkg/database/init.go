package database

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
)

// EnsureDatabase creates the named database if it does not exist, using a
// connection to the server's maintenance database (postgres) or to the
// server with no default schema (mysql). The dbos schema itself is
// installed by migrations afterwards.
func EnsureDatabase(ctx context.Context, driver, adminDSN, name string) error {
	db, err := sqlx.ConnectContext(ctx, driver, adminDSN)
	if err != nil {
		return fmt.Errorf("connect for database creation: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close admin connection: %v", closeErr)
		}
	}()

	switch driver {
	case "mysql":
		_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", quoteIdent(name, '`')))
		if err != nil {
			return fmt.Errorf("create database %s: %w", name, err)
		}
	default:
		// Postgres has no IF NOT EXISTS for CREATE DATABASE.
		var exists bool
		if err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
			return fmt.Errorf("check database %s: %w", name, err)
		}
		if exists {
			return nil
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(name, '"'))); err != nil {
			return fmt.Errorf("create database %s: %w", name, err)
		}
	}
	return nil
}

// quoteIdent quotes an identifier with the given quote rune, doubling any
// embedded quotes.
func quoteIdent(name string, quote rune) string {
	q := string(quote)
	out := q
	for _, r := range name {
		if r == quote {
			out += q
		}
		out += string(r)
	}
	return out + q
}

// InitializeTables is retained for callers that previously created tables
// imperatively; the schema now comes entirely from migrations.
func (db *Database) InitializeTables(ctx context.Context) error {
	log.Println("Database tables are managed by migrations; nothing to initialize")
	return nil
}
