// Package database provides connection pooling, migrations, and a thin
// transactional wrapper shared by the system database and the application
// database adapter.
package database

import (
	"fmt"
	"time"
)

// TLSConfig holds the TLS settings for a database connection.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Config defines what the database package needs to open and pool a
// connection to either a Postgres or MySQL instance.
type Config struct {
	// Core database settings
	Driver          string // "postgres" or "mysql"
	DSN             string
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	TLS *TLSConfig

	QueryTimeout   time.Duration // Default: 30s
	ConnectTimeout time.Duration // Default: 10s

	// Migration settings
	AutoMigrate          bool
	MigrationsPath       string
	FailOnMigrationError bool
}

// NewConfig creates config with sensible defaults for Postgres.
func NewConfig() *Config {
	return &Config{
		Driver:          "postgres",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		MigrationsPath:  "migrations",
		SSLMode:         "disable",
		Port:            5432,
	}
}

// GetDSN returns the connection string for the database.
func (c *Config) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}

	switch c.Driver {
	case "mysql":
		return buildMySQLDSN(c)
	default:
		return buildPostgresDSN(c)
	}
}

// buildPostgresDSN constructs a PostgreSQL connection string.
func buildPostgresDSN(c *Config) string {
	if c.Host == "" {
		c.Host = "localhost"
	}

	dsn := "postgres://"
	if c.Username != "" {
		dsn += c.Username
		if c.Password != "" {
			dsn += ":" + c.Password
		}
		dsn += "@"
	}
	dsn += fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
	dsn += "?sslmode=" + c.SSLMode

	if c.TLS != nil && c.TLS.Enabled && c.SSLMode != "disable" {
		if c.TLS.CertFile != "" {
			dsn += "&sslcert=" + c.TLS.CertFile
		}
		if c.TLS.KeyFile != "" {
			dsn += "&sslkey=" + c.TLS.KeyFile
		}
		if c.TLS.CAFile != "" {
			dsn += "&sslrootcert=" + c.TLS.CAFile
		}
	}

	return dsn
}

// buildMySQLDSN constructs a go-sql-driver/mysql connection string.
func buildMySQLDSN(c *Config) string {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.Username, c.Password, c.Host, c.Port, c.Database)

	if c.TLS != nil && c.TLS.Enabled {
		dsn += "&tls=custom"
	}

	return dsn
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.Driver != "postgres" && c.Driver != "mysql" {
		return ErrUnsupportedDriver
	}

	if c.GetDSN() == "" && (c.Host == "" || c.Database == "") {
		return ErrInvalidDatabaseConfig
	}

	return nil
}
