// Command dbos-migrate applies or inspects the dbos schema migrations
// against a system or application database.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dbos-go/dbos/pkg/database"
	"github.com/dbos-go/dbos/pkg/database/migration"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

var (
	dsn            string
	driver         string
	migrationsPath string
	timeout        time.Duration
	steps          int
)

func main() {
	root := &cobra.Command{
		Use:   "dbos-migrate",
		Short: "Apply dbos schema migrations",
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DBOS_DATABASE_URL"), "database connection string")
	root.PersistentFlags().StringVar(&driver, "driver", "postgres", "postgres or mysql")
	root.PersistentFlags().StringVar(&migrationsPath, "path", "migrations/postgres", "directory of .up.sql/.down.sql files")
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "migration timeout")

	root.AddCommand(upCommand(), downCommand(), statusCommand(), forceCommand(), createCommand(), ensureDBCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openManager() (*migration.Manager, error) {
	if dsn == "" {
		return nil, fmt.Errorf("--dsn (or DBOS_DATABASE_URL) is required")
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return migration.NewManager(db, migration.Config{
		MigrationsPath:   migrationsPath,
		MigrationTimeout: timeout,
		Steps:            steps,
	}, driver)
}

func upCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			return mgr.RunMigrations(context.Background())
		},
	}
}

func downCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration (or all, with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			ctx := context.Background()
			if all {
				return mgr.RollbackAll(ctx)
			}
			return mgr.Rollback(ctx)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "roll back every applied migration")
	return cmd
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			version, dirty, err := mgr.GetVersion()
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%v\n", version, dirty)
			return nil
		},
	}
}

func forceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force the recorded migration version without running SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version int
			if _, err := fmt.Sscanf(args[0], "%d", &version); err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			return mgr.ForceVersion(uint(version))
		},
	}
}

func ensureDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-db <name>",
		Short: "Create the named database if it does not exist (--dsn points at the server's maintenance database)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn (or DBOS_DATABASE_URL) is required")
			}
			return database.EnsureDatabase(context.Background(), driver, dsn, args[0])
		},
	}
}

func createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty up/down migration pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			up, down, err := migration.CreateMigration(migrationsPath, args[0])
			if err != nil {
				return err
			}
			fmt.Println(up)
			fmt.Println(down)
			return nil
		},
	}
}
