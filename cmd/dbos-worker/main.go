// Command dbos-worker is a minimal launcher: it opens the system/app
// database pools, registers the sample workflows below, and runs until
// signalled, letting the background recovery loop and write buffer do
// their jobs. It exists as a wiring example, not a deployable service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbos-go/dbos"
	"github.com/dbos-go/dbos/pkg/appdb"
	"github.com/dbos-go/dbos/pkg/database"
	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/dbos-go/dbos/pkg/systemdb"
	"github.com/spf13/cobra"
)

func main() {
	var systemDSN, appDSN, driverName, executorID, migrationsPath string
	var autoMigrate bool

	root := &cobra.Command{
		Use:   "dbos-worker",
		Short: "Run the dbos recovery loop and sample workflows against a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(systemDSN, appDSN, driverName, executorID, migrationsPath, autoMigrate)
		},
	}
	root.Flags().StringVar(&systemDSN, "system-dsn", os.Getenv("DBOS_SYSTEM_DATABASE_URL"), "system database connection string")
	root.Flags().StringVar(&appDSN, "app-dsn", os.Getenv("DBOS_APP_DATABASE_URL"), "application database connection string (optional)")
	root.Flags().StringVar(&driverName, "driver", "postgres", "postgres or mysql")
	root.Flags().StringVar(&executorID, "executor-id", "", "stable id for this process (random if empty)")
	root.Flags().StringVar(&migrationsPath, "migrations-path", "migrations/postgres", "directory of .up.sql/.down.sql files")
	root.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "apply pending migrations on startup")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(systemDSN, appDSN, driverName, executorID, migrationsPath string, autoMigrate bool) error {
	if systemDSN == "" {
		return fmt.Errorf("--system-dsn (or DBOS_SYSTEM_DATABASE_URL) is required")
	}

	dialect := systemdb.Postgres
	if driverName == "mysql" {
		dialect = systemdb.MySQL
	}

	logger := observability.NewStandardLogger("dbos-worker")
	metrics := observability.NewNoOpMetricsClient()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sysPool, err := database.NewDatabase(ctx, database.Config{
		Driver:               driverName,
		DSN:                  systemDSN,
		MaxOpenConns:         20,
		MaxIdleConns:         5,
		ConnMaxLifetime:      5 * time.Minute,
		AutoMigrate:          autoMigrate,
		MigrationsPath:       migrationsPath,
		FailOnMigrationError: true,
	})
	if err != nil {
		return fmt.Errorf("connect system db: %w", err)
	}

	if dialect == systemdb.Postgres {
		if err := database.NewReadinessChecker(sysPool.DB()).WaitForTablesWithBackoff(ctx); err != nil {
			return fmt.Errorf("system db not ready: %w", err)
		}
	}

	cfg := dbos.Config{
		SystemDB:             systemdb.New(sysPool.DB(), dialect, logger, metrics),
		Registry:             dbos.NewRegistry(),
		ExecutorID:           executorID,
		Logger:               logger,
		Metrics:              metrics,
		RecoveryPollInterval: 30 * time.Second,
	}

	if appDSN != "" {
		appPool, err := database.NewDatabase(ctx, database.Config{
			Driver:          driverName,
			DSN:             appDSN,
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("connect app db: %w", err)
		}
		cfg.AppDB = appdb.New(appPool.DB(), dialect, logger, metrics)
	}

	registerSampleWorkflows(cfg.Registry)

	d, err := dbos.Init(cfg)
	if err != nil {
		return fmt.Errorf("init dbos: %w", err)
	}
	defer d.Destroy()

	logger.Info("dbos-worker started", map[string]interface{}{"executor_id": cfg.ExecutorID})

	if _, err := d.RecoverPendingWorkflows(ctx, nil); err != nil {
		logger.Warn("initial recovery scan failed", map[string]interface{}{"error": err.Error()})
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)
	return nil
}

// registerSampleWorkflows is the minimal proof the recovery loop has
// something to re-dispatch: a workflow that sleeps briefly and returns
// "pong", used for smoke-testing a deployment.
func registerSampleWorkflows(r *dbos.Registry) {
	r.RegisterWorkflow("ping", func(ctx *dbos.Context, input interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "pong", nil
	})
}
