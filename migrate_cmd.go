package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgnsrekt/audiovault/internal/config"
	"github.com/dgnsrekt/audiovault/internal/ledger"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the ledger schema",
	Args:  cobra.NoArgs,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending ledger migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var n int
		err := withLedgerDB(cmd.Context(), func(ctx context.Context, dialect goose.Dialect, db *sql.DB) error {
			var err error
			n, err = ledger.Migrate(ctx, dialect, db)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Println(row("applied", n))
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger migration state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var states []ledger.MigrationState
		err := withLedgerDB(cmd.Context(), func(ctx context.Context, dialect goose.Dialect, db *sql.DB) error {
			var err error
			states, err = ledger.Status(ctx, dialect, db)
			return err
		})
		if err != nil {
			return err
		}
		for _, s := range states {
			state := faintStyle.Render("pending")
			if s.Applied {
				state = keyword("applied")
			}
			fmt.Printf("%5d  %-8s %s\n", s.Version, state, s.Path)
		}
		return nil
	},
}

// withLedgerDB opens the configured SQL ledger for schema work.
func withLedgerDB(ctx context.Context, fn func(context.Context, goose.Dialect, *sql.DB) error) error {
	var (
		driver, dsn string
		dialect     goose.Dialect
	)
	switch cfg.Ledger.Driver {
	case config.DriverPostgres:
		driver, dsn, dialect = "pgx", cfg.Ledger.DSN, goose.DialectPostgres
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
			return err
		}
		driver, dsn, dialect = "sqlite3", cfg.Ledger.Path, goose.DialectSQLite3
	default:
		return errors.New("the memory ledger has no schema")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close() //nolint:errcheck
	return fn(ctx, dialect, db)
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
}
