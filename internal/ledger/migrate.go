package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

func provider(dialect goose.Dialect, db *sql.DB) (*goose.Provider, error) {
	dir := "migrations/postgres"
	if dialect == goose.DialectSQLite3 {
		dir = "migrations/sqlite"
	}
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, db, fsys)
}

// MigrationState is one row of Status.
type MigrationState struct {
	Version int64
	Path    string
	Applied bool
}

// Migrate applies pending migrations and returns how many ran.
func Migrate(ctx context.Context, dialect goose.Dialect, db *sql.DB) (int, error) {
	p, err := provider(dialect, db)
	if err != nil {
		return 0, err
	}
	res, err := p.Up(ctx)
	if err != nil {
		return len(res), fmt.Errorf("migrate: %w", err)
	}
	return len(res), nil
}

// Status lists every known migration and whether it has been applied.
func Status(ctx context.Context, dialect goose.Dialect, db *sql.DB) ([]MigrationState, error) {
	p, err := provider(dialect, db)
	if err != nil {
		return nil, err
	}
	st, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationState, 0, len(st))
	for _, s := range st {
		out = append(out, MigrationState{
			Version: s.Source.Version,
			Path:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
