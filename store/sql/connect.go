package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-integrations/migrations"
)

// PersistenceConfig is the slice of the persistence client configuration
// this package needs to open a database handle.
type PersistenceConfig interface {
	GetDebug() bool
	GetDriver() string
	GetServer() string
	GetPingTimeout() time.Duration
	GetOtelIdentifier() string
}

// Connect opens a persistence client over an already-opened database
// handle, picks the bun dialect from the configured driver, registers
// the embedded migrations for that dialect, and applies them. The
// returned client feeds NewRepositoryFactoryFromPersistence.
func Connect(ctx context.Context, cfg PersistenceConfig, sqlDB *sql.DB) (*persistence.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlstore: persistence config is required")
	}
	if sqlDB == nil {
		return nil, fmt.Errorf("sqlstore: database handle is required")
	}

	var client *persistence.Client
	var err error
	var dialect string
	switch cfg.GetDriver() {
	case "postgres", "pg", "pgx":
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
		dialect = migrations.DialectPostgres
	case "sqlite", "sqlite3":
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
		dialect = migrations.DialectSQLite
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.GetDriver())
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	_, err = migrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(dialect))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
