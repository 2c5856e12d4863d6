package app

import (
	"context"
	"database/sql"
	"fmt"

	"phylopack/internal/config"
	"phylopack/internal/db"
	"phylopack/internal/migrate"
)

// ResolveConfig loads the config named by path, or the state directory's
// phylopack.yml, falling back to built-in defaults when neither exists.
func ResolveConfig(stateDir, path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	cfg, err := config.LoadOptional(stateDir)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", config.Path(stateDir), err)
	}
	return cfg, config.Path(stateDir), nil
}

// OpenStore opens the run history database and brings its schema up to date.
func OpenStore(ctx context.Context, stateDir string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{StateDir: stateDir})
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate run history %s: %w", db.Path(stateDir), err)
	}
	return conn, nil
}
