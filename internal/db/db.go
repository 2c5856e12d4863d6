package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "phylopack.db"

type Config struct {
	StateDir string
}

func dbPath(stateDir string) string {
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, ".phylopack", defaultDBName)
}

// EnsureStateDir creates the state directory if missing.
func EnsureStateDir(stateDir string) (string, error) {
	if stateDir == "" {
		stateDir = "."
	}
	path := filepath.Join(stateDir, ".phylopack")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.StateDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the state directory.
func Path(stateDir string) string {
	return dbPath(stateDir)
}
