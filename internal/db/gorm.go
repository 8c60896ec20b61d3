// Package db opens the GORM handle the Store is built on, supporting both
// a pure-Go sqlite driver (the default, zero-cgo) and postgres.
package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenGorm opens a gorm.DB for the given driver ("sqlite" or "postgres")
// and DSN, creating the parent directory of a sqlite file DSN if needed.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver == "sqlite" {
			dsn = "nanoclaw.db"
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// ensureSQLiteDirectory creates the parent directory of a sqlite DSN's file
// path, if it names one on disk (in-memory DSNs have no directory to
// create). The state directory layout this is normally called for
// (config.Config.StateDir) already exists by the time OpenGorm runs, but a
// DSN pointed somewhere else entirely -- a different volume, a path
// outside StateDir -- still needs its directory made.
func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

// sqliteFilePath extracts the on-disk path a sqlite DSN names, or reports
// ok=false for an in-memory DSN (bare ":memory:" or a "file:" URI with
// mode=memory) that has no directory to create.
func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	if raw == "" || isSQLiteMemoryDSN(raw) {
		return "", false
	}

	if !strings.HasPrefix(strings.ToLower(raw), "file:") {
		return splitSQLitePath(raw), true
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return splitSQLitePath(raw), true
	}
	if strings.EqualFold(strings.TrimSpace(parsed.Query().Get("mode")), "memory") {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(parsed.Path), ":memory:") {
		return "", false
	}
	if parsed.Path != "" {
		return parsed.Path, true
	}
	if parsed.Opaque != "" {
		return splitSQLitePath(strings.TrimPrefix(raw, "file:")), true
	}
	return "", false
}

func isSQLiteMemoryDSN(raw string) bool {
	return strings.EqualFold(raw, ":memory:") || strings.HasPrefix(strings.ToLower(raw), "file::memory:")
}

// splitSQLitePath strips a trailing "?query" from a sqlite file DSN.
func splitSQLitePath(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
