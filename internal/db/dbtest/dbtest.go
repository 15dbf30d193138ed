// Package dbtest opens throwaway migrated databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"relay-access/internal/config"
	"relay-access/internal/db"
)

// Open returns a migrated sqlite database in a fresh temp directory.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenAt(t, filepath.Join(t.TempDir(), "access.db"))
}

// OpenAt opens and migrates the sqlite file at path. Two calls with the same
// path give two independent pools over one database.
func OpenAt(t testing.TB, path string) *gorm.DB {
	t.Helper()

	conn, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: path, MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))

	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return conn
}
