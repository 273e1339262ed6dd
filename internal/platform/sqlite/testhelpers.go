package sqlite

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"testing"
)

// NewTestDB создает файловую SQLite БД во временном каталоге теста.
// Если fsys не nil, к ней применяются миграции из fsys/dir.
// БД закрывается автоматически после завершения теста.
func NewTestDB(t *testing.T, fsys fs.FS, dir string) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")
	if fsys != nil {
		if err := ApplyMigrationsFromFS(path, fsys, dir); err != nil {
			t.Fatalf("Failed to apply test migrations: %v", err)
		}
	}

	db, err := NewDB(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db, path
}

// TableExists проверяет существование таблицы.
func TableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()

	var count int
	row := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to check table existence: %v", err)
	}
	return count > 0
}
