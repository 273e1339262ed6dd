package pg

import (
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationInfo содержит информацию о результате применения миграций.
type MigrationInfo struct {
	Applied        bool // Были ли применены новые миграции
	CurrentVersion uint // Версия до применения
	FinalVersion   uint // Версия после применения
	Dirty          bool // Находится ли БД в "грязном" состоянии
}

// ApplyMigrationsFromFS применяет миграции из fsys/dir (обычно embed.FS).
// Повторный вызов безопасен: migrate.ErrNoChange ошибкой не считается.
func ApplyMigrationsFromFS(dsn string, fsys fs.FS, dir string) (MigrationInfo, error) {
	m, err := newMigrator(dsn, fsys, dir)
	if err != nil {
		return MigrationInfo{}, err
	}
	defer func() {
		_, _ = m.Close()
	}()

	info := MigrationInfo{}
	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationInfo{}, fmt.Errorf("failed to get current version: %w", err)
	}
	info.CurrentVersion = currentVersion
	info.FinalVersion = currentVersion
	info.Dirty = dirty

	if dirty {
		return info, fmt.Errorf("database is in dirty state at version %d", currentVersion)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("failed to apply migrations: %w", err)
	}

	info.Applied = true
	if finalVersion, _, err := m.Version(); err == nil {
		info.FinalVersion = finalVersion
	}
	return info, nil
}

// MigrationVersionFromFS возвращает текущую версию схемы; 0 если миграции не применялись.
func MigrationVersionFromFS(dsn string, fsys fs.FS, dir string) (uint, bool, error) {
	m, err := newMigrator(dsn, fsys, dir)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_, _ = m.Close()
	}()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(dsn string, fsys fs.FS, dir string) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
