package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite драйвер
)

// DBOptions содержит настройки для SQLite базы истории запусков.
type DBOptions struct {
	ConnMaxLifetime time.Duration // Максимальное время жизни соединения
	ConnMaxIdleTime time.Duration // Максимальное время простоя соединения
	MaxOpenConns    int           // Один писатель, несколько читателей HTTP API
	MaxIdleConns    int
	PingTimeout     time.Duration // Таймаут проверки соединения при открытии
	WALMode         bool          // Читатели не блокируют запись результатов
	BusyTimeout     time.Duration // Ожидание при SQLITE_BUSY
	ReadOnly        bool          // Открыть файл в режиме mode=ro
}

// DefaultDBOptions возвращает настройки по умолчанию для файла истории.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		WALMode:         true,
		BusyTimeout:     5 * time.Second,
	}
}

// NewDB открывает SQLite базу с настройками по умолчанию.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// NewDBWithOptions открывает SQLite базу, создавая каталог файла при необходимости,
// и применяет PRAGMA настройки.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}
	if dir := filepath.Dir(dbPath); dir != "." && !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := applyPragmaSettings(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}

	return db, nil
}

// buildDSN добавляет к пути параметры, которые драйвер читает из DSN.
func buildDSN(dbPath string, opts DBOptions) string {
	var params []string
	if opts.ReadOnly {
		params = append(params, "mode=ro")
	}
	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeout.Milliseconds()))
	}
	if len(params) == 0 {
		return dbPath
	}
	return dbPath + "?" + strings.Join(params, "&")
}

func applyPragmaSettings(ctx context.Context, db *sql.DB, opts DBOptions) error {
	pragmas := []string{"PRAGMA synchronous = NORMAL"}
	if opts.WALMode && !opts.ReadOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}
