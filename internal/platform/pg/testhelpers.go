package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDSNEnv задает DSN базы для интеграционных тестов.
const TestDSNEnv = "HISTORY_TEST_PG_DSN"

// TestDSN возвращает DSN из TestDSNEnv или пропускает тест, если переменная не задана.
func TestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skipf("%s is not set, skipping PostgreSQL integration test", TestDSNEnv)
	}
	return dsn
}

// NewTestPool создает пул к тестовой базе и закрывает его после теста.
func NewTestPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	dsn := TestDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, dsn
}
