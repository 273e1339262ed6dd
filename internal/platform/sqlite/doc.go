// Package sqlite открывает SQLite базы (modernc.org/sqlite, без cgo) и применяет
// к ним встроенные миграции golang-migrate.
//
// Открытие базы с настройками по умолчанию (WAL, busy timeout):
//
//	db, err := sqlite.NewDB(ctx, "data/history.db")
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
// Миграции из embed.FS:
//
//	//go:embed migrations/sqlite/*.sql
//	var migrations embed.FS
//
//	err = sqlite.ApplyMigrationsFromFS("data/history.db", migrations, "migrations/sqlite")
//
// В тестах NewTestDB создает базу во временном каталоге и закрывает ее сама.
package sqlite
