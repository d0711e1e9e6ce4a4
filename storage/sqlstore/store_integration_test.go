package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/captjt/authgate/migrations"
	"github.com/captjt/authgate/storage/storagetest"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("AUTHGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTHGATE_TEST_POSTGRES_DSN not set")
	}
	runSQLIntegration(t, "pgx", dsn, migrations.DialectPostgres, NewPostgres)
}

func TestMySQLIntegration(t *testing.T) {
	dsn := os.Getenv("AUTHGATE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("AUTHGATE_TEST_MYSQL_DSN not set")
	}
	runSQLIntegration(t, "mysql", dsn, migrations.DialectMySQL, NewMySQL)
}

func runSQLIntegration(
	t *testing.T,
	driver string,
	dsn string,
	dialect migrations.Dialect,
	ctor func(*sql.DB) *Store,
) {
	t.Helper()

	db, err := sql.Open(driver, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping database: %v", err)
	}

	if err := migrations.Apply(ctx, db, dialect); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	storagetest.Run(t, ctor(db))
}
