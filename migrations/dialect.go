package migrations

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

const (
	pgUndefinedTable  = "42P01"
	mysqlNoSuchTable  = 1146
	sqliteNoSuchTable = "no such table"
)

func ParseDialect(value string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DialectPostgres), "postgresql", "pg":
		return DialectPostgres, nil
	case string(DialectMySQL), "mariadb":
		return DialectMySQL, nil
	case string(DialectSQLite), "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", value)
	}
}

func (d Dialect) String() string {
	return string(d)
}

// DriverName is the database/sql driver registered for d.
func DriverName(d Dialect) (string, error) {
	switch d {
	case DialectPostgres:
		return "pgx", nil
	case DialectMySQL:
		return "mysql", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

// missingTable reports whether err is the driver's "table does not exist"
// error for d.
func (d Dialect) missingTable(err error) bool {
	if err == nil {
		return false
	}
	switch d {
	case DialectPostgres:
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
	case DialectMySQL:
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == mysqlNoSuchTable
	case DialectSQLite:
		return strings.Contains(strings.ToLower(err.Error()), sqliteNoSuchTable)
	default:
		return false
	}
}
