// Package migrations embeds the activity log schema and applies it.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Supported goose dialects.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// FS holds the SQL migrations of the reporting database: SQLite at the root,
// PostgreSQL under postgres/.
//
//go:embed *.sql postgres/*.sql
var FS embed.FS

// Dir returns the migration directory inside FS for dialect.
func Dir(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return ".", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Use points goose at the migrations for dialect and returns their directory.
func Use(dialect string) (string, error) {
	dir, err := Dir(dialect)
	if err != nil {
		return "", err
	}
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(dialect); err != nil {
		return "", fmt.Errorf("set dialect: %w", err)
	}
	return dir, nil
}

// Run brings the reporting database schema to the latest version.
func Run(db *sql.DB, dialect string) error {
	dir, err := Use(dialect)
	if err != nil {
		return err
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply activity log migrations: %w", err)
	}
	return nil
}
