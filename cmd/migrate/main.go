package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"forum_archive/internal/storage"
	"forum_archive/migrations"
)

func main() {
	dbPath := flag.String("db", envOrDefault("REPORTING_DB", "./data/reporting.db"), "reporting database path or postgres:// URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-db path|url] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up          Migrate the activity log to the latest version")
		fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
		fmt.Fprintln(os.Stderr, "  down        Roll back one version")
		fmt.Fprintln(os.Stderr, "  status      Show migration status")
		fmt.Fprintln(os.Stderr, "  version     Show current version")
		fmt.Fprintln(os.Stderr, "  reset       Drop the activity log by rolling back all migrations")
		os.Exit(1)
	}

	driver, dialect := "sqlite", migrations.DialectSQLite
	if storage.IsPostgres(*dbPath) {
		driver, dialect = "pgx", migrations.DialectPostgres
	}

	db, err := sql.Open(driver, *dbPath)
	if err != nil {
		log.Fatalf("open reporting database: %v", err)
	}
	defer func() { _ = db.Close() }()

	dir, err := migrations.Use(dialect)
	if err != nil {
		log.Fatalf("prepare migrations: %v", err)
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(db, dir)
	case "up-one":
		err = goose.UpByOne(db, dir)
	case "down":
		err = goose.Down(db, dir)
	case "status":
		err = goose.Status(db, dir)
	case "version":
		err = goose.Version(db, dir)
	case "reset":
		err = goose.Reset(db, dir)
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
