package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"rss_notify/migrations"
)

type command struct {
	name string
	help string
	run  func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error
}

var commands = []command{
	{"up", "Migrate to the latest version", goose.Up},
	{"up-one", "Migrate one version up", goose.UpByOne},
	{"down", "Roll back one version", goose.Down},
	{"status", "Show migration status", goose.Status},
	{"version", "Show current version", goose.Version},
	{"reset", "Roll back all migrations", goose.Reset},
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-driver sqlite|postgres] [-db path] [-dsn url] <command>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s  %s\n", c.name, c.help)
	}
}

func main() {
	defaultDriver := "sqlite"
	if os.Getenv("STORE_DRIVER") == "postgres" {
		defaultDriver = "postgres"
	}
	driver := flag.String("driver", defaultDriver, "database driver: sqlite or postgres")
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/bot.db"), "path to sqlite database")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	name := flag.Arg(0)

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		log.Fatalf("unknown command: %s", name)
	}

	db, dialect, err := open(*driver, *dbPath, *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(dialect); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	if err := cmd.run(db, "."); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func open(driver, path, dsn string) (*sql.DB, string, error) {
	switch driver {
	case "sqlite":
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, "", fmt.Errorf("open database %s: %w", path, err)
		}
		return db, migrations.DialectSQLite, nil
	case "postgres":
		if dsn == "" {
			return nil, "", fmt.Errorf("postgres requires -dsn or DATABASE_URL")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, migrations.DialectPostgres, nil
	default:
		return nil, "", fmt.Errorf("unknown driver: %s", driver)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
