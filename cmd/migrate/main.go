// Command migrate applies or rolls back the Postgres schema under
// store/migrations using goose.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

var (
	dsn    = flag.String("dsn", "", "Postgres connection string (or set POSTGRES_DSN)")
	dir    = flag.String("dir", "store/migrations", "Directory holding goose migration files")
	action = flag.String("action", "up", "Migration action: up, down, status")
)

func main() {
	flag.Parse()

	target := *dsn
	if target == "" {
		target = envOrExit("POSTGRES_DSN")
	}

	db, err := sql.Open("pgx", target)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("setting dialect: %v", err)
	}

	switch *action {
	case "up":
		err = goose.Up(db, *dir)
	case "down":
		err = goose.Down(db, *dir)
	case "status":
		err = goose.Status(db, *dir)
	default:
		log.Fatalf("unknown action %q, want up, down, or status", *action)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", *action, err)
	}
}

func envOrExit(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Println("missing required -dsn flag or " + key + " environment variable")
		log.Fatalf("no database target configured")
	}
	return v
}
