// Command migrate brings a transcript database up to date without starting
// a session.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"node.town/scribe/db"
)

func main() {
	logger := log.New(os.Stdout)
	sqlLogger := logger.With().WithPrefix("data")

	store := flag.String("store", "sqlite", "sqlite or postgres")
	path := flag.String("path", "scribe.db", "SQLite database path")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env", "error", err)
	}

	location := *path
	if *store == "postgres" {
		location = os.Getenv("DATABASE_URL")
	}

	logger.Info("Starting database migration process...", "store", *store)
	l, err := db.Open(context.Background(), *store, location, sqlLogger)
	if err != nil {
		logger.Fatal("apply migrations", "error", err.Error())
	}
	if l == nil {
		logger.Fatal("nothing to migrate", "store", *store)
	}
	defer l.Close()

	logger.Info("Migrations applied successfully")
}
