// Database migration tool for the coinflux store
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/store"
)

func main() {
	var (
		command       = flag.String("command", "migrate", "Command to run: migrate, status")
		dbURL         = flag.String("db", os.Getenv("STORE_URL"), "PostgreSQL connection string")
		migrationsDir = flag.String("migrations", "migrations", "Path to migrations directory")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *dbURL == "" {
		log.Fatal().Msg("Database URL required: set STORE_URL or pass -db")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database connection")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	migrator := store.NewMigrator(db, *migrationsDir)

	switch *command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	case "status":
		if err := migrator.Status(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration status")
		}
	default:
		log.Fatal().Str("command", *command).Msg("Unknown command")
	}
}
