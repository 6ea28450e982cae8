package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"enx-ticketing/internal/config"
	"enx-ticketing/internal/database/migrations"
	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/models"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: migrate [flags] <up|down|to|version>\n\n")
	pflag.PrintDefaults()
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	dsn := pflag.String("dsn", cfg.Database.DSN, "PostgreSQL connection string")
	target := pflag.Uint("version", 0, "target version for the 'to' command")
	table := pflag.String("table", migrations.DefaultOptions().MigrationsTable, "schema migrations table")
	seed := pflag.Bool("seed", false, "insert a demo event after migrating up")
	pflag.Usage = usage
	pflag.Parse()

	log := logger.New(logger.Options{Service: "ticket-migrate", DisableFile: true})

	if pflag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := pflag.Arg(0)

	migrationDB, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("Failed to open database: %v", err))
	}
	if err := migrationDB.Ping(); err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("Failed to connect to database: %v", err))
	}

	runner := migrations.NewRunner(migrationDB, migrations.MigrateOptions{AutoMigrate: true, MigrationsTable: *table}, log)
	defer runner.Close()

	switch command {
	case "up":
		err = runner.RunMigrations()
	case "down":
		err = runner.MigrateDown()
	case "to":
		err = runner.MigrateTo(*target)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = runner.Version()
		if err == nil {
			log.Info("MIGRATION", fmt.Sprintf("Current version: %d (dirty: %t)", version, dirty))
		}
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("%s failed: %v", command, err))
	}

	if *seed && command == "up" {
		if err := seedDemoEvent(context.Background(), *dsn); err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Seeding failed: %v", err))
		}
		log.Info("MIGRATION", "Seeded demo event demo-event-001")
	}

	log.Info("MIGRATION", "✅ Done.")
}

// seedDemoEvent upserts a local event so tickets can be issued against it.
func seedDemoEvent(ctx context.Context, dsn string) error {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(dsn))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()

	if err := sqldb.PingContext(ctx); err != nil {
		return err
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	now := time.Now().UTC()
	event := models.Event{
		ID:          "demo-event-001",
		OrganizerID: "demo-organizer",
		Name:        "Summer Fest",
		StartDate:   now.AddDate(0, 1, 0),
		EndDate:     now.AddDate(0, 1, 3),
		UpdatedAt:   now,
	}
	_, err := db.NewInsert().
		Model(&event).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("start_date = EXCLUDED.start_date").
		Set("end_date = EXCLUDED.end_date").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}
