// Package main applies, rolls back or reports the database schema migrations
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

const usage = `usage: migration [up|down|status|version]

  up       apply all pending migrations (default)
  down     roll back the most recent migration
  status   print the state of every migration
  version  print the current schema version
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load("migration")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	log := logger.New(cfg.Logger)

	if cfg.Database.InMemory() {
		log.Info("In-memory store selected; nothing to migrate")
		return
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch command {
	case "up":
		err = db.Migrate(ctx, log)
	case "down":
		err = db.Rollback(ctx, log)
	case "status":
		err = db.MigrationStatus(ctx, log)
	case "version":
		var version int64
		if version, err = db.MigrationVersion(ctx); err == nil {
			fmt.Println(version)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration failed", "command", command, "error", err)
		db.Close()
		os.Exit(1)
	}
	log.Info("Migration finished", "command", command)
}
