package main

import (
	"flag"
	"log"
	"os"

	"github.com/banshee-data/dvl.link/internal/db"
)

// migrateDBPath resolves the database for the migrate subcommand from its own
// flags, falling back to the config file and then the default path.
func migrateDBPath(args []string) (string, []string, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to a TOML config file")
	path := fs.String("db-path", "", "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if *path != "" {
		return *path, fs.Args(), nil
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return "", nil, err
	}
	return cfg.DBPath, fs.Args(), nil
}

func runMigrate(args []string) {
	path, rest, err := migrateDBPath(args)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	if err := db.RunMigrateCommand(rest, path, os.Stdout); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
