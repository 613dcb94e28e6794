// Migration CLI for the AppForge orchestration schema.
//
// Usage:
//
//	go run cmd/migrate/main.go up        # Apply all pending migrations
//	go run cmd/migrate/main.go down      # Rollback last migration
//	go run cmd/migrate/main.go version   # Show current migration version
//	go run cmd/migrate/main.go force N   # Force version to N (fix dirty state)
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"appforge/internal/config"
	"appforge/internal/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	cfg := config.Load()
	migrator, err := db.NewMigrator(cfg.Database, migrationsPath)
	if err != nil {
		log.Fatalf("migrator init failed: %v", err)
	}
	defer migrator.Close()

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatalf("up failed: %v", err)
		}
	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatalf("down failed: %v", err)
		}
	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			log.Fatalf("version failed: %v", err)
		}
		fmt.Printf("version: %d dirty: %v\n", version, dirty)
	case "force":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(1)
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid version %q", os.Args[2])
		}
		if err := migrator.Force(version); err != nil {
			log.Fatalf("force failed: %v", err)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: migrate <up|down|version|force N>")
}
