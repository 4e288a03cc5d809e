package main

import (
	"context"
	"log"
	"os"

	database "github.com/Armour007/aura-core/internal"
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(auraerr.ExitCode(err))
	}
	if cfg.Storage != config.StorageSQL {
		log.Println("AURA_STORAGE is not sql, nothing to migrate.")
		return
	}
	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Printf("connect: %v", err)
		os.Exit(auraerr.ExitCode(err))
	}
	defer db.Close()

	ran, err := database.Migrate(ctx, db)
	if err != nil {
		log.Printf("migrate: %v", err)
		os.Exit(auraerr.ExitCode(err))
	}
	if len(ran) == 0 {
		log.Println("Schema up to date.")
		return
	}
	for _, name := range ran {
		log.Printf("Applied migration: %s", name)
	}
	rows, err := database.Applied(ctx, db)
	if err == nil {
		log.Printf("Migrations applied successfully (%d recorded).", len(rows))
	}
}
