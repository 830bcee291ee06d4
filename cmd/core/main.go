package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"github.com/example/connections-core/internal/app"
	"github.com/example/connections-core/internal/config"
	"github.com/example/connections-core/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	var store repository.Store
	if cfg.DBConnString != "" {
		store, err = repository.NewPostgres(cfg.DBConnString)
	} else {
		store, err = repository.NewSQLite(cfg.DBPath)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	application, err := app.New(cfg, store)
	if err != nil {
		log.Fatal(err)
	}
	if err := application.Run(context.Background()); err != nil {
		log.Fatal(err)
	}
}
