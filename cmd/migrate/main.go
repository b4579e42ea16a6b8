package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/config"
	"github.com/litscout/backend/internal/repository/postgres"
)

func main() {
	force := flag.Bool("force", false, "drop all tables before recreating them")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	cfg := config.Load()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL())
	if err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	if *force {
		log.Warn("dropping all tables")
		if err := postgres.DropAll(ctx, pool); err != nil {
			log.Errorf("drop: %v", err)
			os.Exit(1)
		}
	}

	if err := postgres.EnsureSchema(ctx, pool, cfg.Embed.Dim); err != nil {
		log.Errorf("migrate: %v", err)
		os.Exit(1)
	}
	log.Infof("schema ready (db=%s, dim=%d)", cfg.Database.Name, cfg.Embed.Dim)
}
