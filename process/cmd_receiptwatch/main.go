package main

import (
	"context"
	"flag"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"finledger/pkg/admission"
	"finledger/pkg/extract"
	"finledger/pkg/ledger"
	"finledger/pkg/logger"
	"finledger/process/receiptwatch"
)

func main() {
	log := logger.New()

	dir := flag.String("dir", "receipts", "directory to watch for receipt files")
	user := flag.String("user", "", "username the ingested transactions belong to")
	account := flag.Uint("account", 0, "account id the ingested transactions post to")
	workers := flag.Int("workers", 2, "number of ingestion workers")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal().Msg("DB_DSN not set in env")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}

	ctx := context.Background()

	var gate admission.Gate = admission.Open()
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		client, err := admission.NewRedisClient(ctx, addr)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		gate = admission.NewRedisGate(client, 30, time.Minute, nil)
	}

	scanner, err := extract.NewClient(ctx, os.Getenv("GEMINI_MODEL"))
	if err != nil {
		log.Fatal().Err(err).Msg("extraction client init failed")
	}

	cfg := receiptwatch.Config{
		Dir:       *dir,
		Username:  *user,
		AccountID: *account,
		Workers:   *workers,
	}
	if err := receiptwatch.Run(ctx, cfg, ledger.New(gdb, gate), scanner, log); err != nil {
		log.Fatal().Err(err).Msg("receipt watcher stopped")
	}
}
