package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/salesync/internal/alegra"
	"github.com/punchamoorthee/salesync/internal/config"
	"github.com/punchamoorthee/salesync/internal/logger"
	"github.com/punchamoorthee/salesync/internal/normalize"
	"github.com/punchamoorthee/salesync/internal/service"
	"github.com/punchamoorthee/salesync/internal/store"
)

// sync runs a single synchronization and exits non-zero on failure.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sync failed:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docStore, err := store.NewDocumentStore(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer docStore.Close()

	client := alegra.NewClient(alegra.Options{
		BaseURL:    cfg.AlegraBaseURL,
		Email:      cfg.AlegraEmail,
		Token:      cfg.AlegraToken,
		UserAgent:  cfg.UserAgent,
		PageSize:   cfg.PageSize,
		PageDelay:  cfg.PageDelay,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:     log,
	})

	svc := service.NewSyncService(client, docStore,
		normalize.New(cfg.CanceledStatuses, nil),
		service.WindowPolicy{
			LookbackDays: cfg.LookbackDays,
			OverlapDays:  cfg.OverlapDays,
			FullReload:   cfg.FullReload,
		},
		log, nil)

	report, err := svc.Run(ctx)
	if err != nil {
		return err
	}
	for _, tr := range report.Types {
		fmt.Printf("%s: %d upserted (%s, %d skipped)\n", tr.DocType, tr.Upserted, tr.Mode, tr.Skipped)
	}
	return nil
}
