package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/salesync/internal/alegra"
	"github.com/punchamoorthee/salesync/internal/api"
	"github.com/punchamoorthee/salesync/internal/config"
	"github.com/punchamoorthee/salesync/internal/logger"
	"github.com/punchamoorthee/salesync/internal/normalize"
	"github.com/punchamoorthee/salesync/internal/service"
	"github.com/punchamoorthee/salesync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logg := logger.New(cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docStore, err := store.NewDocumentStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer docStore.Close()

	// Initialize Layers
	client := alegra.NewClient(alegra.Options{
		BaseURL:    cfg.AlegraBaseURL,
		Email:      cfg.AlegraEmail,
		Token:      cfg.AlegraToken,
		UserAgent:  cfg.UserAgent,
		PageSize:   cfg.PageSize,
		PageDelay:  cfg.PageDelay,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:     logg,
	})
	svc := service.NewSyncService(client, docStore,
		normalize.New(cfg.CanceledStatuses, nil),
		service.WindowPolicy{
			LookbackDays: cfg.LookbackDays,
			OverlapDays:  cfg.OverlapDays,
			FullReload:   cfg.FullReload,
		},
		logg, nil)
	handler := api.NewHandler(ctx, svc, docStore, logg)

	if cfg.SyncInterval > 0 {
		go scheduleSync(ctx, svc, cfg.SyncInterval, logg)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logg.Info("server starting", "port", cfg.Port, "env", cfg.Env, "sync_interval", cfg.SyncInterval.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

// scheduleSync runs a sync every interval until ctx is done. A tick that
// lands while a run is still active is dropped.
func scheduleSync(ctx context.Context, svc *service.SyncService, interval time.Duration, logg *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Run(ctx); errors.Is(err, service.ErrSyncInProgress) {
				logg.Warn("scheduled sync skipped, previous run still active")
			}
		}
	}
}
