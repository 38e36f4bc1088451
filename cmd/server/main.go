// Package main is the entry point for the payment reconciliation daemon.
// It watches the daemon/wallet pair of each configured currency, reconciles
// incoming transfers against open invoices, and exposes the callback and
// status API over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wownero420/btcpayserver/internal/config"
	"github.com/wownero420/btcpayserver/internal/database"
	"github.com/wownero420/btcpayserver/internal/events"
	"github.com/wownero420/btcpayserver/internal/invoices"
	"github.com/wownero420/btcpayserver/internal/listener"
	"github.com/wownero420/btcpayserver/internal/monitor"
	"github.com/wownero420/btcpayserver/internal/payments"
	"github.com/wownero420/btcpayserver/internal/server"
	"github.com/wownero420/btcpayserver/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Strs("currencies", cfg.Codes()).Msg("Starting payment server")

	// The invoice ledger records real money movements, so it runs with the
	// strictest durability profile.
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "invoices.db"),
		Profile: database.ProfileLedger,
		Name:    "invoices",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open invoice database")
	}
	defer db.Close()

	bus := events.NewBus(log)
	manager := events.NewManager(bus, log)

	repo, err := invoices.NewRepository(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize invoice repository")
	}
	paymentService := invoices.NewPaymentService(db, log)

	provider := monitor.NewProvider(cfg.Currencies, manager, log)
	updater := monitor.NewSummaryUpdater(provider, log)

	accounts := make(map[string]int64, len(cfg.Currencies))
	for code, item := range cfg.Currencies {
		accounts[code] = item.AccountIndex
	}
	paymentsHandler := payments.NewHandler(provider, accounts, log)

	paymentListener := listener.New(provider, repo, paymentService, manager, log)
	paymentListener.Start()
	defer paymentListener.Stop()

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Config:   cfg,
		DB:       db,
		Provider: provider,
		Manager:  manager,
		Repo:     repo,
		Payments: paymentsHandler,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		updater.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		paymentListener.Run(ctx)
	}()

	// Failsafe sweep: the daemon callbacks are fire-and-forget, so a missed
	// notification would otherwise stall settlement until the next block.
	scheduler := cron.New()
	for _, code := range cfg.Codes() {
		cryptoCode := code
		if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
			paymentListener.TriggerSweep(cryptoCode)
		}); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule")
		}
	}
	// The ledger runs in WAL mode; without periodic checkpoints the WAL file
	// grows unbounded on a busy store.
	if _, err := scheduler.AddFunc("@hourly", func() {
		if err := db.WALCheckpoint(""); err != nil {
			log.Error().Err(err).Msg("WAL checkpoint failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule WAL checkpoint")
	}
	scheduler.Start()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
