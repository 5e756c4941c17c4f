package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"expodesk.app/cloud/handlers"
	"expodesk.app/cloud/internal/config"
	"expodesk.app/cloud/internal/email"
	"expodesk.app/cloud/internal/entitlement"
	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/internal/paypal"
	"expodesk.app/cloud/internal/session"
	"expodesk.app/cloud/models"
	"expodesk.app/cloud/storage"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	db, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close storage", map[string]interface{}{"error": err.Error()})
		}
	}()

	gateway := paypal.NewClient(cfg.PayPalAPIBase, cfg.PayPalClientID, cfg.PayPalClientSecret)
	verifier := paypal.NewVerifier(gateway)
	signatures := paypal.NewSignatureVerifier(cfg.PayPalWebhookID)

	applier := entitlement.NewApplier(db, entitlement.PriceTable{
		models.KindExhibitorSlots: cfg.ExhibitorSlotPriceCents,
		models.KindSessionSlots:   cfg.SessionSlotPriceCents,
		models.KindModule:         cfg.ModulePriceCents,
	}, cfg.Currency, email.NewQuotaNotifier())

	sessions := session.NewController(db, cfg.DefaultMaxSessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := session.NewReaper(db, cfg.SessionIdleTTL)
	go reaper.Run(ctx)

	server := handlers.NewServer(db, verifier, signatures, applier, sessions)
	server.Version = version

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}

	go func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error("Server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("Expodesk entitlement API starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
