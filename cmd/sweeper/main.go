// The sweeper expires payment links whose validity has lapsed. It runs as a
// separate process so a wedged bot can never stall expiry, and expiry can
// never compete with webhook traffic for the bot's connections.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/config"
	kafkax "github.com/dumuapparels/igbot/internal/kafka"
	"github.com/dumuapparels/igbot/internal/orders"
	"github.com/dumuapparels/igbot/internal/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName+"-sweeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, audit.Topic, 256)
	prod.Start(ctx)
	auditPub := &audit.KafkaPublisher{Producer: prod, Service: cfg.ServiceName + "-sweeper"}

	svc := &orders.Service{
		Store: &orders.Repo{DB: db},
		Audit: auditPub,
		Log:   logger,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("sweeper running", "interval", cfg.SweepInterval.String())
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := svc.ExpireStale(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale links", "count", n)
			}
		case <-sig:
			logger.Info("shutting down")
			prod.Close()
			cancel()
			prod.WaitClosed()
			return
		}
	}
}
