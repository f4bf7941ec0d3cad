package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/catalog"
	"github.com/dumuapparels/igbot/internal/chat"
	"github.com/dumuapparels/igbot/internal/config"
	"github.com/dumuapparels/igbot/internal/genai"
	"github.com/dumuapparels/igbot/internal/httpx"
	"github.com/dumuapparels/igbot/internal/identity"
	kafkax "github.com/dumuapparels/igbot/internal/kafka"
	"github.com/dumuapparels/igbot/internal/orders"
	"github.com/dumuapparels/igbot/internal/payments"
	"github.com/dumuapparels/igbot/internal/platform"
	"github.com/dumuapparels/igbot/internal/postgres"
	"github.com/dumuapparels/igbot/internal/reconcile"
	"github.com/dumuapparels/igbot/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer (audit stream)
	prod := kafkax.NewProducer(cfg.KafkaBrokers, audit.Topic, 1024)
	prod.Start(ctx)
	auditPub := &audit.KafkaPublisher{Producer: prod, Service: cfg.ServiceName}

	// Repos
	users := &identity.Repo{DB: db}
	products := &catalog.Repo{DB: db}
	orderRepo := &orders.Repo{DB: db}
	convos := &chat.ConvLogRepo{DB: db}

	// Payment providers, primary first
	kopo := payments.NewKopoKopo(
		cfg.KopoKopoBaseURL, cfg.KopoKopoClientID, cfg.KopoKopoClientSecret,
		cfg.KopoKopoTillNumber, cfg.BaseURL+"/payments/kopokopo/callback", logger)
	pesa := payments.NewPesaPal(
		cfg.PesaPalBaseURL, cfg.PesaPalConsumerKey, cfg.PesaPalSecret,
		cfg.BaseURL+"/payments/pesapal/ipn", logger)
	chain := &payments.Chain{Providers: []payments.Provider{kopo, pesa}, Log: logger}

	orderSvc := &orders.Service{
		Store:   orderRepo,
		Chain:   chain,
		Audit:   auditPub,
		Log:     logger,
		LinkTTL: cfg.LinkTTL,
	}

	sender := platform.NewClient(cfg.PageAccessToken, logger)

	// No API key means the fallback runs permanently degraded: unmatched
	// free text gets the main menu instead of a completion.
	var fallback chat.Completer
	if cfg.OpenAIKey != "" {
		fallback = genai.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIKey)
	} else {
		logger.Warn("no OPENAI_API_KEY set, generative fallback disabled")
	}

	chatRouter := &chat.Router{
		Users:           users,
		Catalog:         products,
		Orders:          orderSvc,
		Send:            sender,
		Convos:          convos,
		Audit:           auditPub,
		Log:             logger,
		Fallback:        fallback,
		FallbackTimeout: cfg.FallbackTimeout,
	}

	notifier := &chat.Notifier{
		Users: users, Send: sender, Convos: convos, Audit: auditPub, Log: logger,
	}
	reconciler := &reconcile.Reconciler{
		Orders:   orderSvc,
		Store:    orderRepo,
		Dedup:    &reconcile.RedisDeduper{Client: rdb},
		Notifier: notifier,
		Audit:    auditPub,
		Log:      logger,
	}

	router := httpx.NewRouter()
	wh := &httpx.WebhookHandler{VerifyToken: cfg.VerifyToken, Router: chatRouter, Log: logger}
	wh.Register(router)
	ph := &httpx.PaymentsHandler{KopoKopo: kopo, PesaPal: pesa, Reconciler: reconciler, Log: logger}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		logger.Info("HTTP listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	wh.Drain()        // finish in-flight webhook events before sinks close
	prod.Close()      // close inbox, flush and close writer
	cancel()          // stop producer loop
	prod.WaitClosed() // drain
}
