package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/correlation"
	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/monitor"
	"github.com/lntools/paywatch/internal/notify"
	"github.com/lntools/paywatch/internal/registry"
	"github.com/lntools/paywatch/internal/resilience"
	"github.com/lntools/paywatch/internal/server"
	"github.com/lntools/paywatch/internal/service"
	"github.com/lntools/paywatch/internal/wallet"
)

func main() {
	// Optional .env for local development; env vars win.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	cfg := config.Load()
	if cfg.Wallet.APIKey == "" {
		log.Println("WALLET_API_KEY not set, upstream calls will be unauthenticated")
	}

	// One breaker guards all connectivity-classed upstream calls.
	breaker := resilience.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	client := wallet.NewGraphQLClient(cfg.Wallet, breaker)

	reg := registry.New(cfg.Monitor.Retention)
	engine := correlation.NewEngine(cfg.Correlation)

	fanout := notify.NewFanout()
	defer fanout.Close()

	if cfg.AMQP.URL != "" {
		sink, err := notify.NewAMQPSink(cfg.AMQP)
		if err != nil {
			log.Fatalf("failed to initialize AMQP sink: %v", err)
		}
		fanout.AttachSink(sink)
	}
	if cfg.NATS.URL != "" {
		sink, err := notify.NewNATSSink(cfg.NATS)
		if err != nil {
			log.Fatalf("failed to initialize NATS sink: %v", err)
		}
		fanout.AttachSink(sink)
	}

	// The push transport is enabled only when a subscription endpoint is
	// configured; polling covers detection either way.
	var dial monitor.DialFunc
	if cfg.Wallet.WSURL != "" {
		wsURL, apiKey, ackTimeout := cfg.Wallet.WSURL, cfg.Wallet.APIKey, cfg.Monitor.AckTimeout
		dial = func(ctx context.Context, health *domain.ConnectionHealth) (monitor.PushConn, error) {
			return wallet.DialSubscription(ctx, wsURL, apiKey, ackTimeout, health)
		}
	}

	mon := monitor.New(cfg.Monitor, cfg.Reconnect, client, reg, engine, fanout, dial)
	detector := service.NewDetector(cfg.Monitor, client, reg, mon, fanout)

	detector.StartMonitoring()
	defer detector.StopMonitoring()

	ops := server.New(detector, mon)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: ops.Router(),
	}

	go func() {
		log.Printf("paywatch ops server starting on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}
