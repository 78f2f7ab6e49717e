package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatsync/internal/auth"
	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/httpapi"
	"github.com/whisper/chatsync/internal/messaging"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Postgres ---
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-api"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The limiter fails open, so the API still serves without Redis.
		log.Printf("redis unavailable at %s, rate limiting disabled: %v", cfg.RedisAddr, err)
	}
	cancel()

	api := httpapi.New(
		store.New(db),
		auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		natsClient,
		ratelimit.NewLimiter(rdb),
	)
	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Whisper API starting")
	log.Printf("  listen_addr: %s", cfg.APIAddr)
	log.Printf("  nats_url:    %s", natsConfig.URL)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)
	log.Printf("  token_ttl:   %s", cfg.TokenTTL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		natsClient.Close()
		rdb.Close()
		db.Close()
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
