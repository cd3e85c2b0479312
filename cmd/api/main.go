package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"wayfare/api/internal/app"
	"wayfare/api/internal/collab"
	"wayfare/api/internal/config"
	"wayfare/api/internal/hub"
	"wayfare/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Redis holds all collaboration state; without it there is nothing to
	// serve. One client is shared by the store and the broadcast backend.
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancel()
	collabStore := collab.NewRedisStoreWithClient(redisClient, cfg.PresenceTTL)

	// Postgres only backs plan existence checks and display names; the
	// collaboration endpoints degrade gracefully without it.
	var (
		plans app.PlanAccess
		users app.UserDirectory
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARNING: database unavailable, running without plan checks: %v", err)
		} else {
			defer db.Close()
			pg := store.NewPostgresStore(db)
			plans = pg
			users = pg
		}
	}

	var bcast hub.Broadcaster
	switch cfg.BroadcastBackend {
	case "redis":
		log.Printf("Broadcasting snapshots via Redis pub/sub")
		bcast = hub.NewRedisBroadcaster(redisClient)
	default:
		bcast = hub.NewLocalBroadcaster()
	}

	registry := hub.NewRegistry(collabStore, bcast, cfg.SweepInterval, cfg.StaleThreshold)
	if err := registry.Start(); err != nil {
		log.Fatalf("push registry failed to start: %v", err)
	}

	service := app.New(cfg, collabStore, plans, users)
	httpServer := app.NewHTTPServer(service, registry, cfg.CORSOrigin)

	// Read and write timeouts stay unset: push connections outlive any
	// sane request deadline.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Wayfare collaboration API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	registry.Stop()
}
