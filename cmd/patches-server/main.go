package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/patches-server/internal/config"
	"github.com/mozilla-services/patches-server/internal/orchestrator"
	"github.com/mozilla-services/patches-server/internal/persistence"
	"github.com/mozilla-services/patches-server/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/patches-server/config.yaml)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Persistence.RedisAddr,
		Password: cfg.Persistence.RedisPassword,
		DB:       cfg.Persistence.RedisDB,
	})
	store := persistence.NewStore(redisClient)

	state, err := orchestrator.New(cfg.Orchestrator())
	if err != nil {
		log.Fatalf("Failed to configure orchestrator: %v", err)
	}

	rebuildCtx, cancelRebuild := context.WithTimeout(context.Background(), 10*time.Second)
	snap, err := store.Rebuild(rebuildCtx)
	cancelRebuild()
	if err != nil {
		log.Printf("Warning: failed to rehydrate from persistence, starting cold: %v", err)
	} else {
		state.Restore(snap)
		log.Printf("Rehydrated %d session(s) from persistence", len(snap.Sessions))
	}

	mux := http.NewServeMux()
	transport.NewHandler(state).Routes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down, persisting state...")

		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.Persist(persistCtx, state.Snapshot()); err != nil {
			log.Printf("Warning: failed to persist state on shutdown: %v", err)
		}
		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		cancelShutdown()
	}()

	log.Printf("Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
