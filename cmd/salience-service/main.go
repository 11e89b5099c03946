// salience-service scores how much attention an event deserves. It keeps
// a local cache of events and heuristics, embeds incoming text through
// the memory service, and falls back to storage matching on cache misses.
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

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/salience"
)

func main() {
	godotenv.Load()
	cfg := config.LoadSalience()

	svc, err := salience.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize salience service: %v", err)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: svc.Routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("salience", "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logging.Info("salience", "listening on :%s (scorer: %s, memory: %s)",
		cfg.Port, cfg.Scorer, cfg.MemoryAddress)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
