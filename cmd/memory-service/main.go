// memory-service is the persistence tier: episodic events, heuristics,
// vector search, Bayesian confidence updates, and entity extraction,
// backed by sqlite with sqlite-vec.
//
// External dependencies:
//   - SQLite (embedded, via go-sqlite3 + sqlite-vec)
//   - Ollama (for embeddings and text generation)
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
	"github.com/vthunder/gladys/internal/memory"
)

func main() {
	godotenv.Load()
	cfg := config.LoadMemory()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	svc, err := memory.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize memory service: %v", err)
	}
	defer svc.Close()

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: svc.Routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("memory", "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logging.Info("memory", "listening on :%s (data: %s, model: %s/%d)",
		cfg.Port, cfg.DataDir, cfg.EmbedModel, cfg.EmbedDim)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
