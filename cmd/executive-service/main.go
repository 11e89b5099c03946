// executive-service decides how to respond to events the orchestrator
// queues: a confident heuristic answers directly, everything else goes
// through the LLM, and positive feedback grows new heuristics.
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
	"github.com/vthunder/gladys/internal/embedding"
	"github.com/vthunder/gladys/internal/executive"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/memory"
)

func main() {
	godotenv.Load()
	cfg := config.LoadExecutive()

	llm := embedding.NewClient(cfg.OllamaURL, "")
	llm.SetGenerationModel(cfg.GenModel)
	if !llm.Healthy() {
		logging.Warn("executive", "Ollama unreachable at %s; LLM path degraded", cfg.OllamaURL)
	}

	mem := memory.NewClient(cfg.MemoryAddress)

	svc, err := executive.NewService(cfg, llm, mem)
	if err != nil {
		log.Fatalf("Failed to initialize executive service: %v", err)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: svc.Routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("executive", "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logging.Info("executive", "listening on :%s (model: %s, memory: %s)",
		cfg.Port, cfg.GenModel, cfg.MemoryAddress)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
