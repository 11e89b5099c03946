// orchestrator is the front door of the event loop: sensors publish
// events here, the router scores and queues them, a worker drains the
// queue into the executive, and responses fan out to subscribers.
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
	"github.com/vthunder/gladys/internal/executive"
	"github.com/vthunder/gladys/internal/learning"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/orchestrator"
	"github.com/vthunder/gladys/internal/outcome"
	"github.com/vthunder/gladys/internal/salience"
	"github.com/vthunder/gladys/internal/sensors/discord"
)

func main() {
	godotenv.Load()
	cfg := config.LoadOrchestrator()

	memClient := memory.NewClient(cfg.MemoryAddress)
	salClient := salience.NewClient(cfg.SalienceAddress)
	execClient := executive.NewClient(cfg.ExecutiveAddress)

	strategy, err := learning.NewStrategy(cfg.LearningStrategy, learning.Config{
		UndoWindow:        cfg.LearningUndoWindow,
		IgnoredThreshold:  cfg.LearningIgnoredThreshold,
		UndoKeywords:      cfg.LearningUndoKeywords,
		ImplicitMagnitude: cfg.LearningImplicitMagnitude,
		ExplicitMagnitude: cfg.LearningExplicitMagnitude,
	})
	if err != nil {
		log.Fatalf("Failed to initialize learning strategy: %v", err)
	}
	learningModule := learning.NewModule(strategy, memClient, learning.Config{
		UndoWindow:       cfg.LearningUndoWindow,
		IgnoredThreshold: cfg.LearningIgnoredThreshold,
	})

	var watcher *outcome.Watcher
	if cfg.OutcomeWatcherEnabled {
		patterns, err := loadPatterns(cfg)
		if err != nil {
			log.Fatalf("Failed to load outcome patterns: %v", err)
		}
		watcher = outcome.NewWatcher(patterns, cfg.OutcomeTimeout, learningModule)
		logging.Info("orchestrator", "outcome watcher enabled (%d patterns, timeout %s)",
			len(patterns), cfg.OutcomeTimeout)
	}

	router := orchestrator.NewRouter(cfg, salClient, memClient, execClient, learningModule, watcher)
	registry := orchestrator.NewRegistry(60 * time.Second)
	srv := orchestrator.NewServer(router, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Run(ctx)

	if cfg.DiscordToken != "" {
		sensor, err := discord.NewSensor(discord.Config{
			Token:     cfg.DiscordToken,
			ChannelID: cfg.DiscordChannelID,
			OwnerID:   cfg.DiscordOwnerID,
		}, orchestrator.NewClient("http://localhost:"+cfg.Port))
		if err != nil {
			log.Fatalf("Failed to create Discord sensor: %v", err)
		}
		go func() {
			// Give the HTTP listener a moment to come up.
			time.Sleep(time.Second)
			if err := sensor.Start(); err != nil {
				logging.Error("orchestrator", "Discord sensor failed to start: %v", err)
				return
			}
			registry.Register("discord-sensor", "sensor", "", []string{"events"})
		}()
		defer sensor.Stop()
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("orchestrator", "shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("orchestrator", "listening on :%s (salience: %s, memory: %s, executive: %s)",
		cfg.Port, cfg.SalienceAddress, cfg.MemoryAddress, cfg.ExecutiveAddress)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

func loadPatterns(cfg config.Orchestrator) ([]outcome.Pattern, error) {
	if cfg.OutcomePatternsFile != "" {
		return outcome.LoadPatternsFile(cfg.OutcomePatternsFile)
	}
	return outcome.ParsePatternsJSON(cfg.OutcomePatternsJSON)
}
