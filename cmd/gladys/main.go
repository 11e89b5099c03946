// gladys is the management CLI: health checks, event injection,
// feedback, queue inspection, cache management, and heuristic seeding.
// It is a pure client of the service APIs and never touches processes
// or storage directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/executive"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/orchestrator"
	"github.com/vthunder/gladys/internal/salience"
	"github.com/vthunder/gladys/internal/types"
)

// clients bundles one client per service, built from the environment.
type clients struct {
	orchestrator *orchestrator.Client
	memory       *memory.Client
	salience     *salience.Client
	executive    *executive.Client
}

func newClients() *clients {
	cfg := config.LoadCLI()
	return &clients{
		orchestrator: orchestrator.NewClient(cfg.OrchestratorAddress),
		memory:       memory.NewClient(cfg.MemoryAddress),
		salience:     salience.NewClient(cfg.SalienceAddress),
		executive:    executive.NewClient(cfg.ExecutiveAddress),
	}
}

func main() {
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := &cobra.Command{
		Use:           "gladys",
		Short:         "Manage a running gladys deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		statusCmd(),
		healthCmd(),
		sendCmd(),
		feedbackCmd(),
		queueCmd(),
		cacheCmd(),
		heuristicsCmd(),
		resetCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check every service's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClients()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			type check struct {
				name    string
				healthy func(context.Context) bool
			}
			checks := []check{
				{"orchestrator", c.orchestrator.Healthy},
				{"memory", c.memory.Healthy},
				{"salience", c.salience.Healthy},
				{"executive", c.executive.Healthy},
			}

			results := make([]bool, len(checks))
			g, gctx := errgroup.WithContext(ctx)
			for i, ch := range checks {
				g.Go(func() error {
					results[i] = ch.healthy(gctx)
					return nil
				})
			}
			g.Wait()

			allUp := true
			for i, ch := range checks {
				state := "up"
				if !results[i] {
					state = "DOWN"
					allUp = false
				}
				fmt.Printf("%-14s %s\n", ch.name, state)
			}
			if !allUp {
				return fmt.Errorf("one or more services are down")
			}
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health [orchestrator|memory|salience|executive]",
		Short: "Show detailed health for one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClients()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var details any
			var err error
			switch args[0] {
			case "orchestrator":
				details, err = c.orchestrator.HealthDetails(ctx)
			case "memory":
				details, err = c.memory.HealthDetails(ctx)
			case "salience":
				details, err = c.salience.HealthDetails(ctx)
			case "executive":
				details, err = c.executive.HealthDetails(ctx)
			default:
				return fmt.Errorf("unknown service %q", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(details)
		},
	}
}

func sendCmd() *cobra.Command {
	var source, eventType, text string
	var threat, salienceScore float64

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Inject one event and print its ack",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text is required")
			}
			ev := &types.Event{
				Source:    source,
				Type:      eventType,
				RawText:   text,
				Timestamp: time.Now(),
			}
			if threat > 0 || salienceScore > 0 {
				ev.Salience = &types.SalienceVector{
					Threat:   threat,
					Salience: salienceScore,
					ModelID:  "cli",
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ack, err := newClients().orchestrator.PublishEvent(ctx, ev)
			if err != nil {
				return err
			}
			return printJSON(ack)
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "event source")
	cmd.Flags().StringVar(&eventType, "type", "message", "event type")
	cmd.Flags().StringVar(&text, "text", "", "event text (required)")
	cmd.Flags().Float64Var(&threat, "threat", 0, "explicit threat score (0-1)")
	cmd.Flags().Float64Var(&salienceScore, "salience", 0, "explicit salience score (0-1)")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var positive, negative bool
	var eventID string

	cmd := &cobra.Command{
		Use:   "feedback <response_id>",
		Short: "Report feedback on a response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if positive == negative {
				return fmt.Errorf("exactly one of --positive or --negative is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			result, err := newClients().orchestrator.Feedback(ctx, eventID, args[0], positive)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&positive, "positive", false, "the response was helpful")
	cmd.Flags().BoolVar(&negative, "negative", false, "the response was not helpful")
	cmd.Flags().StringVar(&eventID, "event-id", "", "event the response answered")
	return cmd
}

func resetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to wipe memory without --yes")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClients().memory.Reset(ctx); err != nil {
				return err
			}
			fmt.Println("memory reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
