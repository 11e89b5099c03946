package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vthunder/gladys/internal/types"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the orchestrator's event queue",
	}
	cmd.AddCommand(queueStatsCmd(), queueListCmd(), queueWatchCmd())
	return cmd
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			stats, err := newClients().orchestrator.QueueStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func queueListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued events, highest salience first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			events, total, err := newClients().orchestrator.ListQueued(ctx, limit)
			if err != nil {
				return err
			}

			if len(events) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for _, ev := range events {
				age := time.Duration(ev.AgeMS) * time.Millisecond
				line := fmt.Sprintf("%.2f  %-12s %-8s %s", ev.Salience, ev.Source, age.Round(time.Second), ev.RawText)
				if ev.MatchedHeuristicID != "" {
					line += fmt.Sprintf("  [%s %.2f]", ev.MatchedHeuristicID, ev.HeuristicConfidence)
				}
				fmt.Println(line)
			}
			if total > len(events) {
				fmt.Printf("... and %d more\n", total-len(events))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to list")
	return cmd
}

func queueWatchCmd() *cobra.Command {
	var sources []string
	var includeImmediate bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream response envelopes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := newClients().orchestrator.WatchResponses(cmd.Context(), "gladys-cli", sources, includeImmediate,
				func(resp *types.Response) {
					ts := time.UnixMilli(resp.ResponseTimestampMS).Format("15:04:05")
					fmt.Printf("[%s] %-9s %s -> %s\n", ts, resp.RoutingPath, resp.EventID, resp.ResponseText)
				})
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "source prefix filters")
	cmd.Flags().BoolVar(&includeImmediate, "include-immediate", true, "include emergency fast-path responses")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
