package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the salience service's heuristic cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache occupancy and hit rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			stats, err := newClients().salience.CacheStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Drop every cached heuristic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			flushed, err := newClients().salience.FlushCache(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("flushed %d entries\n", flushed)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "evict <heuristic_id>",
		Short: "Drop one heuristic from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			found, err := newClients().salience.EvictHeuristic(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("not cached")
				return nil
			}
			fmt.Println("evicted")
			return nil
		},
	})

	return cmd
}

func heuristicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heuristics",
		Short: "Inspect and seed learned heuristics",
	}
	cmd.AddCommand(heuristicsListCmd(), heuristicsGetCmd(), heuristicsSeedCmd())
	return cmd
}

func heuristicsListCmd() *cobra.Command {
	var minConfidence float64
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List heuristics by confidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			matches, err := newClients().memory.ListHeuristics(ctx, minConfidence, limit)
			if err != nil {
				return err
			}

			if len(matches) == 0 {
				fmt.Println("no heuristics")
				return nil
			}
			for _, m := range matches {
				h := m.Heuristic
				fmt.Printf("%.2f  %-36s %-8s %d/%d  %s\n",
					h.Confidence, h.ID, h.Origin, h.SuccessCount, h.FireCount,
					logging.Truncate(h.ConditionText, 60))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "confidence floor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum heuristics to list")
	return cmd
}

func heuristicsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <heuristic_id>",
		Short: "Show one heuristic in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			h, err := newClients().memory.GetHeuristic(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(h)
		},
	}
}

// seedFile is the YAML shape heuristic packs use.
type seedFile struct {
	Heuristics []struct {
		Name      string `yaml:"name"`
		Condition string `yaml:"condition"`
		Action    struct {
			Type    string `yaml:"type"`
			Message string `yaml:"message"`
		} `yaml:"action"`
		Confidence float64            `yaml:"confidence"`
		Salience   map[string]float64 `yaml:"salience,omitempty"`
		Frozen     bool               `yaml:"frozen,omitempty"`
	} `yaml:"heuristics"`
}

func heuristicsSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load heuristics from a YAML pack into memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var pack seedFile
			if err := yaml.Unmarshal(data, &pack); err != nil {
				return fmt.Errorf("invalid pack file: %w", err)
			}
			if len(pack.Heuristics) == 0 {
				return fmt.Errorf("pack contains no heuristics")
			}

			c := newClients()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			for _, entry := range pack.Heuristics {
				if entry.Condition == "" || entry.Action.Message == "" {
					return fmt.Errorf("heuristic %q needs condition and action.message", entry.Name)
				}
				confidence := entry.Confidence
				if confidence <= 0 {
					confidence = 0.5
				}
				h := &types.Heuristic{
					Name:          entry.Name,
					ConditionText: entry.Condition,
					Effects: &types.Effects{
						Type:     entry.Action.Type,
						Message:  entry.Action.Message,
						Salience: entry.Salience,
					},
					Confidence: confidence,
					Origin:     types.OriginPack,
					Frozen:     entry.Frozen,
					CreatedAt:  time.Now(),
				}
				id, err := c.memory.StoreHeuristic(ctx, h, true)
				if err != nil {
					return fmt.Errorf("storing %q: %w", entry.Name, err)
				}
				fmt.Printf("seeded %s (%s)\n", id, entry.Name)
			}
			return nil
		},
	}
}
