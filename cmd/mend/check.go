package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/controller"
	"github.com/mendhq/mend/internal/types"
)

var checkDemo bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one detection pass and print health",
	Long: `Poll every collaborator once, print the detected faults and the
weighted health score, and exit. No repairs are performed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Mode = types.ModeDisabled
		if !checkDemo {
			return fmt.Errorf("no collaborators registered; run with --demo or embed mend as a library")
		}

		registry, _, err := demoRegistry(time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("building demo registry: %w", err)
		}
		ctrl, err := controller.New(cfg, registry, nil)
		if err != nil {
			return fmt.Errorf("creating controller: %w", err)
		}

		ctx := context.Background()
		ctrl.Tick(ctx)
		printHealth(ctrl.GetHealth(ctx))
		printFaults(ctrl.GetFaults())
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkDemo, "demo", false, "check the simulated workload")
	rootCmd.AddCommand(checkCmd)
}

func printHealth(score *types.HealthScore) {
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("%s\n", yellow("Health:"))
	fmt.Printf("  Overall: %s (%s)\n", scoreColor(score.Overall)(fmt.Sprintf("%.1f", score.Overall)), score.Level)
	for _, comp := range score.Components {
		marker := "●"
		if !comp.Present {
			marker = "○"
		}
		fmt.Printf("  %s %-14s %6.1f  (weight %.2f)\n", marker, comp.Component, comp.Score, comp.Weight)
	}
	if score.Trend.Direction != "" {
		fmt.Printf("  Trend: %s (slope %.2f, confidence %.2f)\n",
			score.Trend.Direction, score.Trend.Slope, score.Trend.Confidence)
	}
	fmt.Println()
}

func printFaults(faults []*types.Fault) {
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("%s\n", yellow("Faults:"))
	if len(faults) == 0 {
		fmt.Printf("  %s\n", gray("none detected"))
		return
	}
	for _, f := range faults {
		state := gray("unresolved")
		if f.Resolved {
			state = gray("resolved")
		} else if f.Unrepairable {
			state = red("unrepairable")
		}
		fmt.Printf("  [%s] %s/%s: %s (%s, seen %dx)\n",
			f.Severity, f.Source, f.Type, f.Description, state, f.Occurrences)
	}
}

func scoreColor(score float64) func(a ...interface{}) string {
	switch {
	case score >= 75:
		return color.New(color.FgGreen).SprintFunc()
	case score >= 40:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed).SprintFunc()
	}
}
