package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/controller"
	"github.com/mendhq/mend/internal/events"
)

var (
	runDemo     bool
	metricsAddr string
	demoSeed    int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the autorepair loop",
	Long: `Start the autorepair loop and run until interrupted. With --demo,
mend monitors a simulated four-subsystem workload that periodically
breaks itself, so the full detect/classify/repair/verify cycle is
visible without wiring real collaborators.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !runDemo {
			return fmt.Errorf("no collaborators registered; run with --demo or embed mend as a library")
		}

		registry, world, err := demoRegistry(demoSeed)
		if err != nil {
			return fmt.Errorf("building demo registry: %w", err)
		}

		sink := make(events.ChannelSink, 256)
		ctrl, err := controller.New(cfg, registry, nil, sink)
		if err != nil {
			return fmt.Errorf("creating controller: %w", err)
		}

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					fmt.Fprintf(os.Stderr, "Metrics server error: %v\n", err)
				}
			}()
			fmt.Printf("Metrics on http://%s/metrics\n", metricsAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go printEvents(ctx, sink)
		go disturbPeriodically(ctx, world, cfg.Interval())

		ctrl.Start(ctx)

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n", cyan("=== mend autorepair running ==="))
		fmt.Printf("Mode: %s, interval: %v. Press Ctrl-C to stop.\n\n", cfg.Mode, cfg.Interval())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Printf("\nShutting down, waiting for any in-flight cycle...\n")
		ctrl.Stop()
		cancel()
		printSummary(ctrl)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDemo, "demo", false, "monitor a simulated workload")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9878)")
	runCmd.Flags().Int64Var(&demoSeed, "seed", time.Now().UnixNano(), "demo workload random seed")
	rootCmd.AddCommand(runCmd)
}

// disturbPeriodically breaks the demo world every other tick.
func disturbPeriodically(ctx context.Context, world *simWorld, interval time.Duration) {
	ticker := time.NewTicker(2 * interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			world.disturb()
		}
	}
}

// printEvents renders the event stream with severity-appropriate colors.
func printEvents(ctx context.Context, sink events.ChannelSink) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink:
			stamp := gray(ev.Timestamp.Format("15:04:05"))
			switch ev.Type {
			case events.EventFaultDetected, events.EventSourceDegraded:
				fmt.Printf("%s %s %s\n", stamp, yellow("⚠ "+string(ev.Type)), ev.Message)
			case events.EventFaultUnrepairable, events.EventHealthCritical,
				events.EventAutorepairBlocked, events.EventRollbackPerformed:
				fmt.Printf("%s %s %s\n", stamp, red("✗ "+string(ev.Type)), ev.Message)
			case events.EventHealingCycleCompleted, events.EventRepairCompleted:
				fmt.Printf("%s %s %s\n", stamp, green("✓ "+string(ev.Type)), ev.Message)
			default:
				fmt.Printf("%s %s %s\n", stamp, gray(string(ev.Type)), ev.Message)
			}
		}
	}
}

// printSummary prints final statistics after shutdown.
func printSummary(ctrl *controller.Controller) {
	yellow := color.New(color.FgYellow).SprintFunc()
	stats := ctrl.GetStatistics()

	fmt.Printf("\n%s\n", yellow("Session summary:"))
	fmt.Printf("  Cycles:    %d", stats.CyclesTotal)
	for outcome, n := range stats.CyclesByOutcome {
		fmt.Printf("  %s=%d", outcome, n)
	}
	fmt.Println()
	fmt.Printf("  Repairs:   %d attempted, %d succeeded\n", stats.RepairsTotal, stats.RepairsSucceeded)
	fmt.Printf("  Resolved:  %d faults\n", stats.FaultsResolved)
	if stats.Rollbacks > 0 {
		fmt.Printf("  Rollbacks: %d\n", stats.Rollbacks)
	}
}
