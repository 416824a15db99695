// mend is the self-healing control loop CLI. It watches registered
// subsystems for faults, classifies them, and repairs them through the
// healing pipeline, with snapshots and rollback guarding against repairs
// that make things worse.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mend",
	Short: "Self-healing control loop",
	Long: `mend detects faults in the subsystems it monitors, classifies them,
and repairs them autonomously. Every repair cycle is guarded by a
pre-repair snapshot and rolled back if system health regresses.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "mend.yaml", "path to config file")
}

// loadConfig layers the config file and MEND_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
