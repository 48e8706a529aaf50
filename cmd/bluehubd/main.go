// bluehubd is a diagnostic harness around the aggregation core: it runs a
// local scanner into a manager and prints what the manager sees.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/bluehub/manager"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bluehubd",
		Short:         "BLE advertisement aggregation diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")

	rootCmd.AddCommand(newScanCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig builds the manager config, overlaying a YAML file when given.
func loadConfig(cmd *cobra.Command) (*manager.Config, error) {
	cfg := manager.DefaultConfig()
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
