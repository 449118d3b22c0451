package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"scenegrouper/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying defaults, the config file,
SCENEGROUPER_* environment variables and flags, followed by the
environment variable of every key.

Example:
  scenegrouper config
  scenegrouper config --threshold 8 > ~/.scenegrouper/config.yaml`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.ModelAPIKey != "" {
		shown.ModelAPIKey = "********"
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&shown); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("# loaded from: %v\n", cfg.Sources)
	fmt.Println("# environment overrides:")
	for _, key := range config.Keys() {
		fmt.Printf("#   %-28s %s\n", key, config.EnvName(key))
	}
	return nil
}
