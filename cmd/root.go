package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"scenegrouper/internal/config"
	"scenegrouper/internal/logging"
	"scenegrouper/internal/metrics"
	"scenegrouper/internal/storage"
)

var (
	configPath  string
	metricsFile string

	cfg       *config.Config
	logger    = zap.NewNop()
	collector *metrics.Collector
)

// flagKeys maps persistent flags onto config keys. Only flags set on the
// command line override the file and environment.
var flagKeys = map[string]string{
	"db":                 "dbPath",
	"workers":            "workers",
	"threshold":          "similarityHammingThreshold",
	"bracket":            "bracketThresholdSeconds",
	"cache-dir":          "cacheDir",
	"keep-cache":         "keepCache",
	"provider":           "modelProvider",
	"endpoint":           "modelEndpoint",
	"model":              "modelName",
	"embedding-endpoint": "embeddingEndpoint",
	"log-level":          "logLevel",
	"log-format":         "logFormat",
}

var rootCmd = &cobra.Command{
	Use:   "scenegrouper",
	Short: "Group photos into scenes and describe them with a vision model",
	Long: `scenegrouper walks a photo folder, folds exposure brackets and edited
derivatives into clusters, groups visually similar clusters into scenes and
asks a vision model for a title, caption, keywords and location per scene.

Example usage:
  scenegrouper scan ./photos             # Build and print the scene groups
  scenegrouper analyze ./photos          # Describe every scene with the model
  scenegrouper analyze ./photos --sidecars  # Also write XMP sidecars
  scenegrouper serve ./photos            # Edit groups over a local JSON API
  scenegrouper list                      # Show stored analyses
  scenegrouper clean                     # Remove leftover preview caches`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default()
	pf := rootCmd.PersistentFlags()

	pf.StringVar(&configPath, "config", config.DefaultPath(), "Path to YAML config file")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	pf.String("db", storage.DefaultPath(), "Path to SQLite database")
	pf.Int("workers", defaults.Workers, "Number of parallel preview workers")
	pf.Int("threshold", defaults.SimilarityHammingThreshold, "Hamming distance bound for similar scenes (lower = stricter)")
	pf.Int("bracket", defaults.BracketThresholdSeconds, "Max seconds between shots of one bracket")
	pf.String("cache-dir", "", "Preview cache directory (default: temporary, removed on exit)")
	pf.Bool("keep-cache", false, "Keep the preview cache on exit")
	pf.String("provider", defaults.ModelProvider, "Vision model provider (ollama, openai)")
	pf.String("endpoint", defaults.ModelEndpoint, "Vision model endpoint")
	pf.String("model", defaults.ModelName, "Vision model name")
	pf.String("embedding-endpoint", "", "Image similarity service used to confirm similar scenes")
	pf.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	pf.String("log-format", defaults.LogFormat, "Log format (console, json)")
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var setErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || setErr != nil {
			return
		}
		setErr = loaded.Set(key, f.Value.String())
	})
	if setErr != nil {
		return setErr
	}
	if loaded.DBPath == "" {
		loaded.DBPath = storage.DefaultPath()
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	collector = metrics.New()

	logger.Debug("configuration loaded", zap.Strings("sources", cfg.Sources))
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	defer logger.Sync()
	if metricsFile == "" {
		return nil
	}
	if err := collector.WriteTextfile(metricsFile); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
