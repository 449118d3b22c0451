package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scenegrouper/internal/analysis"
	"scenegrouper/internal/match"
	"scenegrouper/internal/server"
	"scenegrouper/internal/vision"
)

var (
	serveAddr    string
	serveTimeout time.Duration
	serveOpen    bool
	serveNoModel bool
)

var serveCmd = &cobra.Command{
	Use:   "serve <folder>",
	Short: "Serve the scene groups of a folder over a local JSON API",
	Long: `Group a folder into scenes and start a local HTTP server for editing them.

The API lets a front end:
- List clusters and scene groups
- Edit keywords, locations and analysis prompts
- Extract a cluster into its own scene or merge two scenes
- Regroup with a different threshold
- Analyze a single scene and fetch cached previews

Edits are saved as they are made and restored on the next run.
The server stops on Ctrl+C or after the idle timeout.

Example:
  scenegrouper serve ./photos
  scenegrouper serve ./photos --addr 127.0.0.1:3000
  scenegrouper serve ./photos --timeout 30m --open`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default from config, 127.0.0.1:8080)")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 0, "Idle timeout (0 to disable)")
	serveCmd.Flags().BoolVar(&serveOpen, "open", false, "Open the API in a browser")
	serveCmd.Flags().BoolVar(&serveNoModel, "no-model", false, "Disable the analyze endpoint")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(args[0], true)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.build(ctx); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithIdleTimeout(serveTimeout),
		server.WithRegroup(cfg.SimilarityHammingThreshold, match.WithLogger(logger)),
	}
	if !serveNoModel {
		analyzer, err := newServeAnalyzer(a)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithAnalyzer(analyzer))
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.ServerAddr
	}
	url := "http://" + addr
	clusters, groups := a.store.Len()
	fmt.Printf("Loaded %d clusters in %d scenes\n", clusters, groups)
	fmt.Printf("Serving at %s/api/groups\n", url)
	if serveTimeout > 0 {
		fmt.Printf("Idle timeout: %v (resets on every request)\n", serveTimeout)
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if serveOpen {
		go func() {
			time.Sleep(500 * time.Millisecond)
			openBrowser(url + "/api/groups")
		}()
	}

	return server.New(a.store, opts...).Serve(ctx, addr)
}

// newServeAnalyzer stores results like the analyze command does
func newServeAnalyzer(a *app) (*analysis.Analyzer, error) {
	client, err := vision.New(cfg.Vision(), vision.WithLogger(logger), vision.WithMetrics(collector))
	if err != nil {
		return nil, err
	}
	return analysis.NewAnalyzer(client, a.store,
		analysis.WithLogger(logger),
		analysis.WithObserver(func(r analysis.Report) {
			if r.Result == nil || r.Discarded || r.Err != nil {
				return
			}
			saveReport(a, r, client)
			logger.Info("scene analyzed", zap.String("group", r.StoredAs), zap.String("title", r.Result.Title))
		}),
	), nil
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Run(); err != nil {
		logger.Debug("failed to open browser", zap.Error(err))
	}
}
