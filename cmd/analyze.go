package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scenegrouper/internal/analysis"
	"scenegrouper/internal/models"
	"scenegrouper/internal/sidecar"
	"scenegrouper/internal/storage"
	"scenegrouper/internal/vision"
)

var (
	skipAnalyzed  bool
	writeSidecars bool
	noBackup      bool
	analyzeGroups []string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <folder>",
	Short: "Describe every scene with a vision model",
	Long: `Group a folder into scenes, then send the preview of each scene's main
photo to a vision model and store the title, caption, keywords and location
it returns.

Groups are analyzed one at a time. A failed group is reported and the batch
continues. Ctrl+C stops after the current request; results stored so far are
kept.

The model is chosen with --provider/--endpoint/--model or the config file.
The OpenAI key is read from SCENEGROUPER_MODEL_API_KEY.

Example:
  scenegrouper analyze ./photos
  scenegrouper analyze ./photos --skip-analyzed --sidecars
  scenegrouper analyze ./photos --provider openai --model gpt-4o-mini
  scenegrouper analyze ./photos --group <id> --group <id>`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&skipAnalyzed, "skip-analyzed", false, "Skip groups whose main photo already has a stored analysis")
	analyzeCmd.Flags().BoolVar(&writeSidecars, "sidecars", false, "Write XMP sidecars next to the photos of each analyzed group")
	analyzeCmd.Flags().BoolVar(&noBackup, "no-backup", false, "Overwrite existing sidecars without keeping a .bak copy")
	analyzeCmd.Flags().StringSliceVarP(&analyzeGroups, "group", "g", nil, "Group IDs to analyze (can be specified multiple times)")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vc := cfg.Vision()
	client, err := vision.New(vc, vision.WithLogger(logger), vision.WithMetrics(collector))
	if err != nil {
		return err
	}

	a, err := openApp(args[0], true)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Analyzing: %s\n", a.folder)
	fmt.Printf("Model: %s (%s), timeout %s\n\n", client.Model(), client.Provider(), vc.Timeout)

	if _, err := a.build(ctx); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	opts := []analysis.Option{analysis.WithLogger(logger)}
	if skipAnalyzed {
		analyzed, err := a.db.AnalyzedSet()
		if err != nil {
			return err
		}
		opts = append(opts, analysis.WithSkip(func(g *models.SuperGroup) bool {
			return analyzed[g.MainRep.ID()] && g.Result != nil
		}))
	}

	var writer *sidecar.Writer
	if writeSidecars {
		writer = sidecar.NewWriter(sidecar.WithLogger(logger), sidecar.WithBackup(!noBackup))
	}

	total := len(a.store.Groups())
	if len(analyzeGroups) > 0 {
		total = len(analyzeGroups)
	}
	var sum analyzeSummary
	opts = append(opts, analysis.WithObserver(func(r analysis.Report) {
		sum.add(r)
		printReport(sum.seen, total, r)
		if r.Result == nil || r.Discarded || r.Err != nil {
			return
		}
		saveReport(a, r, client)
		if writer != nil {
			writeGroupSidecars(a, writer, r.StoredAs)
		}
	}))

	analyzer := analysis.NewAnalyzer(client, a.store, opts...)
	if len(analyzeGroups) > 0 {
		for _, id := range analyzeGroups {
			if ctx.Err() != nil {
				break
			}
			if _, err := a.store.Group(id); err != nil {
				fmt.Fprintf(os.Stderr, "Group %s: %v\n", id, err)
				continue
			}
			// outcome is printed by the observer
			_, _ = analyzer.AnalyzeGroup(ctx, id)
		}
	} else if _, err := analyzer.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	sum.print()
	return nil
}

func saveReport(a *app, r analysis.Report, client vision.Client) {
	err := a.db.SaveAnalysis(storage.AnalysisRecord{
		MainRep:    r.MainRep,
		GroupID:    r.StoredAs,
		Provider:   client.Provider(),
		Model:      client.Model(),
		Result:     r.Result,
		AnalyzedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("failed to save analysis", zap.String("group", r.StoredAs), zap.Error(err))
	}
}

func writeGroupSidecars(a *app, w *sidecar.Writer, groupID string) {
	g, err := a.store.Group(groupID)
	if err != nil {
		logger.Warn("group gone before sidecars were written", zap.String("group", groupID), zap.Error(err))
		return
	}
	if _, err := w.WriteGroup(g); err != nil {
		logger.Warn("failed to write sidecars", zap.String("group", groupID), zap.Error(err))
	}
}

func printReport(n, total int, r analysis.Report) {
	prefix := fmt.Sprintf("[%d/%d]", n, total)
	switch {
	case r.Skipped:
		fmt.Printf("%s %s  skipped (already analyzed)\n", prefix, shortenPath(r.MainRep, 40))
	case r.Err != nil:
		fmt.Printf("%s %s  failed: %v\n", prefix, shortenPath(r.MainRep, 40), r.Err)
	case r.Discarded:
		fmt.Printf("%s %s  discarded (group changed)\n", prefix, shortenPath(r.MainRep, 40))
	default:
		fmt.Printf("%s %s  %q (%s)\n", prefix, shortenPath(r.MainRep, 40), r.Result.Title, r.Duration.Round(100*time.Millisecond))
	}
}

type analyzeSummary struct {
	seen, ok, failed, skipped, discarded int
	took                                 time.Duration
}

func (s *analyzeSummary) add(r analysis.Report) {
	s.seen++
	s.took += r.Duration
	switch {
	case r.Skipped:
		s.skipped++
	case r.Err != nil:
		s.failed++
	case r.Discarded:
		s.discarded++
	default:
		s.ok++
	}
}

func (s *analyzeSummary) print() {
	fmt.Println()
	fmt.Println("=== Analysis Complete ===")
	fmt.Printf("Analyzed:  %d\n", s.ok)
	if s.skipped > 0 {
		fmt.Printf("Skipped:   %d\n", s.skipped)
	}
	if s.failed > 0 {
		fmt.Printf("Failed:    %d\n", s.failed)
	}
	if s.discarded > 0 {
		fmt.Printf("Discarded: %d\n", s.discarded)
	}
	fmt.Printf("Model time: %s\n", s.took.Round(time.Second))
	if s.ok > 0 {
		fmt.Println()
		fmt.Println("Run 'scenegrouper list' to see stored analyses")
	}
}
