package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scenegrouper/internal/models"
	"scenegrouper/internal/pipeline"
)

var (
	scanJSON    bool
	scanVerbose bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <folder>",
	Short: "Group a folder into scenes",
	Long: `Scan a folder recursively and group its photos into scenes.

The scan will:
1. Find base images (raw, JPEG, TIFF, ...) and their edited derivatives
2. Fold shots taken within the bracket threshold into one cluster
3. Render and hash a preview of each cluster representative
4. Group visually similar clusters into scenes

Saved keywords, locations, prompts and analyses are restored for clusters
that still exist.

Example:
  scenegrouper scan ./photos
  scenegrouper scan ./photos --threshold 8 --bracket 3
  scenegrouper scan ./photos --json > groups.json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print groups as JSON")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "List every image of every cluster")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(args[0], !scanJSON)
	if err != nil {
		return err
	}
	defer a.Close()

	if !scanJSON {
		fmt.Printf("Scanning: %s\n", a.folder)
		fmt.Printf("Threshold: %d (Hamming distance), bracket gap: %ds\n\n",
			cfg.SimilarityHammingThreshold, cfg.BracketThresholdSeconds)
	}

	res, err := a.build(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	groups := a.store.Groups()

	if scanJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}

	for i, g := range groups {
		printGroup(i+1, g, scanVerbose)
	}
	printScanSummary(res, len(groups))
	return nil
}

func printScanSummary(res *pipeline.Result, groups int) {
	st := res.Scan.Stats
	fmt.Println("=== Scan Complete ===")
	fmt.Printf("Files found:      %d (%d base, %d derivatives, %d orphans)\n",
		st.TotalFiles, st.BaseImages, st.Derivatives, st.Orphans)
	if st.Skipped > 0 {
		fmt.Printf("Files skipped:    %d\n", st.Skipped)
	}
	fmt.Printf("Clusters:         %d\n", len(res.Clusters))
	fmt.Printf("Scene groups:     %d\n", groups)
	if res.PreviewFailures+res.HashFailures > 0 {
		fmt.Printf("Not comparable:   %d (preview or hash failed)\n", res.PreviewFailures+res.HashFailures)
	}
	if res.EmbeddingGate {
		fmt.Println("Similar scenes confirmed by the similarity service")
	}
	fmt.Printf("Took:             %s\n", res.Duration.Round(time.Millisecond))
}

func printGroup(n int, g *models.SuperGroup, verbose bool) {
	fmt.Printf("Scene #%d  %s  (%d clusters)\n", n, g.ID, len(g.SimilarReps)+1)
	fmt.Println(strings.Repeat("-", 60))

	printCluster("★", 100, g.MainRep, verbose)
	for _, sr := range g.SimilarReps {
		printCluster("≈", sr.SimilarityPercent, sr.Cluster, verbose)
	}
	if g.Result != nil && g.Result.Title != "" {
		fmt.Printf("  Title: %s\n", g.Result.Title)
	}
	fmt.Println()
}

func printCluster(marker string, percent int, c *models.Cluster, verbose bool) {
	detail := ""
	if c.IsBracketed {
		detail = fmt.Sprintf("bracket of %d", len(c.ImagePaths))
	}
	if n := len(c.Derivatives); n > 0 {
		if detail != "" {
			detail += ", "
		}
		detail += fmt.Sprintf("%d derivatives", n)
	}
	fmt.Printf("  %s %-40s  %3d%%  %s\n", marker, shortenPath(c.Representative, 40), percent, detail)

	if len(c.Keywords) > 0 {
		fmt.Printf("      Keywords: %s\n", strings.Join(c.Keywords, ", "))
	}
	if verbose {
		for _, p := range c.ImagePaths {
			if p != c.Representative {
				fmt.Printf("      + %s\n", filepath.Base(p))
			}
		}
		for _, d := range c.Derivatives {
			fmt.Printf("      ~ %s\n", filepath.Base(d.Path))
		}
	}
}

func shortenPath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}

	dir, file := filepath.Split(path)
	if len(file) >= maxLen-3 {
		return "..." + file[len(file)-(maxLen-3):]
	}

	remaining := maxLen - len(file) - 4 // 4 for ".../"
	if remaining > 0 && len(dir) > remaining {
		dir = dir[len(dir)-remaining:]
	}
	return "..." + dir + file
}
