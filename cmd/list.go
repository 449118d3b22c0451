package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"scenegrouper/internal/storage"
)

var (
	listJSON    bool
	listVerbose bool
	listHistory bool
	listLimit   int
	listOffset  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored analyses",
	Long: `Display the analysis results stored by previous runs, keyed by the main
photo of each scene.

Example:
  scenegrouper list              # Show first 10 analyses (default)
  scenegrouper list -n 0         # Show all analyses
  scenegrouper list -v           # Include caption, keywords and location
  scenegrouper list --offset 10  # Analyses 11-20
  scenegrouper list --history    # Show recent scans instead`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	listCmd.Flags().BoolVarP(&listVerbose, "verbose", "v", false, "Show caption, keywords and location")
	listCmd.Flags().BoolVar(&listHistory, "history", false, "Show scan history")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 10, "Limit number of entries to display (0 = all)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Skip first N entries (for pagination)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	db, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if listHistory {
		return listScanHistory(db)
	}

	records, err := db.GetAnalyses()
	if err != nil {
		return err
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No analyses stored.")
		fmt.Println("Run 'scenegrouper analyze <folder>' to describe scenes.")
		return nil
	}

	fmt.Printf("Found %d analyzed scenes\n\n", len(records))

	total := len(records)
	startIdx := listOffset
	if startIdx > total {
		startIdx = total
	}
	records = records[startIdx:]
	if listLimit > 0 && listLimit < len(records) {
		records = records[:listLimit]
	}

	if len(records) == 0 {
		fmt.Printf("No entries in range (offset %d exceeds total %d)\n", listOffset, total)
		return nil
	}
	for _, r := range records {
		printAnalysis(r, listVerbose)
	}

	endIdx := startIdx + len(records)
	fmt.Printf("Showing %d-%d of %d\n", startIdx+1, endIdx, total)
	if endIdx < total {
		limitArg := ""
		if listLimit > 0 {
			limitArg = fmt.Sprintf(" -n %d", listLimit)
		}
		fmt.Printf("Next page: scenegrouper list%s --offset %d\n", limitArg, endIdx)
	}
	return nil
}

func printAnalysis(r *storage.AnalysisRecord, verbose bool) {
	res := r.Result
	fmt.Printf("%s\n", res.Title)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("  Main photo: %s\n", r.MainRep)
	fmt.Printf("  Model:      %s (%s), %s\n", r.Model, r.Provider, r.AnalyzedAt.Local().Format("2006-01-02 15:04"))
	if verbose {
		if res.Caption != "" {
			fmt.Printf("  Caption:    %s\n", res.Caption)
		}
		if len(res.Keywords) > 0 {
			fmt.Printf("  Keywords:   %s\n", strings.Join(res.Keywords, ", "))
		}
		if place := joinNonEmpty(res.SpecificLocation, res.City, res.State, res.Country); place != "" {
			fmt.Printf("  Location:   %s\n", place)
		}
		if res.GPS != nil {
			fmt.Printf("  GPS:        %.5f, %.5f\n", res.GPS.Latitude, res.GPS.Longitude)
		}
	}
	fmt.Println()
}

func listScanHistory(db *storage.Storage) error {
	limit := listLimit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	history, err := db.ScanHistory(limit)
	if err != nil {
		return err
	}
	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}
	if len(history) == 0 {
		fmt.Println("No scans recorded.")
		return nil
	}

	fmt.Printf("%-16s  %-6s  %-8s  %-6s  %-8s  %s\n", "Scanned", "Files", "Clusters", "Scenes", "Failures", "Folder")
	fmt.Println(strings.Repeat("-", 80))
	for _, h := range history {
		fmt.Printf("%-16s  %-6d  %-8d  %-6d  %-8d  %s\n",
			h.ScannedAt.Local().Format("2006-01-02 15:04"), h.TotalFiles, h.TotalClusters,
			h.TotalGroups, h.PreviewFailures, shortenPath(h.Folder, 40))
	}
	return nil
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
