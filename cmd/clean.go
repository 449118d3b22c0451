package cmd

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"scenegrouper/internal/fileutil"
	"scenegrouper/internal/preview"
)

var (
	dryRun    bool
	permanent bool
	noConfirm bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover preview caches",
	Long: `Remove preview cache directories left behind by runs that used
--keep-cache or were killed before cleaning up.

Temporary caches (scenegrouper-preview-*) in the system temp directory are
listed, together with the configured cache directory if there is one.

Options:
  --dry-run     List the caches without removing them
  --permanent   Delete instead of moving to trash
  --yes         Skip confirmation prompt

Example:
  scenegrouper clean --dry-run   # List only
  scenegrouper clean             # Move to trash
  scenegrouper clean --permanent # Delete permanently`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List without removing")
	cleanCmd.Flags().BoolVar(&permanent, "permanent", false, "Delete permanently instead of moving to trash")
	cleanCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(cleanCmd)
}

type cacheDir struct {
	path  string
	files int
	size  int64
}

func runClean(cmd *cobra.Command, args []string) error {
	caches, err := findCaches(os.TempDir(), cfg.CacheDir)
	if err != nil {
		return err
	}
	if len(caches) == 0 {
		fmt.Println("No preview caches found.")
		return nil
	}

	var totalSize int64
	for _, c := range caches {
		totalSize += c.size
		fmt.Printf("  %-60s  %5d files  %8s\n", shortenPath(c.path, 60), c.files, formatSize(c.size))
	}
	fmt.Println()

	action := "move to trash"
	if permanent {
		action = "permanently delete"
	}
	fmt.Printf("Will %s %d cache directories (%s)\n\n", action, len(caches), formatSize(totalSize))

	if dryRun {
		fmt.Println("(Dry run - nothing was removed)")
		return nil
	}

	if !noConfirm {
		fmt.Printf("Are you sure you want to %s %d directories? [y/N]: ", action, len(caches))
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var processed, failed int
	for _, c := range caches {
		var err error
		if permanent {
			err = os.RemoveAll(c.path)
		} else {
			_, err = fileutil.MoveToTrash(c.path)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", c.path, err)
			failed++
			continue
		}
		processed++
	}

	fmt.Println()
	if permanent {
		fmt.Printf("Deleted %d cache directories\n", processed)
	} else {
		fmt.Printf("Moved %d cache directories to trash\n", processed)
	}
	if failed > 0 {
		fmt.Printf("Failed: %d\n", failed)
	}
	fmt.Printf("Space reclaimed: %s\n", formatSize(totalSize))
	return nil
}

// findCaches lists temporary preview caches under tempDir plus configured,
// when it exists
func findCaches(tempDir, configured string) ([]cacheDir, error) {
	matches, err := filepath.Glob(filepath.Join(tempDir, preview.CacheDirPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	if configured != "" {
		if info, err := os.Stat(configured); err == nil && info.IsDir() {
			matches = append(matches, configured)
		}
	}

	var out []cacheDir
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		c := cacheDir{path: m}
		_ = filepath.WalkDir(m, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				c.files++
				c.size += fi.Size()
			}
			return nil
		})
		out = append(out, c)
	}
	return out, nil
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
