package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bar "github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"scenegrouper/internal/embedding"
	"scenegrouper/internal/exif"
	"scenegrouper/internal/hash"
	"scenegrouper/internal/models"
	"scenegrouper/internal/pipeline"
	"scenegrouper/internal/preview"
	"scenegrouper/internal/scan"
	"scenegrouper/internal/state"
	"scenegrouper/internal/storage"
)

// app holds what a folder-processing command needs
type app struct {
	folder   string
	exif     *exif.Tool
	previews *preview.Generator
	pipeline *pipeline.Pipeline
	store    *state.Store
	db       *storage.Storage
}

// openApp resolves folder and wires the pipeline, state and database.
// Edits made in the state are written through to the database.
func openApp(folder string, showProgress bool) (*app, error) {
	absFolder, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absFolder)
	if err != nil {
		return nil, fmt.Errorf("folder not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absFolder)
	}

	db, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	tool := exif.NewTool(exif.WithBinaryPath(cfg.ExiftoolPath), exif.WithLogger(logger))
	genOpts := append(cfg.PreviewOptions(),
		preview.WithExtractor(tool),
		preview.WithRawConverter(preview.NewDcraw(cfg.DcrawPath)),
		preview.WithLogger(logger),
		preview.WithMetrics(collector),
	)
	gen, err := preview.NewGenerator(genOpts...)
	if err != nil {
		tool.Close()
		db.Close()
		return nil, err
	}

	scanOpts := []scan.Option{
		scan.WithTimeReader(tool),
		scan.WithWorkers(cfg.Workers),
		scan.WithLogger(logger),
	}
	if showProgress {
		scanOpts = append(scanOpts, scan.WithProgress(newScanProgress()))
	}
	scanner := scan.NewScanner(scanOpts...)

	opts := []pipeline.Option{
		pipeline.WithBracketThreshold(cfg.BracketThreshold()),
		pipeline.WithHammingThreshold(cfg.SimilarityHammingThreshold),
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(collector),
	}
	if cfg.EmbeddingEndpoint != "" {
		client := embedding.NewClient(cfg.EmbeddingEndpoint, embedding.WithLogger(logger))
		opts = append(opts, pipeline.WithEmbeddings(client, cfg.EmbeddingMinSimilarity))
	}
	if showProgress {
		opts = append(opts, pipeline.WithProgress(newProgress()))
	}

	store := state.NewStore(
		state.WithLogger(logger),
		state.WithChangeHook(db.PersistEdit(func(e models.ClusterEdit, err error) {
			logger.Warn("failed to save edit", zap.String("cluster", e.Representative), zap.Error(err))
		})),
	)

	return &app{
		folder:   absFolder,
		exif:     tool,
		previews: gen,
		pipeline: pipeline.New(scanner, gen, hash.NewHasher(), opts...),
		store:    store,
		db:       db,
	}, nil
}

// build runs the pipeline, restores saved edits and analyses and records
// the scan.
func (a *app) build(ctx context.Context) (*pipeline.Result, error) {
	res, err := a.pipeline.Run(ctx, a.folder, a.store)
	if err != nil {
		return nil, err
	}

	edits, err := a.db.RestoreEdits(a.store)
	if err != nil {
		logger.Warn("failed to restore edits", zap.Error(err))
	}
	analyses, err := a.db.RestoreAnalyses(a.store)
	if err != nil {
		logger.Warn("failed to restore analyses", zap.Error(err))
	}
	logger.Debug("restored saved state", zap.Int("edits", edits), zap.Int("analyses", analyses))

	clusters, groups := a.store.Len()
	err = a.db.RecordScan(storage.ScanRecord{
		Folder:          a.folder,
		TotalFiles:      res.Scan.Stats.TotalFiles,
		TotalClusters:   clusters,
		TotalGroups:     groups,
		PreviewFailures: res.PreviewFailures,
	})
	if err != nil {
		logger.Warn("failed to record scan", zap.Error(err))
	}
	return res, nil
}

func (a *app) Close() {
	if err := a.previews.Cleanup(); err != nil {
		logger.Warn("failed to remove preview cache", zap.String("dir", a.previews.Dir()), zap.Error(err))
	}
	a.exif.Close()
	a.db.Close()
}

// newScanProgress draws the capture time bar on stderr
func newScanProgress() func(scanned, total int, current string) {
	var b *bar.ProgressBar
	return func(scanned, total int, _ string) {
		if b == nil {
			b = bar.Default(int64(total), "Reading capture times")
		}
		b.Set(scanned)
		if scanned == total {
			b.Finish()
		}
	}
}

// newProgress draws one bar per pipeline stage on stderr
func newProgress() func(stage string, done, total int) {
	var current *bar.ProgressBar
	var currentStage string
	return func(stage string, done, total int) {
		if stage == pipeline.StageGroup {
			return
		}
		if stage != currentStage || current == nil {
			currentStage = stage
			current = bar.Default(int64(total), "Rendering previews")
		}
		current.Set(done)
		if done == total {
			current.Finish()
		}
	}
}
