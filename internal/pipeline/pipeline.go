// Package pipeline turns a folder into clusters and super-groups: scan,
// timestamp clustering, preview and hash of every representative, then
// similarity grouping. The state model only sees the finished collection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scenegrouper/internal/cluster"
	"scenegrouper/internal/embedding"
	"scenegrouper/internal/match"
	"scenegrouper/internal/metrics"
	"scenegrouper/internal/models"
	"scenegrouper/internal/state"
)

// Stage names reported to the progress callback
const (
	StagePreview = "preview"
	StageGroup   = "group"
)

// Scanner lists and classifies the images of a folder
type Scanner interface {
	Scan(ctx context.Context, folder string) (*models.ScanResult, error)
}

// Previewer renders the canonical preview of an image
type Previewer interface {
	Get(ctx context.Context, path string) (string, error)
}

// Hasher hashes a preview file
type Hasher interface {
	HashFile(path string) (string, error)
}

// Result is the outcome of one run
type Result struct {
	Scan            *models.ScanResult
	Clusters        []*models.Cluster
	Groups          []*models.SuperGroup
	PreviewFailures int
	HashFailures    int
	// EmbeddingGate is false when no similarity service was used
	EmbeddingGate bool
	Duration      time.Duration
}

// Pipeline wires the stages together
type Pipeline struct {
	scanner   Scanner
	previewer Previewer
	hasher    Hasher
	clusterer *cluster.Clusterer
	threshold int
	workers   int

	embedder      *embedding.Client
	minSimilarity float64

	logger     *zap.Logger
	metrics    *metrics.Collector
	progressFn func(stage string, done, total int)
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithBracketThreshold sets the timestamp clustering window
func WithBracketThreshold(d time.Duration) Option {
	return func(p *Pipeline) {
		p.clusterer = cluster.NewClusterer(d)
	}
}

// WithHammingThreshold sets the similarity threshold in bits
func WithHammingThreshold(t int) Option {
	return func(p *Pipeline) {
		p.threshold = t
	}
}

// WithWorkers bounds concurrent preview and hash work
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithEmbeddings enables the CLIP similarity gate on perceptual pairs
func WithEmbeddings(c *embedding.Client, minSimilarity float64) Option {
	return func(p *Pipeline) {
		p.embedder = c
		p.minSimilarity = minSimilarity
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithProgress sets a progress callback. Calls are serialized.
func WithProgress(fn func(stage string, done, total int)) Option {
	return func(p *Pipeline) {
		p.progressFn = fn
	}
}

// New creates a Pipeline
func New(scanner Scanner, previewer Previewer, hasher Hasher, opts ...Option) *Pipeline {
	p := &Pipeline{
		scanner:   scanner,
		previewer: previewer,
		hasher:    hasher,
		clusterer: cluster.NewClusterer(cluster.DefaultThreshold),
		threshold: match.DefaultThreshold,
		workers:   4,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run builds the collection for folder and hands it to store in one step.
// A failed or cancelled run leaves store untouched.
func (p *Pipeline) Run(ctx context.Context, folder string, store *state.Store) (*Result, error) {
	res, err := p.Build(ctx, folder)
	if err != nil {
		return nil, err
	}
	if err := store.Replace(res.Clusters, res.Groups); err != nil {
		return nil, fmt.Errorf("failed to install results: %w", err)
	}
	return res, nil
}

// Build runs every stage without touching any state
func (p *Pipeline) Build(ctx context.Context, folder string) (*Result, error) {
	start := time.Now()

	scanned, err := p.scanner.Scan(ctx, folder)
	if err != nil {
		return nil, err
	}
	p.metrics.ScanFinished(scanned.Stats.TotalFiles, scanned.Stats.Skipped)

	clusters := p.clusterer.Build(scanned.BaseImages, scanned.DerivativesByBase)
	res := &Result{Scan: scanned, Clusters: clusters}

	if err := p.fingerprint(ctx, res); err != nil {
		return nil, err
	}

	var opts []match.Option
	opts = append(opts, match.WithLogger(p.logger))
	if gate := p.gate(ctx, clusters); gate != nil {
		opts = append(opts, match.WithPairFilter(gate))
		res.EmbeddingGate = true
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pipeline cancelled: %w", err)
	}

	p.progress(StageGroup, 0, 1)
	res.Groups = match.NewPerceptualMatcher(p.threshold, opts...).Group(clusters)
	p.progress(StageGroup, 1, 1)

	res.Duration = time.Since(start)
	p.logger.Info("pipeline finished",
		zap.String("folder", folder),
		zap.Int("clusters", len(res.Clusters)),
		zap.Int("groups", len(res.Groups)),
		zap.Int("preview_failures", res.PreviewFailures),
		zap.Int("hash_failures", res.HashFailures),
		zap.Duration("took", res.Duration))
	return res, nil
}

// fingerprint renders and hashes every representative. A cluster whose
// preview or hash fails keeps an empty hash and ends up a singleton group.
func (p *Pipeline) fingerprint(ctx context.Context, res *Result) error {
	clusters := res.Clusters
	total := len(clusters)
	previewFailed := make([]bool, total)
	hashFailed := make([]bool, total)

	var mu sync.Mutex
	done := 0
	p.progress(StagePreview, 0, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, c := range clusters {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			previewPath, hashValue, err := p.fingerprintOne(gctx, c.Representative)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("representative excluded from similarity grouping",
					zap.String("path", c.Representative), zap.Error(err))
				if previewPath == "" {
					previewFailed[i] = true
				} else {
					hashFailed[i] = true
					p.metrics.HashFailed()
				}
			}
			c.PreviewPath = previewPath
			c.Hash = hashValue

			mu.Lock()
			done++
			p.progress(StagePreview, done, total)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipeline cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline cancelled: %w", err)
	}

	for i := range clusters {
		if previewFailed[i] {
			res.PreviewFailures++
		}
		if hashFailed[i] {
			res.HashFailures++
		}
	}
	return nil
}

func (p *Pipeline) fingerprintOne(ctx context.Context, path string) (string, string, error) {
	previewPath, err := p.previewer.Get(ctx, path)
	if err != nil {
		return "", "", err
	}
	h, err := p.hasher.HashFile(previewPath)
	if err != nil {
		return previewPath, "", err
	}
	return previewPath, h, nil
}

// gate returns nil when the similarity service is not configured or fails
func (p *Pipeline) gate(ctx context.Context, clusters []*models.Cluster) match.PairFilter {
	if p.embedder == nil {
		return nil
	}
	gate, err := embedding.BuildGate(ctx, p.embedder, clusters, p.minSimilarity)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("similarity service unavailable, embedding gate disabled", zap.Error(err))
		}
		return nil
	}
	p.logger.Debug("embedding gate ready", zap.Int("vectors", gate.Len()))
	return gate
}

func (p *Pipeline) progress(stage string, done, total int) {
	if p.progressFn != nil {
		p.progressFn(stage, done, total)
	}
}
