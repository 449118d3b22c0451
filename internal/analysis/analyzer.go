// Package analysis runs the vision model over super-groups and stores the
// structured results.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"scenegrouper/internal/models"
	"scenegrouper/internal/state"
	"scenegrouper/internal/vision"
)

// Store is the part of the state model the analyzer needs
type Store interface {
	Groups() []*models.SuperGroup
	Group(id string) (*models.SuperGroup, error)
	SetAnalysisResultForMainRep(mainRepPath string, result *models.AnalysisResult) (string, error)
}

// Report describes the outcome for one group
type Report struct {
	GroupID  string                 // group id when the call started
	StoredAs string                 // group id the result was stored against
	MainRep  string                 // main representative path
	Prompt   string
	Result   *models.AnalysisResult
	Err      error
	Skipped  bool

	// Discarded means the model answered but no group is led by MainRep anymore
	Discarded bool
	Duration  time.Duration
}

// Analyzer calls the model for one group at a time
type Analyzer struct {
	client vision.Client
	store  Store
	logger *zap.Logger

	readImage func(path string) ([]byte, error)
	skip      func(g *models.SuperGroup) bool
	observe   func(Report)
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSkip skips groups for which fn returns true
func WithSkip(fn func(g *models.SuperGroup) bool) Option {
	return func(a *Analyzer) {
		a.skip = fn
	}
}

// WithObserver is called after every group, in order
func WithObserver(fn func(Report)) Option {
	return func(a *Analyzer) {
		a.observe = fn
	}
}

// WithImageReader replaces os.ReadFile for loading previews
func WithImageReader(fn func(path string) ([]byte, error)) Option {
	return func(a *Analyzer) {
		if fn != nil {
			a.readImage = fn
		}
	}
}

// NewAnalyzer creates an Analyzer
func NewAnalyzer(client vision.Client, store Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		client:    client,
		store:     store,
		logger:    zap.NewNop(),
		readImage: os.ReadFile,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run analyzes every group of a snapshot taken at start. Per-group failures
// are reported, not returned; only cancellation stops the batch, leaving the
// results stored so far in place.
func (a *Analyzer) Run(ctx context.Context) ([]Report, error) {
	groups := a.store.Groups()
	reports := make([]Report, 0, len(groups))

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return reports, fmt.Errorf("analysis cancelled: %w", err)
		}
		r := a.analyze(ctx, g)
		reports = append(reports, r)
		if a.observe != nil {
			a.observe(r)
		}
		if errors.Is(r.Err, context.Canceled) {
			return reports, fmt.Errorf("analysis cancelled: %w", r.Err)
		}
	}
	return reports, nil
}

// AnalyzeGroup analyzes one group by id
func (a *Analyzer) AnalyzeGroup(ctx context.Context, groupID string) (Report, error) {
	g, err := a.store.Group(groupID)
	if err != nil {
		return Report{GroupID: groupID}, err
	}
	r := a.analyzeNow(ctx, g)
	if a.observe != nil {
		a.observe(r)
	}
	return r, r.Err
}

func (a *Analyzer) analyze(ctx context.Context, g *models.SuperGroup) Report {
	if a.skip != nil && a.skip(g) {
		return Report{GroupID: g.ID, MainRep: g.MainRep.ID(), Skipped: true}
	}
	return a.analyzeNow(ctx, g)
}

// analyzeNow works on a snapshot of g. The result goes to whichever group is
// led by the same main representative once the model answers, since the user
// may have reshaped groups meanwhile.
func (a *Analyzer) analyzeNow(ctx context.Context, g *models.SuperGroup) Report {
	start := time.Now()
	r := Report{
		GroupID: g.ID,
		MainRep: g.MainRep.ID(),
		Prompt:  Prompt(g),
	}
	log := a.logger.With(zap.String("group", g.ID), zap.String("main_rep", r.MainRep))

	finish := func(err error) Report {
		r.Err = err
		r.Duration = time.Since(start)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("analysis failed", zap.Error(err))
		}
		return r
	}

	if g.MainRep.PreviewPath == "" {
		return finish(fmt.Errorf("no preview for %s", r.MainRep))
	}
	image, err := a.readImage(g.MainRep.PreviewPath)
	if err != nil {
		return finish(fmt.Errorf("failed to read preview: %w", err))
	}

	answer, err := a.client.Analyze(ctx, r.Prompt, image)
	if err != nil {
		return finish(err)
	}

	result, err := Parse(answer)
	if err != nil {
		return finish(err)
	}
	r.Result = result

	storedAs, err := a.store.SetAnalysisResultForMainRep(r.MainRep, result)
	if errors.Is(err, state.ErrGroupNotFound) {
		r.Discarded = true
		log.Warn("discarding late analysis result", zap.Error(err))
		return finish(nil)
	}
	if err != nil {
		return finish(err)
	}
	r.StoredAs = storedAs
	log.Debug("analysis stored", zap.String("stored_as", storedAs), zap.Duration("took", time.Since(start)))
	return finish(nil)
}
