package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"scenegrouper/internal/classify"
	"scenegrouper/internal/models"
)

// ErrScanIO marks a file or directory that could not be read during the walk.
// Such entries are skipped and logged; Scan itself does not fail on them.
var ErrScanIO = errors.New("scan io")

// TimeReader reads the capture time of an image
type TimeReader interface {
	CaptureTime(ctx context.Context, path string) (time.Time, error)
}

// Scanner walks a directory and resolves base images and their derivatives
type Scanner struct {
	timeReader TimeReader
	workers    int
	logger     *zap.Logger
	progressFn func(scanned, total int, current string)
}

// Option configures a Scanner
type Option func(*Scanner)

// WithTimeReader sets the capture time source
func WithTimeReader(r TimeReader) Option {
	return func(s *Scanner) {
		s.timeReader = r
	}
}

// WithWorkers sets the number of parallel timestamp readers
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProgress sets a progress callback, called once per timestamped base image
func WithProgress(fn func(scanned, total int, current string)) Option {
	return func(s *Scanner) {
		s.progressFn = fn
	}
}

// NewScanner creates a new Scanner
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		workers: 4,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks folder recursively and returns base images in deterministic
// order together with the derivatives attached to each of them.
func (s *Scanner) Scan(ctx context.Context, folder string) (*models.ScanResult, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", folder)
	}

	w := &walker{
		ctx:       ctx,
		logger:    s.logger,
		visited:   make(map[string]bool),
		collected: make(map[string]bool),
	}
	if err := w.walk(folder); err != nil {
		return nil, err
	}

	result := &models.ScanResult{
		DerivativesByBase: make(map[string][]models.ImageRef),
	}
	result.Stats.TotalFiles = len(w.files)
	result.Stats.Skipped = w.skipped

	// Ordering is applied to the whole collection before classification
	SortPaths(w.files)

	var bases, derivatives []models.ImageRef
	for _, path := range w.files {
		name := filepath.Base(path)
		switch {
		case classify.IsBaseImage(name):
			bases = append(bases, models.ImageRef{
				Path:     path,
				Kind:     models.KindBase,
				BaseName: classify.BaseName(name),
			})
		case classify.IsDerivative(name):
			derivatives = append(derivatives, models.ImageRef{
				Path:     path,
				Kind:     models.KindDerivative,
				BaseName: classify.BaseName(name),
			})
		default:
			result.Stats.Unknown++
		}
	}

	byName := make(map[string][]int)
	for i, b := range bases {
		byName[b.BaseName] = append(byName[b.BaseName], i)
		result.DerivativesByBase[b.Path] = []models.ImageRef{}
	}

	var orphans []models.ImageRef
	for _, d := range derivatives {
		candidates := byName[d.BaseName]
		if len(candidates) == 0 {
			orphans = append(orphans, models.ImageRef{
				Path:     d.Path,
				Kind:     models.KindBase,
				BaseName: d.BaseName,
				Orphan:   true,
			})
			continue
		}
		owner := bases[pickOwner(bases, candidates, d.Path)].Path
		result.DerivativesByBase[owner] = append(result.DerivativesByBase[owner], d)
	}

	if len(orphans) > 0 {
		for _, o := range orphans {
			result.DerivativesByBase[o.Path] = []models.ImageRef{}
		}
		bases = mergeSorted(bases, orphans)
	}

	result.Stats.BaseImages = len(bases)
	result.Stats.Derivatives = len(derivatives) - len(orphans)
	result.Stats.Orphans = len(orphans)

	if s.timeReader != nil {
		if err := s.readTimes(ctx, bases); err != nil {
			return nil, err
		}
	}
	result.BaseImages = bases

	return result, nil
}

// pickOwner prefers a base in the same directory as the derivative, then the
// earliest base in scan order.
func pickOwner(bases []models.ImageRef, candidates []int, derivPath string) int {
	dir := filepath.Dir(derivPath)
	for _, i := range candidates {
		if filepath.Dir(bases[i].Path) == dir {
			return i
		}
	}
	return candidates[0]
}

func (s *Scanner) readTimes(ctx context.Context, bases []models.ImageRef) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	times := make([]*time.Time, len(bases))
	done := make(chan string)
	total := len(bases)

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		n := 0
		for path := range done {
			n++
			if s.progressFn != nil {
				s.progressFn(n, total, path)
			}
		}
	}()

	for i := range bases {
		path := bases[i].Path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := s.timeReader.CaptureTime(ctx, path)
			if err != nil {
				s.logger.Debug("no capture time", zap.String("path", path), zap.Error(err))
			} else if !t.IsZero() {
				times[i] = &t
			}
			done <- path
			return nil
		})
	}

	err := g.Wait()
	close(done)
	<-progressDone
	if err != nil {
		return fmt.Errorf("scan cancelled: %w", err)
	}

	for i := range bases {
		bases[i].CaptureTime = times[i]
	}
	return nil
}

// mergeSorted merges two slices that are each in scan order
func mergeSorted(a, b []models.ImageRef) []models.ImageRef {
	cmp := newComparator()
	out := make([]models.ImageRef, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if cmp.less(a[i].Path, b[j].Path) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// SortPaths sorts paths by lowercased basename using a locale-aware,
// numeric-aware collation, so IMG_2 sorts before IMG_10.
func SortPaths(paths []string) {
	cmp := newComparator()
	sort.SliceStable(paths, func(i, j int) bool {
		return cmp.less(paths[i], paths[j])
	})
}

type comparator struct {
	col *collate.Collator
}

func newComparator() *comparator {
	return &comparator{col: collate.New(language.Und, collate.Numeric, collate.IgnoreCase)}
}

func (c *comparator) less(a, b string) bool {
	ba := strings.ToLower(filepath.Base(a))
	bb := strings.ToLower(filepath.Base(b))
	if r := c.col.CompareString(ba, bb); r != 0 {
		return r < 0
	}
	if ba != bb {
		return ba < bb
	}
	// Same name in different folders
	return a < b
}

type walker struct {
	ctx    context.Context
	logger *zap.Logger
	// Real paths of walked directories and collected files
	visited   map[string]bool
	collected map[string]bool
	files     []string
	skipped   int
}

func (w *walker) walk(dir string) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		w.warn(dir, err)
		return nil
	}
	if w.visited[real] {
		return nil
	}
	w.visited[real] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.warn(dir, err)
		return nil
	}

	for _, e := range entries {
		if err := w.ctx.Err(); err != nil {
			return fmt.Errorf("scan cancelled: %w", err)
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())

		mode := e.Type()
		if mode&os.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				w.warn(path, err)
				continue
			}
			mode = info.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if err := w.walk(path); err != nil {
				return err
			}
		case mode.IsRegular():
			real, err := filepath.EvalSymlinks(path)
			if err != nil {
				w.warn(path, err)
				continue
			}
			if w.collected[real] {
				continue
			}
			if err := checkReadable(path); err != nil {
				w.warn(path, err)
				continue
			}
			w.collected[real] = true
			w.files = append(w.files, path)
		}
	}
	return nil
}

func (w *walker) warn(path string, err error) {
	w.skipped++
	w.logger.Warn("skipping unreadable entry",
		zap.String("path", path),
		zap.Error(fmt.Errorf("%w: %w", ErrScanIO, err)))
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
