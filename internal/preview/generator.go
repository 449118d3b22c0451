// Package preview renders every supported format into a bounded, upright
// JPEG so that downstream hashing and analysis compare like with like.
package preview

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"scenegrouper/internal/classify"
	"scenegrouper/internal/exif"
	"scenegrouper/internal/fileutil"
	"scenegrouper/internal/metrics"
)

var (
	// ErrPreviewExtract wraps any failure to produce a preview for one file
	ErrPreviewExtract = errors.New("preview extraction failed")
	// ErrCacheDir means the cache directory could not be created; fatal for a run
	ErrCacheDir = errors.New("preview cache directory unavailable")
)

const (
	DefaultMaxDimension = 1200
	DefaultQuality      = 85

	// CacheDirPattern names process-owned cache directories under os.TempDir
	CacheDirPattern = "scenegrouper-preview-*"
)

// Extractor reads embedded images and the orientation tag
type Extractor interface {
	EmbeddedImage(ctx context.Context, path string, tags ...string) ([]byte, error)
	Orientation(ctx context.Context, path string) (int, error)
}

// RawConverter develops a raw file into an sRGB raster
type RawConverter interface {
	Convert(ctx context.Context, path string) (image.Image, error)
}

// Generator produces cached previews
type Generator struct {
	dir     string
	owned   bool
	keep    bool
	maxDim  int
	quality int

	extractor Extractor
	raw       RawConverter
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// Option configures a Generator
type Option func(*Generator)

// WithCacheDir uses dir instead of a fresh temporary directory. A caller
// supplied directory is never removed by Cleanup.
func WithCacheDir(dir string) Option {
	return func(g *Generator) {
		g.dir = dir
	}
}

// WithKeepCache keeps a process-owned cache directory after Cleanup
func WithKeepCache(keep bool) Option {
	return func(g *Generator) {
		g.keep = keep
	}
}

// WithMaxDimension bounds both sides of the preview
func WithMaxDimension(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxDim = n
		}
	}
}

// WithQuality sets the JPEG quality (1-100)
func WithQuality(q int) Option {
	return func(g *Generator) {
		if q >= 1 && q <= 100 {
			g.quality = q
		}
	}
}

// WithExtractor sets the EXIF tool used for embedded previews and orientation
func WithExtractor(e Extractor) Option {
	return func(g *Generator) {
		g.extractor = e
	}
}

// WithRawConverter sets the fallback raw developer
func WithRawConverter(r RawConverter) Option {
	return func(g *Generator) {
		g.raw = r
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// NewGenerator creates a Generator and its cache directory
func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{
		maxDim:  DefaultMaxDimension,
		quality: DefaultQuality,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.dir == "" {
		dir, err := os.MkdirTemp("", CacheDirPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheDir, err)
		}
		g.dir = dir
		g.owned = true
	} else if err := os.MkdirAll(g.dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheDir, err)
	}
	return g, nil
}

// Dir returns the cache directory
func (g *Generator) Dir() string {
	return g.dir
}

// Cleanup removes a process-owned cache directory unless it is kept
func (g *Generator) Cleanup() error {
	if !g.owned || g.keep {
		return nil
	}
	if err := os.RemoveAll(g.dir); err != nil {
		return fmt.Errorf("failed to remove preview cache: %w", err)
	}
	return nil
}

// CacheKey names the preview of absPath
func CacheKey(absPath string) string {
	sum := md5.Sum([]byte(absPath))
	return hex.EncodeToString(sum[:]) + ".jpg"
}

// PathFor returns where the preview of path lives, whether or not it exists yet
func (g *Generator) PathFor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(g.dir, CacheKey(abs)), nil
}

// Get returns the preview path of path, rendering it on a cache miss.
// The cache entry is only written once the whole render succeeded.
func (g *Generator) Get(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPreviewExtract, path, err)
	}
	out := filepath.Join(g.dir, CacheKey(abs))
	if fileutil.Exists(out) {
		g.metrics.PreviewCacheHit()
		return out, nil
	}

	if err := g.render(ctx, abs, out); err != nil {
		g.metrics.PreviewFailed()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s: %w", ErrPreviewExtract, abs, err)
	}
	g.metrics.PreviewGenerated()
	return out, nil
}

func (g *Generator) render(ctx context.Context, abs, out string) error {
	img, err := g.decode(ctx, abs)
	if err != nil {
		return err
	}

	img = Orient(img, g.orientation(ctx, abs))
	img = imaging.Fit(img, g.maxDim, g.maxDim, imaging.Lanczos)

	return fileutil.WriteFileAtomic(out, 0644, func(w io.Writer) error {
		if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
			return fmt.Errorf("failed to encode preview: %w", err)
		}
		return nil
	})
}

// decode never asks imaging to auto-orient; orientation is applied once,
// from the source file's tag, for every format.
func (g *Generator) decode(ctx context.Context, abs string) (image.Image, error) {
	name := filepath.Base(abs)
	switch {
	case classify.IsRaw(name):
		return g.decodeRaw(ctx, abs)
	case isPhotoshop(name):
		img, err := g.decodeEmbedded(ctx, abs, exif.PSDPreviewTags)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, errors.New("no embedded composite image")
		}
		return img, nil
	default:
		img, err := imaging.Open(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		return img, nil
	}
}

func (g *Generator) decodeRaw(ctx context.Context, abs string) (image.Image, error) {
	img, err := g.decodeEmbedded(ctx, abs, exif.RawPreviewTags)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Debug("embedded preview unavailable", zap.String("path", abs), zap.Error(err))
	}
	if img != nil {
		return img, nil
	}

	if g.raw == nil {
		return nil, errors.New("no embedded preview and no raw converter")
	}
	img, err = g.raw.Convert(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("failed to develop raw file: %w", err)
	}
	return img, nil
}

// decodeEmbedded returns nil, nil when the file carries none of tags
func (g *Generator) decodeEmbedded(ctx context.Context, abs string, tags []string) (image.Image, error) {
	if g.extractor == nil {
		return nil, nil
	}
	data, err := g.extractor.EmbeddedImage(ctx, abs, tags...)
	if err != nil {
		return nil, fmt.Errorf("failed to extract embedded image: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode embedded image: %w", err)
	}
	return img, nil
}

func (g *Generator) orientation(ctx context.Context, abs string) int {
	if g.extractor == nil {
		return 1
	}
	o, err := g.extractor.Orientation(ctx, abs)
	if err != nil {
		g.logger.Debug("orientation unreadable, assuming 1", zap.String("path", abs), zap.Error(err))
		return 1
	}
	return o
}

// Orient applies the rotation named by an EXIF orientation value.
// Mirrored orientations (2, 4, 5, 7) are left as they are.
func Orient(img image.Image, orientation int) image.Image {
	// imaging rotates counter-clockwise
	switch orientation {
	case 3:
		return imaging.Rotate180(img)
	case 6:
		return imaging.Rotate270(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func isPhotoshop(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".psd" || ext == ".psb"
}
